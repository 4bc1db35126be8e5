// Package pipeline 定义了文件上传后的处理流程。
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/internal/repository"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/events"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
	"gorm.io/gorm"
)

// RangeReader 是处理器读取已存储字节所需的能力。
type RangeReader interface {
	ReadRange(ctx context.Context, rec *model.FileRecord, start, end int64) (io.ReadCloser, error)
}

// Processor 对新上传的文件做完整性校验：重新读出全部字节，核对大小并记录 SHA-256。
// EXIF 解析和缩略图生成由外部的处理服务负责。
type Processor struct {
	catalog repository.CatalogRepository
	store   RangeReader
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(catalog repository.CatalogRepository, store RangeReader) *Processor {
	return &Processor{catalog: catalog, store: store}
}

// Process 是文件处理的主函数。状态流转 pending → processing → completed | failed。
func (p *Processor) Process(ctx context.Context, event events.FileUploadedPayload) error {
	log.Infof("[Processor] 开始处理文件, fileId: %s, 文件名: %s", event.FileID, event.OriginalName)

	// 1. 读取目录记录，文件已被删除时直接结束
	rec, err := p.catalog.Get(ctx, event.FileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Processor] 文件记录不存在或已删除，跳过, fileId: %s", event.FileID)
			return nil
		}
		return fmt.Errorf("读取文件记录失败: %w", err)
	}
	if rec.ProcessingStatus == model.ProcessingCompleted {
		return nil
	}
	if err := p.catalog.UpdateProcessing(ctx, rec.ID, model.ProcessingProcessing, ""); err != nil {
		return fmt.Errorf("更新处理状态失败: %w", err)
	}

	// 2. 重新读出全部字节，计算校验和
	checksum, n, err := p.digest(ctx, rec)
	if err == nil && n != rec.Size {
		err = fmt.Errorf("文件大小不一致: 记录 %d 字节, 实际读取 %d 字节", rec.Size, n)
	}
	if err != nil {
		log.Errorf("[Processor] 完整性校验失败, fileId: %s, error: %v", rec.ID, err)
		if updErr := p.catalog.UpdateProcessing(context.WithoutCancel(ctx), rec.ID, model.ProcessingFailed, ""); updErr != nil {
			log.Errorf("[Processor] 更新失败状态出错, fileId: %s, error: %v", rec.ID, updErr)
		}
		return err
	}

	// 3. 记录结果
	if err := p.catalog.UpdateProcessing(ctx, rec.ID, model.ProcessingCompleted, checksum); err != nil {
		return fmt.Errorf("更新处理状态失败: %w", err)
	}
	log.Infof("[Processor] 文件处理完成, fileId: %s, sha256: %s", rec.ID, checksum)
	return nil
}

func (p *Processor) digest(ctx context.Context, rec *model.FileRecord) (string, int64, error) {
	src, err := p.store.ReadRange(ctx, rec, 0, rec.Size-1)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	h := sha256.New()
	n, err := io.Copy(h, src)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
