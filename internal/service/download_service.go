package service

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
)

// DownloadResponse 是一次下载的字节流和客户端需要的全部响应头。
type DownloadResponse struct {
	Body    io.ReadCloser
	Record  *model.FileRecord
	Start   int64
	End     int64
	Partial bool
}

// ContentLength 返回区间的精确字节数。
func (r *DownloadResponse) ContentLength() int64 {
	return r.End - r.Start + 1
}

// StatusCode 返回 200 或 206。
func (r *DownloadResponse) StatusCode() int {
	if r.Partial {
		return http.StatusPartialContent
	}
	return http.StatusOK
}

// Headers 返回固定的响应头集合。Content-Length 总是存在，下载不会退化为 chunked 传输。
func (r *DownloadResponse) Headers() map[string]string {
	h := map[string]string{
		"Content-Length":      strconv.FormatInt(r.ContentLength(), 10),
		"Content-Type":        r.Record.MimeType,
		"Content-Disposition": ContentDisposition(r.Record.OriginalName),
		"Accept-Ranges":       "bytes",
	}
	if r.Partial {
		h["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Record.Size)
	}
	return h
}

// ContentDisposition 生成带原始文件名的 attachment 头，非 ASCII 文件名按 RFC 2231 编码。
func ContentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

// DownloadService 负责解析 Range 并打开对应的字节流。
type DownloadService interface {
	PrepareDownload(ctx context.Context, fileID, rangeHeader, role string) (*DownloadResponse, error)
}

type downloadService struct {
	files FileService
	store ByteStore
}

// NewDownloadService 创建一个新的 DownloadService 实例。
func NewDownloadService(files FileService, store ByteStore) DownloadService {
	return &downloadService{files: files, store: store}
}

// PrepareDownload 查找记录、校验权限、解析区间，最后才打开字节流。
// 任何校验失败都不会打开流，未授权的调用方拿不到任何数据。
func (s *downloadService) PrepareDownload(ctx context.Context, fileID, rangeHeader, role string) (*DownloadResponse, error) {
	rec, err := s.files.Get(ctx, fileID, role)
	if err != nil {
		return nil, err
	}

	start, end := int64(0), rec.Size-1
	if rangeHeader != "" {
		start, end, err = ParseRange(rangeHeader, rec.Size)
		if err != nil {
			return nil, err
		}
	}

	body, err := s.store.ReadRange(ctx, rec, start, end)
	if err != nil {
		log.Errorf("[PrepareDownload] 打开字节流失败, fileId: %s, range: [%d, %d], error: %v", fileID, start, end, err)
		return nil, err
	}
	return &DownloadResponse{
		Body:    body,
		Record:  rec,
		Start:   start,
		End:     end,
		Partial: start != 0 || end != rec.Size-1,
	}, nil
}

// ParseRange 解析单区间的 Range 请求头：bytes=a-b、bytes=a-、bytes=-N。
// 超过文件末尾的 end 会被截断到 size-1；多区间和无法满足的区间返回 *RangeError。
func ParseRange(header string, size int64) (start, end int64, err error) {
	fail := func() (int64, int64, error) {
		return 0, 0, &RangeError{Size: size, Header: header}
	}

	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || size <= 0 {
		return fail()
	}
	set = strings.TrimSpace(set)
	if strings.Contains(set, ",") {
		return fail()
	}
	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return fail()
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// 后缀形式：最后 N 个字节
		n, err := parseOffset(last)
		if err != nil || n <= 0 {
			return fail()
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = parseOffset(first)
	if err != nil || start < 0 || start >= size {
		return fail()
	}
	if last == "" {
		return start, size - 1, nil
	}
	end, err = parseOffset(last)
	if err != nil || end < start {
		return fail()
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// parseOffset 只接受纯数字，拒绝 strconv 允许的正负号。
func parseOffset(s string) (int64, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}
