package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/romdj/tempsdarret.studio-sub002/internal/middleware"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/internal/service"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ArchiveHandler 负责 ZIP 归档任务相关的 API 请求。
type ArchiveHandler struct {
	archives     service.ArchiveService
	pollInterval time.Duration
}

// NewArchiveHandler 创建一个新的 ArchiveHandler 实例。pollInterval 是 watch 接口查询任务状态的间隔。
func NewArchiveHandler(archives service.ArchiveService, pollInterval time.Duration) *ArchiveHandler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &ArchiveHandler{archives: archives, pollInterval: pollInterval}
}

// CreateArchiveRequest 定义了创建归档 API 的请求体结构。
type CreateArchiveRequest struct {
	Type    model.ArchiveType `json:"type" binding:"required"`
	FileIDs []string          `json:"fileIds"`
}

// Create 处理 POST /shoots/:shootId/archives。已有未结束的同类任务时直接返回该任务。
func (h *ArchiveHandler) Create(c *gin.Context) {
	var req CreateArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
		return
	}

	job, created, err := h.archives.RequestArchive(c.Request.Context(), service.ArchiveRequest{
		ShootID:     c.Param("shootId"),
		Type:        req.Type,
		FileIDs:     req.FileIDs,
		RequestedBy: c.GetString(middleware.ContextUserID),
		Role:        c.GetString(middleware.ContextRole),
	})
	if err != nil {
		respondError(c, "CreateArchive", err)
		return
	}
	message := "归档任务已创建"
	if !created {
		message = "已有进行中的归档任务"
	}
	respondOK(c, http.StatusAccepted, message, job)
}

// Get 处理 GET /archives/:archiveId。
func (h *ArchiveHandler) Get(c *gin.Context) {
	job, ok := h.loadJob(c, "GetArchive")
	if !ok {
		return
	}
	respondOK(c, http.StatusOK, "success", job)
}

// Cancel 处理 DELETE /archives/:archiveId。只有发起人、摄影师和管理员可以取消。
func (h *ArchiveHandler) Cancel(c *gin.Context) {
	job, ok := h.loadJob(c, "CancelArchive")
	if !ok {
		return
	}
	if job.RequestedBy != c.GetString(middleware.ContextUserID) && !model.CanSeePhotographerOnly(c.GetString(middleware.ContextRole)) {
		respondError(c, "CancelArchive", service.ErrAccessDenied)
		return
	}
	job, err := h.archives.Cancel(c.Request.Context(), job.ID)
	if err != nil {
		respondError(c, "CancelArchive", err)
		return
	}
	respondOK(c, http.StatusOK, "归档任务已取消", job)
}

// Download 处理 GET /archives/:archiveId/download。任务 ready 之前返回 404，过期后返回 410。
func (h *ArchiveHandler) Download(c *gin.Context) {
	if _, ok := h.loadJob(c, "DownloadArchive"); !ok {
		return
	}
	obj, job, err := h.archives.OpenArtifact(c.Request.Context(), c.Param("archiveId"))
	if err != nil {
		respondError(c, "DownloadArchive", err)
		return
	}
	defer obj.Close()

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", service.ContentDisposition(fmt.Sprintf("%s-%s.zip", job.ShootID, job.Type)))
	http.ServeContent(c.Writer, c.Request, "", obj.ModTime, obj)
}

// Watch 处理 GET /archives/:archiveId/watch。
// 升级为 WebSocket 后每次状态变化推送一次任务快照，任务结束后正常关闭连接。
func (h *ArchiveHandler) Watch(c *gin.Context) {
	job, ok := h.loadJob(c, "WatchArchive")
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// 只用于感知客户端断开，客户端发来的消息被忽略
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var lastStatus model.ArchiveStatus
	var lastUpdated time.Time
	for {
		if job.Status != lastStatus || !job.UpdatedAt.Equal(lastUpdated) {
			if err := conn.WriteJSON(gin.H{"type": "status", "data": job}); err != nil {
				log.Warnf("[WatchArchive] 推送状态失败, archiveId: %s, error: %v", job.ID, err)
				return
			}
			lastStatus, lastUpdated = job.Status, job.UpdatedAt
		}
		if job.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err = h.archives.Get(ctx, job.ID)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"type": "error", "message": err.Error()})
			return
		}
	}
}

// loadJob 读取任务并检查访问权限。complete 归档包含仅摄影师可见的文件，客户无权访问。
func (h *ArchiveHandler) loadJob(c *gin.Context, op string) (*model.ArchiveJob, bool) {
	job, err := h.archives.Get(c.Request.Context(), c.Param("archiveId"))
	if err != nil {
		respondError(c, op, err)
		return nil, false
	}
	if job.Type == model.ArchiveTypeComplete && !model.CanSeePhotographerOnly(c.GetString(middleware.ContextRole)) {
		respondError(c, op, service.ErrAccessDenied)
		return nil, false
	}
	return job, true
}
