package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/romdj/tempsdarret.studio-sub002/internal/middleware"
	"github.com/romdj/tempsdarret.studio-sub002/internal/service"
)

// multipartOverhead 是给表单字段和边界预留的额外字节数。
const multipartOverhead = 1 << 20

// maxFieldSize 限制单个文本字段的长度。
const maxFieldSize = 4096

// FileHandler 负责文件上传、下载、查询和删除的 API 请求。
type FileHandler struct {
	files         service.FileService
	downloads     service.DownloadService
	maxUploadSize int64
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(files service.FileService, downloads service.DownloadService, maxUploadSize int64) *FileHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = service.DefaultMaxUploadSize
	}
	return &FileHandler{files: files, downloads: downloads, maxUploadSize: maxUploadSize}
}

// Upload 处理 PUT /files。
// 请求体是 multipart 表单，文本字段必须出现在 file 字段之前；file 字段不落临时文件，直接流入存储引擎。
func (h *FileHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartOverhead)

	mr, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "请求体必须是 multipart/form-data", "data": nil})
		return
	}

	meta := service.UploadMeta{UploadedBy: c.GetString(middleware.ContextUserID)}
	sizeSeen := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少 file 字段", "data": nil})
			return
		}
		if err != nil {
			respondError(c, "Upload", err)
			return
		}

		if part.FormName() == "file" {
			if !sizeSeen {
				part.Close()
				c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "size 字段必须在 file 之前提供", "data": nil})
				return
			}
			if meta.OriginalName == "" {
				meta.OriginalName = part.FileName()
			}
			rec, err := h.files.Upload(c.Request.Context(), meta, part)
			part.Close()
			if err != nil {
				respondError(c, "Upload", err)
				return
			}
			respondOK(c, http.StatusCreated, "文件上传成功", rec)
			return
		}

		value, err := readField(part)
		part.Close()
		if err != nil {
			respondError(c, "Upload", err)
			return
		}
		switch part.FormName() {
		case "shootId":
			meta.ShootID = value
		case "originalName":
			meta.OriginalName = value
		case "mimeType":
			meta.MimeType = value
		case "size":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的文件大小", "data": nil})
				return
			}
			meta.Size = size
			sizeSeen = true
		case "photographerOnly":
			meta.PhotographerOnly, _ = strconv.ParseBool(value)
		case "parentFileId":
			meta.ParentFileID = value
		}
	}
}

func readField(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxFieldSize))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Download 处理 GET /files/:fileId，支持单区间 Range 请求。
func (h *FileHandler) Download(c *gin.Context) {
	resp, err := h.downloads.PrepareDownload(c.Request.Context(), c.Param("fileId"), c.GetHeader("Range"), c.GetString(middleware.ContextRole))
	if err != nil {
		respondError(c, "Download", err)
		return
	}
	defer resp.Body.Close()

	headers := resp.Headers()
	contentType := headers["Content-Type"]
	delete(headers, "Content-Type")
	c.DataFromReader(resp.StatusCode(), resp.ContentLength(), contentType, resp.Body, headers)
}

// GetMeta 处理 GET /files/:fileId/meta。
func (h *FileHandler) GetMeta(c *gin.Context) {
	rec, err := h.files.Get(c.Request.Context(), c.Param("fileId"), c.GetString(middleware.ContextRole))
	if err != nil {
		respondError(c, "GetMeta", err)
		return
	}
	respondOK(c, http.StatusOK, "success", rec)
}

// ListShoot 处理 GET /shoots/:shootId/files。
func (h *FileHandler) ListShoot(c *gin.Context) {
	records, err := h.files.ListShoot(c.Request.Context(), c.Param("shootId"), c.GetString(middleware.ContextRole))
	if err != nil {
		respondError(c, "ListShoot", err)
		return
	}
	respondOK(c, http.StatusOK, "success", records)
}

// Delete 处理 DELETE /files/:fileId。
func (h *FileHandler) Delete(c *gin.Context) {
	if err := h.files.Delete(c.Request.Context(), c.Param("fileId"), c.GetString(middleware.ContextRole)); err != nil {
		respondError(c, "Delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SupportedFormats 处理 GET /formats，返回按文件类型分组的扩展名。
func (h *FileHandler) SupportedFormats(c *gin.Context) {
	respondOK(c, http.StatusOK, "success", service.SupportedFormats())
}
