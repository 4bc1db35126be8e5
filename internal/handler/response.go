// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/romdj/tempsdarret.studio-sub002/internal/service"
	"github.com/romdj/tempsdarret.studio-sub002/internal/storage"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/log"
)

// statusFor 把业务错误映射为 HTTP 状态码。顺序有意义：更具体的错误在前。
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes), errors.Is(err, service.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, service.ErrValidation), errors.Is(err, storage.ErrSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, service.ErrArchiveExpired):
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// respondError 写出统一的错误响应。5xx 不向客户端暴露内部错误信息。
func respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorf("[%s] 请求处理失败, path: %s, error: %v", op, c.Request.URL.Path, err)
		message = "服务器内部错误"
	}

	var rangeErr *service.RangeError
	if errors.As(err, &rangeErr) {
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
	}
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": message, "data": nil})
}

func respondOK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}
