package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/romdj/tempsdarret.studio-sub002/internal/middleware"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
)

// RegisterRoutes 在已经挂载认证中间件的路由组上注册全部业务路由。
func RegisterRoutes(api *gin.RouterGroup, files *FileHandler, archives *ArchiveHandler) {
	staff := middleware.RequireRole(model.RolePhotographer, model.RoleAdmin)

	api.GET("/formats", files.SupportedFormats)

	fileGroup := api.Group("/files")
	{
		fileGroup.PUT("", staff, files.Upload)
		fileGroup.GET("/:fileId", files.Download)
		fileGroup.GET("/:fileId/meta", files.GetMeta)
		fileGroup.DELETE("/:fileId", files.Delete)
	}

	shoots := api.Group("/shoots/:shootId")
	{
		shoots.GET("/files", files.ListShoot)
		shoots.POST("/archives", archives.Create)
	}

	archiveGroup := api.Group("/archives/:archiveId")
	{
		archiveGroup.GET("", archives.Get)
		archiveGroup.DELETE("", archives.Cancel)
		archiveGroup.GET("/download", archives.Download)
		archiveGroup.GET("/watch", archives.Watch)
	}
}
