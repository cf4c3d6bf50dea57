// api/router.go
package api

import (
	"github.com/gin-gonic/gin"
)

// NewRouter собирает маршруты. Статические служебные маршруты — раньше CRUD.
func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/meta", s.MetaListHandler())
	r.GET("/api/meta/:module/:entity", s.MetaEntityHandler())

	apiGroup := r.Group("/api")
	{
		// статические "служебные" маршруты — СНАЧАЛА
		apiGroup.GET("/:module/:entity/_count", s.CountHandler())
		apiGroup.POST("/:module/:entity/_bulk", s.BulkCreateHandler())
		apiGroup.POST("/:module/:entity/:id/_file/:field", s.UploadFileHandler())
		apiGroup.GET("/:module/:entity/:id/_file/:field", s.DownloadFileHandler())

		// обычные CRUD
		apiGroup.POST("/:module/:entity", s.CreateHandler())
		apiGroup.GET("/:module/:entity", s.ListHandler())
		apiGroup.GET("/:module/:entity/:id", s.GetOneHandler())
		apiGroup.PATCH("/:module/:entity/:id", s.UpdatePartialHandler())
		apiGroup.DELETE("/:module/:entity/:id", s.DeleteHandler())
	}
	return r
}

func RunServer(addr string, s *Server) error {
	s.logger().Info("listening", "addr", addr, "entities", len(s.Reg.Types()))
	return NewRouter(s).Run(addr)
}
