package handler

import "github.com/gin-gonic/gin"

func InitContextRouter(h *ContextHandler, rg *gin.RouterGroup) {
	api := rg.Group("/api/v1")
	{
		api.GET("/session", h.SessionStatus)
		api.POST("/context", h.PublishContext)
	}
}
