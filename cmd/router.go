package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go-fhircast/internal/infrastructure/logger"
	"go-fhircast/internal/infrastructure/relay"
	"go-fhircast/internal/interfaces/rest/v1/handler"
	"go-fhircast/internal/interfaces/sse"
)

func InitRouter(app *Application, r *relay.Relay, keepAlive time.Duration, log logger.Logger) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	rootGroup := router.Group("")

	rootGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"relay":       r.IsRunning(),
			"subscribers": r.SubscriberCount(),
		})
	})

	contextHandler := handler.NewContextHandler(app, app.hub, app.cfg.Hub.Topic, log)
	handler.InitContextRouter(contextHandler, rootGroup)
	sse.InitSSERouter(log, r, keepAlive, rootGroup)

	return router
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	log = log.WithField("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logger.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request served")
	}
}
