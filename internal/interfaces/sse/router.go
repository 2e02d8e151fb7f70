package sse

import (
	"time"

	"github.com/gin-gonic/gin"

	"go-fhircast/internal/infrastructure/logger"
	"go-fhircast/internal/infrastructure/relay"
)

func InitSSERouter(logger logger.Logger, r *relay.Relay, keepAlive time.Duration, rg *gin.RouterGroup) {
	handler := NewServerSentEventHandler(r, keepAlive, logger)

	rg.GET("/events", handler.Stream)
}
