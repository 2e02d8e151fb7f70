package sse

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go-fhircast/internal/infrastructure/logger"
	"go-fhircast/internal/infrastructure/relay"
)

type ServerSentEventHandler struct {
	relay     *relay.Relay
	keepAlive time.Duration
	logger    logger.Logger
}

func NewServerSentEventHandler(r *relay.Relay, keepAlive time.Duration, logger logger.Logger) *ServerSentEventHandler {
	return &ServerSentEventHandler{
		relay:     r,
		keepAlive: keepAlive,
		logger:    logger.WithField("handler", "sse"),
	}
}

// Stream relays FHIRcast session events to the client until it disconnects.
func (h *ServerSentEventHandler) Stream(c *gin.Context) {
	if !h.relay.IsRunning() {
		h.logger.Error("Relay is not running")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
		return
	}

	sub := relay.NewSSESubscriber(c.Request.Context(), generateSubscriberID(), c.Writer, h.keepAlive, h.logger)
	// c.Writer is recycled with the gin context once Stream returns.
	defer sub.Close()

	// Written before registering so that it is the first event on the stream.
	if err := sub.Send(c.Request.Context(), &relay.Notification{
		Type: "subscribed",
		Data: gin.H{
			"subscriber_id": sub.ID(),
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		h.logger.Warnf("SSE client went away before subscribing: %v", err)
		return
	}

	if err := h.relay.Register(sub); err != nil {
		// The stream is already open, so there is no status code left to send.
		h.logger.Errorf("Failed to register subscriber: %v", err)
		return
	}

	h.logger.Infof("SSE subscriber %s connected", sub.ID())

	<-sub.Context().Done()
	h.logger.Infof("SSE subscriber %s disconnected", sub.ID())
}

func generateSubscriberID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("sse-%x", b)
}
