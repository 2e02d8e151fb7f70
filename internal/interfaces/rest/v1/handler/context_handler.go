package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/logger"
)

// SessionSource exposes the session currently held by the listener, if any.
type SessionSource interface {
	Current() *fhircast.Session
}

// Publisher sends notifications to the hub.
type Publisher interface {
	Publish(ctx context.Context, envelope *fhircast.MessageEnvelope) error
}

type ContextHandler struct {
	sessions  SessionSource
	publisher Publisher
	topic     string
	logger    logger.Logger
}

type ContextEntry struct {
	Key      string          `json:"key" binding:"required"`
	Resource json.RawMessage `json:"resource" binding:"required"`
}

type PublishContextRequest struct {
	Event   string         `json:"event" binding:"required"`
	Topic   string         `json:"topic"`
	Context []ContextEntry `json:"context" binding:"required,min=1,dive"`
}

type SessionStatusResponse struct {
	State    string   `json:"state"`
	Topic    string   `json:"topic"`
	Events   []string `json:"events"`
	Endpoint string   `json:"endpoint,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func NewContextHandler(sessions SessionSource, publisher Publisher, topic string, logger logger.Logger) *ContextHandler {
	return &ContextHandler{
		sessions:  sessions,
		publisher: publisher,
		topic:     topic,
		logger:    logger.WithField("handler", "context"),
	}
}

// SessionStatus reports the state of the current FHIRcast session.
func (h *ContextHandler) SessionStatus(c *gin.Context) {
	session := h.sessions.Current()
	if session == nil {
		c.JSON(http.StatusOK, SessionStatusResponse{State: "none", Topic: h.topic})
		return
	}

	req := session.Request()
	resp := SessionStatusResponse{
		State:    session.State().String(),
		Topic:    req.Topic,
		Endpoint: req.Endpoint,
	}
	for _, event := range req.Events {
		resp.Events = append(resp.Events, string(event))
	}
	if err := session.Err(); err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// PublishContext builds a notification from the request body and posts it to the hub.
func (h *ContextHandler) PublishContext(c *gin.Context) {
	var req PublishContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warnf("Invalid publish request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid context format"})
		return
	}

	event := fhircast.EventName(req.Event)
	if !fhircast.IsRegisteredEvent(event) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown event " + req.Event})
		return
	}

	topic := req.Topic
	if topic == "" {
		topic = h.topic
	}

	contexts := make([]fhircast.EventContext, len(req.Context))
	for i, entry := range req.Context {
		contexts[i] = fhircast.EventContext{Key: entry.Key, Resource: entry.Resource}
	}

	envelope, err := fhircast.CreateNotificationPayload(topic, event, contexts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), envelope); err != nil {
		h.logger.Errorf("Failed to publish %s to topic %s: %v", event, topic, err)
		status := http.StatusBadGateway
		if errors.Is(err, fhircast.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "Failed to publish context"})
		return
	}

	h.logger.Infof("Published %s event %s to topic %s", event, envelope.ID, topic)
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "published",
		"id":        envelope.ID,
		"timestamp": envelope.Timestamp,
	})
}
