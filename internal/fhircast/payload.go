package fhircast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the ISO-8601 form used for message and acknowledgement timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// EventContext is one resource in focus for an event. Resource is kept as raw JSON so
// that decoded notifications are never re-encoded lossily.
type EventContext struct {
	Key      string          `json:"key"`
	Resource json.RawMessage `json:"resource"`
}

// NewEventContext marshals resource into an EventContext under key.
func NewEventContext(key string, resource any) (EventContext, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return EventContext{}, fmt.Errorf("%w: resource for %q: %v", ErrInvalidArgument, key, err)
	}
	return EventContext{Key: key, Resource: raw}, nil
}

// NotificationPayload is the event section of a FHIRcast notification.
type NotificationPayload struct {
	Topic   string         `json:"hub.topic"`
	Event   string         `json:"hub.event"`
	Context []EventContext `json:"context"`
}

// MessageEnvelope is a FHIRcast notification as carried over the channel. ID is echoed
// back in the acknowledgement.
type MessageEnvelope struct {
	Timestamp string              `json:"timestamp"`
	ID        string              `json:"id"`
	Event     NotificationPayload `json:"event"`
}

func (*MessageEnvelope) isFrame() {}

// CreateNotificationPayload builds a notification for topic. context must be an
// EventContext, a *EventContext or a []EventContext; a single context is wrapped into a
// one element slice.
func CreateNotificationPayload(topic string, event EventName, context any) (*MessageEnvelope, error) {
	return createNotificationPayload(topic, event, context, time.Now)
}

func createNotificationPayload(
	topic string,
	event EventName,
	context any,
	now func() time.Time,
) (*MessageEnvelope, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidArgument)
	}

	var contexts []EventContext
	switch v := context.(type) {
	case EventContext:
		contexts = []EventContext{v}
	case *EventContext:
		if v == nil {
			return nil, fmt.Errorf("%w: context must be a context object or a list of context objects", ErrInvalidArgument)
		}
		contexts = []EventContext{*v}
	case []EventContext:
		if v == nil {
			return nil, fmt.Errorf("%w: context must be a context object or a list of context objects", ErrInvalidArgument)
		}
		contexts = v
	default:
		return nil, fmt.Errorf("%w: context must be a context object or a list of context objects, got %T", ErrInvalidArgument, context)
	}

	return &MessageEnvelope{
		Timestamp: formatTimestamp(now()),
		ID:        uuid.NewString(),
		Event: NotificationPayload{
			Topic:   topic,
			Event:   string(event),
			Context: contexts,
		},
	}, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
