package fhircast

import (
	"fmt"
	"net/url"
	"strings"
)

// ChannelType is the hub.channel.type of a subscription.
type ChannelType string

const ChannelTypeWebSocket ChannelType = "websocket"

// Mode is the hub.mode of a subscription request.
type Mode string

const (
	ModeSubscribe   Mode = "subscribe"
	ModeUnsubscribe Mode = "unsubscribe"
)

// EventName is a registered FHIRcast event token.
type EventName string

const (
	EventPatientOpen       EventName = "patient-open"
	EventPatientClose      EventName = "patient-close"
	EventImagingStudyOpen  EventName = "imagingstudy-open"
	EventImagingStudyClose EventName = "imagingstudy-close"
)

var registeredEvents = []EventName{
	EventPatientOpen,
	EventPatientClose,
	EventImagingStudyOpen,
	EventImagingStudyClose,
}

// RegisteredEvents returns the event names a subscription may carry.
func RegisteredEvents() []EventName {
	events := make([]EventName, len(registeredEvents))
	copy(events, registeredEvents)
	return events
}

// IsRegisteredEvent reports whether name is in the event registry.
func IsRegisteredEvent(name EventName) bool {
	for _, registered := range registeredEvents {
		if registered == name {
			return true
		}
	}
	return false
}

// SubscriptionRequest is the caller's intent to subscribe to or unsubscribe from a topic.
//
// Endpoint is empty until the hub has answered a subscribe call; once set it must be
// a websocket URL.
type SubscriptionRequest struct {
	ChannelType ChannelType `json:"channelType"`
	Mode        Mode        `json:"mode"`
	Events      []EventName `json:"events"`
	Topic       string      `json:"topic"`
	Endpoint    string      `json:"endpoint,omitempty"`
}

// Validate reports whether the request can be sent to a hub.
func (r *SubscriptionRequest) Validate() bool {
	return ValidateSubscriptionRequest(r)
}

// ValidateSubscriptionRequest reports whether req is a well formed subscription request.
// It never panics, including on a nil request.
func ValidateSubscriptionRequest(req *SubscriptionRequest) bool {
	if req == nil {
		return false
	}
	if req.ChannelType == "" || req.Mode == "" || req.Topic == "" || len(req.Events) == 0 {
		return false
	}
	if req.ChannelType != ChannelTypeWebSocket {
		return false
	}
	if req.Mode != ModeSubscribe && req.Mode != ModeUnsubscribe {
		return false
	}
	for _, event := range req.Events {
		if !IsRegisteredEvent(event) {
			return false
		}
	}
	if req.Endpoint != "" && !hasWebSocketScheme(req.Endpoint) {
		return false
	}
	return true
}

// SerializeSubscriptionRequest encodes req as the url-encoded form body accepted by the
// hub. Fields are written in a fixed order: hub.channel.type, hub.mode, hub.topic,
// hub.events and, when set, endpoint.
func SerializeSubscriptionRequest(req *SubscriptionRequest) (string, error) {
	if !ValidateSubscriptionRequest(req) {
		return "", fmt.Errorf("%w: channel type, mode, topic and registered events are required", ErrInvalidRequest)
	}

	events := make([]string, len(req.Events))
	for i, event := range req.Events {
		events[i] = string(event)
	}

	pairs := [][2]string{
		{"hub.channel.type", string(req.ChannelType)},
		{"hub.mode", string(req.Mode)},
		{"hub.topic", req.Topic},
		{"hub.events", strings.Join(events, ",")},
	}
	if req.Endpoint != "" {
		pairs = append(pairs, [2]string{"endpoint", req.Endpoint})
	}

	var b strings.Builder
	for i, pair := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(pair[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pair[1]))
	}
	return b.String(), nil
}

func hasWebSocketScheme(endpoint string) bool {
	lower := strings.ToLower(endpoint)
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}
