package relay

import "context"

// Subscriber is a downstream consumer of relayed FHIRcast events.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, n *Notification) error
	Close() error
	IsClosed() bool
	Context() context.Context
}

// Notification is one relayed session event. Type is the session event type
// (connect, message, disconnect, error); Data holds the notification envelope for
// message events and an error description for error events.
type Notification struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
