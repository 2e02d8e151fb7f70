package fhircast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is a decoded inbound message: either a *MessageEnvelope or a
// *SubscriptionConfirmation.
type Frame interface {
	isFrame()
}

// SubscriptionConfirmation is the hub's out-of-band answer to a subscribe or unsubscribe
// call. Sessions discard it.
type SubscriptionConfirmation struct {
	Fields map[string]json.RawMessage
}

func (*SubscriptionConfirmation) isFrame() {}

// Topic returns the confirmed topic. ok is false when hub.topic is not a JSON string.
func (c *SubscriptionConfirmation) Topic() (topic string, ok bool) {
	if err := json.Unmarshal(c.Fields["hub.topic"], &topic); err != nil {
		return "", false
	}
	return topic, true
}

// Acknowledgement is sent back to the hub for every notification received.
type Acknowledgement struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

var (
	requiredEnvelopeFields = []string{"timestamp", "id", "event"}
	requiredEventFields    = []string{"hub.topic", "hub.event"}
)

// Decode parses one text frame received over the channel.
//
// An object with a top-level hub.topic key is a subscription confirmation. Anything
// else must have the shape of a MessageEnvelope: string timestamp, non-empty string id,
// and an event object carrying string hub.topic and hub.event.
func Decode(raw []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Frame: raw, Err: err}
	}
	if fields == nil {
		return nil, &DecodeError{Frame: raw, Err: errors.New("frame is not a JSON object")}
	}

	if _, ok := fields["hub.topic"]; ok {
		return &SubscriptionConfirmation{Fields: fields}, nil
	}

	for _, key := range requiredEnvelopeFields {
		if _, ok := fields[key]; !ok {
			return nil, &DecodeError{Frame: raw, Err: fmt.Errorf("missing field %q", key)}
		}
	}
	if !isJSONString(fields["timestamp"]) {
		return nil, &DecodeError{Frame: raw, Err: errors.New("timestamp is not a string")}
	}

	var event map[string]json.RawMessage
	if err := json.Unmarshal(fields["event"], &event); err != nil || event == nil {
		return nil, &DecodeError{Frame: raw, Err: errors.New("event is not a JSON object")}
	}
	for _, key := range requiredEventFields {
		if !isJSONString(event[key]) {
			return nil, &DecodeError{Frame: raw, Err: fmt.Errorf("event %q is missing or not a string", key)}
		}
	}

	var envelope MessageEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &DecodeError{Frame: raw, Err: err}
	}
	if envelope.ID == "" {
		return nil, &DecodeError{Frame: raw, Err: errors.New("empty id")}
	}
	return &envelope, nil
}

func isJSONString(raw json.RawMessage) bool {
	var s string
	return raw != nil && json.Unmarshal(raw, &s) == nil && string(raw) != "null"
}

// EncodeAck returns the acknowledgement frame for the notification with the given id,
// stamped with the current time.
func EncodeAck(id string) ([]byte, error) {
	return encodeAck(id, time.Now())
}

func encodeAck(id string, at time.Time) ([]byte, error) {
	data, err := json.Marshal(Acknowledgement{ID: id, Timestamp: formatTimestamp(at)})
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return data, nil
}
