package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket feed.
type FrameType string

const (
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope pushed to WebSocket clients. The feed is
// one-way; clients only listen.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
