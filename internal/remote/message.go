// Package remote exposes the overlay to out-of-process clients: a scene
// stream, a control channel and PNG snapshots.
package remote

import (
	"github.com/park285/chess-overlay/internal/control"
	"github.com/park285/chess-overlay/internal/overlay"
)

const (
	TypeScene = "scene"
	TypeAck   = "ack"
)

// Message is the frame exchanged on both WebSocket endpoints.
type Message struct {
	Type  string         `json:"type"`
	Scene *overlay.Scene `json:"scene,omitempty"`
	Kind  control.Kind   `json:"kind,omitempty"`
	OK    bool           `json:"ok,omitempty"`
	Error string         `json:"error,omitempty"`
}
