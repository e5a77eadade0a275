// Package control defines the commands the pipeline accepts from hotkeys,
// the region picker and remote clients.
package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/park285/chess-overlay/internal/board"
)

type Kind string

const (
	Start             Kind = "start"
	Stop              Kind = "stop"
	Pause             Kind = "pause"
	Resume            Kind = "resume"
	ToggleSide        Kind = "toggle-side"
	SetSide           Kind = "set-side"
	ToggleOrientation Kind = "toggle-orientation"
	SetOrientation    Kind = "set-orientation"
	SetAutoOrient     Kind = "set-auto-orientation"
	SetRegion         Kind = "set-region"
	SaveSettings      Kind = "save-settings"
)

var known = map[Kind]bool{
	Start: true, Stop: true, Pause: true, Resume: true,
	ToggleSide: true, SetSide: true, ToggleOrientation: true, SetOrientation: true,
	SetAutoOrient: true, SetRegion: true, SaveSettings: true,
}

// Event is one command. Only the fields relevant to Kind are read.
type Event struct {
	Kind        Kind          `json:"kind"`
	Region      *board.Region `json:"region,omitempty"`
	Side        string        `json:"side,omitempty"`
	Orientation string        `json:"orientation,omitempty"`
	Enabled     bool          `json:"enabled,omitempty"`
}

// Decode parses and validates a JSON command.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode control event: %w", err)
	}
	ev.Kind = Kind(strings.ToLower(strings.TrimSpace(string(ev.Kind))))
	return ev, ev.Validate()
}

func (e Event) Validate() error {
	if !known[e.Kind] {
		return fmt.Errorf("unknown control event %q", e.Kind)
	}
	switch e.Kind {
	case SetRegion:
		if e.Region == nil || !e.Region.Valid() {
			return fmt.Errorf("set-region needs a region of at least 8x8")
		}
	case SetSide:
		if _, err := board.ParseSide(e.Side); err != nil || strings.TrimSpace(e.Side) == "" {
			return fmt.Errorf("set-side needs white or black")
		}
	case SetOrientation:
		if _, err := board.ParseOrientation(e.Orientation); err != nil || strings.TrimSpace(e.Orientation) == "" {
			return fmt.Errorf("set-orientation needs white-bottom or black-bottom")
		}
	}
	return nil
}
