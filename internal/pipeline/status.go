package pipeline

import (
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/overlay"
)

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseRunning         Phase = "running"
	PhasePaused          Phase = "paused"
	PhaseCaptureFailed   Phase = "capture-failed"
	PhaseInferenceFailed Phase = "inference-failed"
	PhaseAmbiguous       Phase = "ambiguous"
	PhaseDegraded        Phase = "degraded"
	PhaseStopped         Phase = "stopped"
)

var phaseStyle = map[Phase]struct {
	key   string
	level overlay.Level
}{
	PhaseIdle:            {"status.idle", overlay.LevelInfo},
	PhaseRunning:         {"status.running", overlay.LevelInfo},
	PhasePaused:          {"status.paused", overlay.LevelInfo},
	PhaseCaptureFailed:   {"status.capture_failed", overlay.LevelWarn},
	PhaseInferenceFailed: {"status.inference_failed", overlay.LevelWarn},
	PhaseAmbiguous:       {"status.ambiguous", overlay.LevelWarn},
	PhaseDegraded:        {"status.degraded", overlay.LevelError},
	PhaseStopped:         {"status.stopped", overlay.LevelInfo},
}

// flags are the conditions that feed the phase. Guarded by Supervisor.mu.
type flags struct {
	running       bool
	userPaused    bool
	captureFail   error
	inferenceFail error
	ambiguous     bool
	degraded      bool
}

func (f flags) phase(region board.Region) Phase {
	switch {
	case !f.running:
		return PhaseStopped
	case f.userPaused:
		return PhasePaused
	case !region.Valid():
		return PhaseIdle
	case f.captureFail != nil:
		return PhaseCaptureFailed
	case f.inferenceFail != nil:
		return PhaseInferenceFailed
	case f.degraded:
		return PhaseDegraded
	case f.ambiguous:
		return PhaseAmbiguous
	default:
		return PhaseRunning
	}
}

func (f flags) reason() string {
	switch {
	case f.captureFail != nil:
		return f.captureFail.Error()
	case f.inferenceFail != nil:
		return f.inferenceFail.Error()
	default:
		return ""
	}
}

// Report is a point-in-time view of the supervisor for status endpoints.
type Report struct {
	Session         string       `json:"session"`
	Phase           Phase        `json:"phase"`
	Text            string       `json:"text"`
	Region          board.Region `json:"region"`
	Epoch           uint64       `json:"epoch"`
	Side            string       `json:"side"`
	Orientation     string       `json:"orientation"`
	AutoOrientation bool         `json:"auto_orientation"`
	Generation      uint64       `json:"generation"`
	FEN             string       `json:"fen,omitempty"`
	StaleFrames     uint64       `json:"stale_frames"`
	Frames          uint64       `json:"frames"`
}
