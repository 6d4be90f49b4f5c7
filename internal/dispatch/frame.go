// Package dispatch delivers audio and viseme frames to the animation
// renderer. The renderer is an external collaborator: it may be a browser
// connected over websocket, a NATS subscriber, or both.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies what a frame carries
type Kind string

const (
	KindAudio  Kind = "audio"  // A scheduled audio batch
	KindViseme Kind = "viseme" // A silent clip carrying viseme timing
	KindStatus Kind = "status" // Processing indicator or error overlay
)

// Status values carried by status frames
const (
	StatusProcessing = "processing"
	StatusIdle       = "idle"
	StatusError      = "error"
)

// Frame is one unit handed to the renderer. Array fields are never nil so
// they serialize as [] rather than null.
type Frame struct {
	SessionID  string    `json:"session_id"`
	Kind       Kind      `json:"kind"`
	At         time.Time `json:"at"`                // Clock time the frame should start playing
	Audio      []byte    `json:"audio,omitempty"`   // WAV container, base64 in JSON
	Level      float64   `json:"level,omitempty"`   // Normalized RMS of audio frames
	Visemes    []string  `json:"visemes"`           // Oculus viseme labels
	VTimes     []float64 `json:"vtimes"`            // Offsets in ms relative to At
	VDurations []float64 `json:"vdurations"`        // Durations in ms
	Words      []string  `json:"words"`             // Words recovered from alignment
	WTimes     []float64 `json:"wtimes"`            // Word offsets in ms relative to At
	WDurations []float64 `json:"wdurations"`        // Word durations in ms
	Status     string    `json:"status,omitempty"`  // Status frames only
	Message    string    `json:"message,omitempty"` // Error overlay text
}

// NewFrame creates a frame with empty, non-nil timing arrays
func NewFrame(sessionID string, kind Kind, at time.Time) *Frame {
	return &Frame{
		SessionID:  sessionID,
		Kind:       kind,
		At:         at,
		Visemes:    []string{},
		VTimes:     []float64{},
		VDurations: []float64{},
		Words:      []string{},
		WTimes:     []float64{},
		WDurations: []float64{},
	}
}

// Dispatcher delivers frames to an animation renderer
type Dispatcher interface {
	Dispatch(ctx context.Context, frame *Frame) error
}

// DispatcherFunc adapts a function to the Dispatcher interface
type DispatcherFunc func(ctx context.Context, frame *Frame) error

// Dispatch calls f(ctx, frame)
func (f DispatcherFunc) Dispatch(ctx context.Context, frame *Frame) error {
	return f(ctx, frame)
}

// Fanout delivers every frame to each of its dispatchers. A failing target
// does not stop delivery to the others.
type Fanout []Dispatcher

// Dispatch delivers frame to every target and joins their errors
func (f Fanout) Dispatch(ctx context.Context, frame *Frame) error {
	var errs []error
	for _, d := range f {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogDispatcher logs frame summaries. Used when no renderer is configured.
type LogDispatcher struct {
	Logger zerolog.Logger
}

// Dispatch logs the frame at debug level
func (d LogDispatcher) Dispatch(ctx context.Context, frame *Frame) error {
	d.Logger.Debug().
		Str("session_id", frame.SessionID).
		Str("kind", string(frame.Kind)).
		Time("at", frame.At).
		Int("audio_bytes", len(frame.Audio)).
		Int("visemes", len(frame.Visemes)).
		Int("words", len(frame.Words)).
		Str("status", frame.Status).
		Msg("Frame dispatched")
	return nil
}
