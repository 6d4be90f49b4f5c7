package viseme

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-speech/internal/audio"
	"github.com/lexiqai/avatar-speech/internal/clock"
	"github.com/lexiqai/avatar-speech/internal/dispatch"
	"github.com/lexiqai/avatar-speech/internal/observability"
)

// DefaultMargin is subtracted from every dispatch delay to absorb
// dispatch overhead
const DefaultMargin = 2 * time.Millisecond

const dispatchTimeout = 2 * time.Second

// SchedulerConfig holds the collaborators of a viseme scheduler
type SchedulerConfig struct {
	Clock      clock.Clock
	Dispatcher dispatch.Dispatcher
	Format     audio.Format
	Margin     time.Duration
	SessionID  string
	Owns       func(sessionID string) bool // Ownership guard checked on fire; nil allows all
	Words      bool                        // Attach word timings to frames
	Logger     zerolog.Logger
}

// Scheduler dispatches viseme packets at their absolute time on the
// utterance clock, independent of audio batching.
type Scheduler struct {
	cfg        SchedulerConfig
	mu         sync.Mutex
	timers     map[int]clock.Timer
	nextID     int
	horizon    time.Time
	stopped    bool
	dispatchMu sync.Mutex // Serializes dispatches from concurrent timers
}

// NewScheduler creates a viseme scheduler for one session
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Scheduler{
		cfg:    cfg,
		timers: make(map[int]clock.Timer),
	}
}

// Schedule arms a timer dispatching p at utteranceStart + p.Start and
// returns the delay used. The delay never goes below zero.
func (s *Scheduler) Schedule(p *Packet, utteranceStart time.Time) time.Duration {
	if p == nil || len(p.Labels) == 0 {
		return 0
	}

	launchAt := utteranceStart.Add(msToDuration(p.Start))
	delay := launchAt.Sub(s.cfg.Clock.Now()) - s.cfg.Margin
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		observability.RecordVisemePacket("dropped")
		return delay
	}

	if end := utteranceStart.Add(msToDuration(p.End())); end.After(s.horizon) {
		s.horizon = end
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = s.cfg.Clock.AfterFunc(delay, func() {
		s.fire(id, p, launchAt)
	})
	observability.RecordVisemePacket("scheduled")

	s.cfg.Logger.Debug().
		Float64("start_ms", p.Start).
		Float64("span_ms", p.Span).
		Int("points", len(p.Labels)).
		Dur("delay", delay).
		Msg("Viseme packet scheduled")

	return delay
}

func (s *Scheduler) fire(id int, p *Packet, launchAt time.Time) {
	s.mu.Lock()
	_, armed := s.timers[id]
	delete(s.timers, id)
	stopped := s.stopped
	s.mu.Unlock()

	if !armed || stopped {
		return
	}
	if s.cfg.Owns != nil && !s.cfg.Owns(s.cfg.SessionID) {
		observability.RecordVisemePacket("stale")
		return
	}

	frame := s.frame(p, launchAt)
	observability.ObserveVisemeLateness(s.cfg.Clock.Now().Sub(launchAt))

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	s.dispatchMu.Lock()
	err := s.cfg.Dispatcher.Dispatch(ctx, frame)
	s.dispatchMu.Unlock()

	if err != nil {
		observability.RecordVisemePacket("dropped")
		s.cfg.Logger.Error().Err(err).Float64("start_ms", p.Start).Msg("Failed to dispatch viseme packet")
		return
	}
	observability.RecordVisemePacket("dispatched")
}

func (s *Scheduler) frame(p *Packet, launchAt time.Time) *dispatch.Frame {
	frame := dispatch.NewFrame(s.cfg.SessionID, dispatch.KindViseme, launchAt)
	frame.Audio = audio.Silence(s.cfg.Format, p.SilentFrames).WAV
	frame.Visemes = append(frame.Visemes, p.Labels...)
	frame.VTimes = append(frame.VTimes, p.Offsets...)
	frame.VDurations = append(frame.VDurations, p.Durations...)

	if s.cfg.Words {
		words := WordsFromPoints(p.Points, p.Start)
		frame.Words = words.Words
		frame.WTimes = words.Times
		frame.WDurations = words.Durations
	}
	return frame
}

// Stop cancels every pending timer and refuses further packets.
// Returns the number of timers cancelled.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	cancelled := 0
	for id, t := range s.timers {
		if t.Stop() {
			cancelled++
		}
		delete(s.timers, id)
	}
	return cancelled
}

// Pending returns the number of packets waiting to be dispatched
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Horizon returns the clock time at which the last scheduled packet ends
func (s *Scheduler) Horizon() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.horizon
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
