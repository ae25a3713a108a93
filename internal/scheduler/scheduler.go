// Package scheduler drives the periodic outbound traffic of one participant:
// camera frames for the subject, heartbeats for the reviewer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veriface/callguard/internal/channel"
	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/internal/protocol"
)

// State of the scheduler. It only moves forward.
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	default:
		return "stopped"
	}
}

// Sender is the subset of *channel.Channel the scheduler needs.
type Sender interface {
	State() channel.State
	Send(v any) error
}

// Capturer produces one JPEG frame or reports none.
type Capturer interface {
	Capture() ([]byte, bool)
}

// Cadences used when Options leaves an interval zero.
const (
	DefaultFrameInterval     = 500 * time.Millisecond
	DefaultHeartbeatInterval = 2 * time.Second
)

// Stats counts what the scheduler did.
type Stats struct {
	Ticks      uint64
	Frames     uint64
	Heartbeats uint64
	Skipped    uint64
}

// Options configures a Scheduler.
type Options struct {
	Role              models.Role
	FrameInterval     time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Scheduler emits frames or heartbeats on a fixed cadence while the channel is open.
type Scheduler struct {
	role     models.Role
	interval time.Duration
	sender   Sender
	capturer Capturer
	logger   *zap.Logger

	mu          sync.Mutex
	state       State
	screenShare bool
	stats       Stats
	cancel      context.CancelFunc
	done        chan struct{}
}

// New builds a scheduler for role. capturer may be nil for the reviewer.
func New(sender Sender, capturer Capturer, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	interval := opts.FrameInterval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if opts.Role == models.RoleReviewer {
		interval = opts.HeartbeatInterval
		if interval <= 0 {
			interval = DefaultHeartbeatInterval
		}
	}
	return &Scheduler{
		role:     opts.Role,
		interval: interval,
		sender:   sender,
		capturer: capturer,
		logger:   opts.Logger.With(zap.String("role", string(opts.Role))),
	}
}

// Start begins ticking. Calling Start on a non-idle scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateActive
	go s.run(ctx, s.done)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
}

// run re-arms the timer after each tick, so two ticks are never closer than the interval.
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Tick()
			timer.Reset(s.interval)
		}
	}
}

// Stop halts ticking and waits for the loop to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if prev != StateActive {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Interval returns the tick cadence for this role.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetScreenShare pauses camera frames while the subject shares the screen.
// Once it returns true, no further frame is sent until it is cleared.
func (s *Scheduler) SetScreenShare(active bool) {
	s.mu.Lock()
	s.screenShare = active
	s.mu.Unlock()
	s.logger.Debug("screen share changed", zap.Bool("active", active))
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Tick performs one scheduled step. Exported so callers and tests can drive it directly.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.stats.Ticks++
	stopped := s.state == StateStopped
	s.mu.Unlock()
	if stopped || s.sender.State() != channel.StateOpen {
		s.skip()
		return
	}

	if s.role == models.RoleReviewer {
		if err := s.sender.Send(protocol.NewPing()); err != nil {
			s.logger.Debug("heartbeat dropped", zap.Error(err))
			s.skip()
			return
		}
		s.mu.Lock()
		s.stats.Heartbeats++
		s.mu.Unlock()
		return
	}

	if s.sharing() || s.capturer == nil {
		s.skip()
		return
	}
	img, ok := s.capturer.Capture()
	if !ok {
		s.skip()
		return
	}
	frame := protocol.NewFrame(protocol.EncodeDataURL(img))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screenShare || s.state == StateStopped {
		s.stats.Skipped++
		return
	}
	if err := s.sender.Send(frame); err != nil {
		s.logger.Debug("frame dropped", zap.Error(err))
		s.stats.Skipped++
		return
	}
	s.stats.Frames++
}

func (s *Scheduler) sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenShare
}

func (s *Scheduler) skip() {
	s.mu.Lock()
	s.stats.Skipped++
	s.mu.Unlock()
}
