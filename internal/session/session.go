// Package session runs the verification overlay for one participant in one call:
// join, resolve the subject, open the channel, drive the scheduler and tear it all
// down in order when the call ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veriface/callguard/config"
	"github.com/veriface/callguard/internal/callapi"
	"github.com/veriface/callguard/internal/channel"
	"github.com/veriface/callguard/internal/identity"
	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/internal/scheduler"
	"github.com/veriface/callguard/internal/verification"
)

// ErrEnded is returned when starting a session that has already ended.
var ErrEnded = errors.New("session: call ended")

// API is the meeting API as seen by a participant.
type API interface {
	JoinCall(ctx context.Context, meetingID string) (callapi.JoinResponse, error)
	MeetingResult(ctx context.Context, meetingID string) (string, error)
	PersistScores(ctx context.Context, meetingID string, state models.VerificationState, savedBy string) error
}

// Conn is an open verification channel.
type Conn interface {
	scheduler.Sender
	OnMessage(channel.Handler)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens the verification channel.
type DialFunc func(ctx context.Context, opts channel.Options) (Conn, error)

// MediaReleaser frees camera and screen resources held by the call.
type MediaReleaser interface {
	Release() error
}

// Options configures a Session.
type Options struct {
	MeetingID string
	BaseURL   string
	Header    http.Header
	Verify    config.VerifyConfig
	Capturer  scheduler.Capturer
	Media     MediaReleaser
	Navigate  func()
	OnError   func(error)
	Dial      DialFunc
	Logger    *zap.Logger
}

func dialChannel(ctx context.Context, opts channel.Options) (Conn, error) {
	return channel.Dial(ctx, opts)
}

// Session is one participant's overlay for one call.
type Session struct {
	api     API
	opts    Options
	tracker *verification.Tracker
	logger  *zap.Logger

	mu          sync.Mutex
	join        callapi.JoinResponse
	role        models.Role
	subjectID   string
	pending     *identity.Pending
	conn        Conn
	sched       *scheduler.Scheduler
	connecting  bool
	screenShare bool
	started     bool
	ended       bool

	endOnce sync.Once
	persist sync.WaitGroup
}

// New builds a session. Nothing happens until Start.
func New(api API, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = dialChannel
	}
	logger := opts.Logger.With(zap.String("meeting_id", opts.MeetingID))
	return &Session{
		api:     api,
		opts:    opts,
		tracker: verification.NewTracker(logger),
		logger:  logger,
	}
}

// Start joins the call and begins verification. For the subject the channel is
// open when Start returns; the reviewer connects once the subject is known.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrEnded
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	join, err := s.api.JoinCall(ctx, s.opts.MeetingID)
	if err != nil {
		return fmt.Errorf("join call: %w", err)
	}
	role := join.Role()
	s.mu.Lock()
	s.join = join
	s.role = role
	s.mu.Unlock()
	s.logger.Info("joined call", zap.String("role", string(role)), zap.String("uid", join.UID))

	if join.ClientID != "" {
		return s.connect(ctx, join.ClientID)
	}
	if role == models.RoleSubject {
		return s.connect(ctx, join.UID)
	}

	resolver := identity.NewResolver(role, join.UID, func(ctx context.Context, meetingID string) (string, error) {
		id, err := s.api.MeetingResult(ctx, meetingID)
		if errors.Is(err, callapi.ErrNotYetAvailable) {
			return "", identity.ErrPending
		}
		return id, err
	}, identity.Options{Interval: s.opts.Verify.ResolveInterval, Logger: s.logger})

	pending := resolver.Await(ctx, s.opts.MeetingID)
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		pending.Cancel()
		return ErrEnded
	}
	s.pending = pending
	s.mu.Unlock()
	s.logger.Info("waiting for subject")

	go func() {
		<-pending.Done()
		id, err := pending.Result()
		if err != nil {
			return
		}
		if err := s.connect(ctx, id); err != nil && !errors.Is(err, ErrEnded) {
			s.report(err)
		}
	}()
	return nil
}

// connect opens the one channel of this session and starts the scheduler on it.
func (s *Session) connect(ctx context.Context, subjectID string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrEnded
	}
	if s.connecting || s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.subjectID = subjectID
	role := s.role
	s.mu.Unlock()

	conn, err := s.opts.Dial(ctx, channel.Options{
		BaseURL:    s.opts.BaseURL,
		MeetingID:  s.opts.MeetingID,
		SubjectID:  subjectID,
		Header:     s.opts.Header,
		SendBuffer: s.opts.Verify.SendBuffer,
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("open verification channel: %w", err)
	}
	conn.OnMessage(s.tracker.Apply)

	sched := scheduler.New(conn, s.opts.Capturer, scheduler.Options{
		Role:              role,
		FrameInterval:     s.opts.Verify.FrameInterval,
		HeartbeatInterval: s.opts.Verify.HeartbeatInterval,
		Logger:            s.logger,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		_ = conn.Close()
		return ErrEnded
	}
	s.conn = conn
	s.sched = sched
	sched.SetScreenShare(s.screenShare)
	sched.Start(ctx)
	go s.watch(conn)
	return nil
}

// watch surfaces a channel lost mid-call. The channel does not reconnect.
func (s *Session) watch(conn Conn) {
	<-conn.Done()
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}
	if err := conn.Err(); err != nil {
		s.report(fmt.Errorf("verification channel lost: %w", err))
		return
	}
	s.logger.Info("verification channel closed by relay")
}

// OnRemoteVideoPublished is raised by the call transport when a participant starts video.
// A reviewer still waiting for the subject tries again right away.
func (s *Session) OnRemoteVideoPublished(participantID string) {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	s.logger.Debug("remote video published", zap.String("participant_id", participantID))
	if p != nil {
		p.Nudge()
	}
}

// SetScreenShare pauses camera frames while the subject shares the screen.
func (s *Session) SetScreenShare(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenShare = active
	if s.sched != nil {
		s.sched.SetScreenShare(active)
	}
}

// OnCallEnded tears the session down: stop the scheduler, close the channel,
// release media, then navigate away. When the reviewer ends the call from the
// reviewer side, the final snapshot is persisted once in the background.
func (s *Session) OnCallEnded(initiator models.Role) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		role := s.role
		pending, sched, conn := s.pending, s.sched, s.conn
		s.mu.Unlock()
		s.logger.Info("call ended", zap.String("initiator", string(initiator)), zap.String("role", string(role)))

		if pending != nil {
			pending.Cancel()
		}
		if role == models.RoleReviewer && initiator == models.RoleReviewer {
			if state, ok := s.tracker.Freeze(); ok {
				s.persistAsync(state)
			}
		}

		if sched != nil {
			sched.Stop()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if s.opts.Media != nil {
			if err := s.opts.Media.Release(); err != nil {
				s.logger.Warn("release media", zap.Error(err))
			}
		}
		if s.opts.Navigate != nil {
			s.opts.Navigate()
		}
	})
}

func (s *Session) persistAsync(state models.VerificationState) {
	timeout := s.opts.Verify.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s.persist.Add(1)
	go func() {
		defer s.persist.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.api.PersistScores(ctx, s.opts.MeetingID, state, models.SavedByAdminTermination); err != nil {
			s.logger.Warn("persist scores", zap.Error(err))
			return
		}
		s.logger.Info("scores persisted")
	}()
}

// Wait blocks until background persistence has finished.
func (s *Session) Wait() {
	s.persist.Wait()
}

func (s *Session) report(err error) {
	s.logger.Error("verification unavailable", zap.Error(err))
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// Role is the call role, known after Start.
func (s *Session) Role() models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// SubjectID is the resolved subject, empty while pending.
func (s *Session) SubjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subjectID
}

// Join returns the join response, including the call token for the media transport.
func (s *Session) Join() callapi.JoinResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.join
}

// Tracker exposes the verification state for display.
func (s *Session) Tracker() *verification.Tracker {
	return s.tracker
}
