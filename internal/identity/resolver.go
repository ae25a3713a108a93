// Package identity resolves which participant of a meeting is the subject being verified.
//
// The subject knows its own id. The reviewer has to ask the meeting API until the
// subject has joined, so resolution is modelled as a cancellable future that retries
// on a timer and can be nudged early when remote video shows up.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/veriface/callguard/internal/models"
)

const defaultInterval = 3 * time.Second

var (
	// ErrPending means the subject is not known yet; retry later.
	ErrPending = errors.New("identity: subject not yet known")
	// ErrNoSelfID is returned for a subject without its own participant id.
	ErrNoSelfID = errors.New("identity: subject has no participant id")
)

// Lookup asks the meeting API for the subject id of a meeting.
type Lookup func(ctx context.Context, meetingID string) (string, error)

// Options configures a Resolver.
type Options struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Resolver resolves the subject id for one participant.
type Resolver struct {
	role     models.Role
	selfID   string
	lookup   Lookup
	interval time.Duration
	logger   *zap.Logger
	group    singleflight.Group
}

// NewResolver builds a resolver. selfID is used by the subject; lookup by the reviewer.
func NewResolver(role models.Role, selfID string, lookup Lookup, opts Options) *Resolver {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{
		role:     role,
		selfID:   selfID,
		lookup:   lookup,
		interval: opts.Interval,
		logger:   opts.Logger,
	}
}

// Resolve makes one attempt. Overlapping calls for the same meeting share a single lookup.
func (r *Resolver) Resolve(ctx context.Context, meetingID string) (string, error) {
	if r.role == models.RoleSubject {
		if r.selfID == "" {
			return "", ErrNoSelfID
		}
		return r.selfID, nil
	}
	v, err, _ := r.group.Do(meetingID, func() (any, error) {
		return r.lookup(ctx, meetingID)
	})
	if err != nil {
		if !errors.Is(err, ErrPending) && ctx.Err() == nil {
			r.logger.Warn("subject lookup failed", zap.String("meeting_id", meetingID), zap.Error(err))
		}
		return "", ErrPending
	}
	id, _ := v.(string)
	if id == "" {
		return "", ErrPending
	}
	return id, nil
}

// Await starts resolving in the background and returns the pending result.
func (r *Resolver) Await(ctx context.Context, meetingID string) *Pending {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pending{
		done:   make(chan struct{}),
		nudge:  make(chan struct{}, 1),
		cancel: cancel,
	}
	if r.role == models.RoleSubject {
		id, err := r.Resolve(ctx, meetingID)
		p.finish(id, err)
		cancel()
		return p
	}
	go r.poll(ctx, meetingID, p)
	return p
}

func (r *Resolver) poll(ctx context.Context, meetingID string, p *Pending) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	attempt := func() {
		go func() {
			id, err := r.Resolve(ctx, meetingID)
			if err == nil {
				r.logger.Info("subject resolved", zap.String("meeting_id", meetingID), zap.String("subject_id", id))
				p.finish(id, nil)
			}
		}()
	}
	attempt()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			p.finish("", ctx.Err())
			return
		case <-ticker.C:
			attempt()
		case <-p.nudge:
			attempt()
		}
	}
}

// Pending is a subject id that may not be known yet. It settles exactly once.
type Pending struct {
	done   chan struct{}
	nudge  chan struct{}
	cancel context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	id   string
	err  error
}

// Done is closed once the result is settled, by success or cancellation.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the subject id, ErrPending before settlement, or the cancellation error.
func (p *Pending) Result() (string, error) {
	select {
	case <-p.done:
	default:
		return "", ErrPending
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id, p.err
}

// Nudge requests an extra attempt now without disturbing the periodic retry.
func (p *Pending) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Cancel stops retrying. Safe after settlement.
func (p *Pending) Cancel() {
	p.cancel()
	p.finish("", context.Canceled)
}

func (p *Pending) finish(id string, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.id, p.err = id, err
		p.mu.Unlock()
		close(p.done)
		p.cancel()
	})
}
