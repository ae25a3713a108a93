// Package realtime is the verification relay: it accepts channel connections per
// meeting, hands subject frames to the scorer and fans scores out to everyone in
// the meeting, across instances through Redis.
package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	subscribeTimeout = 5 * time.Second
)

// ScorePublisher publishes encoded scores to other relay instances.
type ScorePublisher interface {
	PublishScore(meetingID string, payload []byte) error
}

// ScoreSubscriber receives scores published by any relay instance.
type ScoreSubscriber interface {
	SubscribeMeeting(ctx context.Context, meetingID string, handler func(payload []byte)) (cancel func(), err error)
}

// Hub maintains meeting code -> set of connections.
type Hub struct {
	meetings map[string]map[string]*Client
	subs     map[string]func()
	pending  map[string]bool
	mu       sync.RWMutex
	logger   *zap.Logger
	pub      ScorePublisher
	sub      ScoreSubscriber
}

// NewHub creates a hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub ScorePublisher, sub ScoreSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		meetings: make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		pending:  make(map[string]bool),
		logger:   logger,
		pub:      pub,
		sub:      sub,
	}
}

// Register adds a connection. The first connection of a meeting subscribes to its
// Redis channel; the subscribe round-trip runs without holding the hub lock.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	subscribe := false
	if h.meetings[c.MeetingID] == nil {
		h.meetings[c.MeetingID] = make(map[string]*Client)
		if h.sub != nil && !h.pending[c.MeetingID] {
			h.pending[c.MeetingID] = true
			subscribe = true
		}
	}
	h.meetings[c.MeetingID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("verification client joined",
		zap.String("conn_id", c.ID),
		zap.String("meeting_id", c.MeetingID),
		zap.String("role", c.Role),
	)
	if subscribe {
		h.subscribe(c.MeetingID)
	}
}

func (h *Hub) subscribe(meetingID string) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancelCtx()
	cancel, err := h.sub.SubscribeMeeting(ctx, meetingID, func(payload []byte) {
		h.Broadcast(meetingID, payload)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, meetingID)
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("meeting_id", meetingID), zap.Error(err))
		return
	}
	if _, live := h.meetings[meetingID]; !live {
		// Everyone left while subscribing.
		cancel()
		return
	}
	h.subs[meetingID] = cancel
}

// Unregister removes a connection. The last one out cancels the Redis subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.meetings[c.MeetingID]
	if !ok {
		return
	}
	delete(m, c.ID)
	if len(m) == 0 {
		delete(h.meetings, c.MeetingID)
		if cancel, ok := h.subs[c.MeetingID]; ok {
			cancel()
			delete(h.subs, c.MeetingID)
		}
	}
	h.logger.Debug("verification client left", zap.String("conn_id", c.ID), zap.String("meeting_id", c.MeetingID))
}

// Broadcast sends payload to every local connection of the meeting. Slow connections miss it.
func (h *Hub) Broadcast(meetingID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.meetings[meetingID] {
		select {
		case c.send <- payload:
		default:
			h.logger.Debug("drop score for slow client", zap.String("conn_id", c.ID))
		}
	}
}

// PublishScore delivers a score to the meeting on every instance. With Redis the
// subscriber does the local broadcast, so this instance does not deliver twice.
func (h *Hub) PublishScore(meetingID string, payload []byte) {
	if h.pub != nil && h.hasSubscription(meetingID) {
		err := h.pub.PublishScore(meetingID, payload)
		if err == nil {
			return
		}
		h.logger.Warn("redis publish failed, delivering locally", zap.Error(err))
	}
	h.Broadcast(meetingID, payload)
}

func (h *Hub) hasSubscription(meetingID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[meetingID]
	return ok
}

// Count returns the number of local connections in a meeting.
func (h *Hub) Count(meetingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.meetings[meetingID])
}
