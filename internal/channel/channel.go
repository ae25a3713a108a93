// Package channel implements the verification side-channel between a participant
// and the scoring relay. A Channel is bound to one (meeting, subject) pair, opens
// once and never reconnects by itself: callers re-create it if they want to retry.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veriface/callguard/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	readLimit      = 64 << 10
	defaultBuffer  = 16
	handshakeLimit = 15 * time.Second
)

var (
	// ErrUnresolvedSubject is returned when dialing before the subject id is known.
	ErrUnresolvedSubject = errors.New("channel: subject id not resolved")
	// ErrMissingMeeting is returned when dialing without a meeting id.
	ErrMissingMeeting = errors.New("channel: meeting id required")
	// ErrClosed is returned by Send when the channel is not open.
	ErrClosed = errors.New("channel: not open")
	// ErrBackpressure is returned by Send when the outbound buffer is full.
	ErrBackpressure = errors.New("channel: send buffer full")
)

// State is the connection lifecycle: Connecting -> Open -> Closed, nothing after.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives decoded score messages.
type Handler func(protocol.Score)

// Options configures Dial.
type Options struct {
	BaseURL    string // page/API origin, http(s)://host[:port]
	MeetingID  string
	SubjectID  string
	Header     http.Header
	SendBuffer int
	OnMessage  Handler
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// URL derives the channel endpoint from the HTTP origin: same host, ws for http and wss for https.
func URL(base, meetingID, subjectID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = path.Join("/", u.Path, "ws", "verify", url.PathEscape(meetingID), url.PathEscape(subjectID))
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Channel is one open verification connection.
type Channel struct {
	conn   *websocket.Conn
	state  atomic.Int32
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	mu      sync.RWMutex
	handler Handler
	err     error
}

// Dial opens the channel. Both identifiers must be known.
func Dial(ctx context.Context, opts Options) (*Channel, error) {
	if opts.MeetingID == "" {
		return nil, ErrMissingMeeting
	}
	if opts.SubjectID == "" {
		return nil, ErrUnresolvedSubject
	}
	target, err := URL(opts.BaseURL, opts.MeetingID, opts.SubjectID)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultBuffer
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeLimit,
		}
	}

	c := &Channel{
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		handler: opts.OnMessage,
		logger: opts.Logger.With(
			zap.String("meeting_id", opts.MeetingID),
			zap.String("subject_id", opts.SubjectID),
		),
	}
	c.state.Store(int32(StateConnecting))

	conn, resp, err := dialer.DialContext(ctx, target, opts.Header)
	if err != nil {
		c.state.Store(int32(StateClosed))
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c.conn = conn
	conn.SetReadLimit(readLimit)
	c.state.Store(int32(StateOpen))
	c.logger.Info("verification channel open")

	go c.writePump()
	go c.readPump()
	return c, nil
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Done is closed once the channel reaches Closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure that closed the channel, nil for an explicit Close.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// OnMessage replaces the inbound score handler.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Send queues v for delivery. It never blocks; when the channel is not open or the
// buffer is full the message is dropped and an error is returned for the caller to ignore.
func (c *Channel) Send(v any) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		c.logger.Debug("drop outbound message", zap.Error(ErrBackpressure))
		return ErrBackpressure
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		c.state.Store(int32(StateClosed))
		close(c.done)
		if c.conn == nil {
			return
		}
		if cause == nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			c.logger.Info("verification channel closed")
		} else {
			c.logger.Warn("verification channel lost", zap.Error(cause))
		}
		_ = c.conn.Close()
	})
}

func (c *Channel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Channel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}
		score, err := protocol.DecodeScore(data)
		if err != nil {
			c.logger.Warn("drop malformed inbound message", zap.Error(err))
			continue
		}
		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h != nil {
			h(score)
		}
	}
}
