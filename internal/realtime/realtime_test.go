package realtime

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veriface/callguard/internal/auth"
	"github.com/veriface/callguard/internal/channel"
	"github.com/veriface/callguard/internal/inference"
	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/internal/protocol"
)

func TestFrameSlotKeepsLatest(t *testing.T) {
	s := newFrameSlot()
	s.put("a")
	s.put("b")
	s.put("c")

	img, ok := s.take()
	require.True(t, ok)
	assert.Equal(t, "c", img)
	received, dropped := s.stats()
	assert.Equal(t, uint64(3), received)
	assert.Equal(t, uint64(2), dropped)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := s.take()
		assert.False(t, ok)
	}()
	s.close()
	<-done
	s.put("d")
	_, ok = s.take()
	assert.False(t, ok)
}

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]func([]byte)
	published int
}

func (b *fakeBus) PublishScore(meetingID string, payload []byte) error {
	b.mu.Lock()
	b.published++
	h := b.handlers[meetingID]
	b.mu.Unlock()
	if h != nil {
		h(payload)
	}
	return nil
}

func (b *fakeBus) SubscribeMeeting(_ context.Context, meetingID string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[meetingID] = handler
	return func() {
		b.mu.Lock()
		delete(b.handlers, meetingID)
		b.mu.Unlock()
	}, nil
}

func TestHubPublishesThroughBusOnce(t *testing.T) {
	bus := &fakeBus{handlers: map[string]func([]byte){}}
	h := NewHub(nil, bus, bus)
	c1 := &Client{ID: "1", MeetingID: "m", send: make(chan []byte, 4)}
	c2 := &Client{ID: "2", MeetingID: "m", send: make(chan []byte, 4)}
	h.Register(c1)
	h.Register(c2)
	assert.Equal(t, 2, h.Count("m"))

	h.PublishScore("m", []byte(`{"type":"score"}`))
	assert.Len(t, c1.send, 1)
	assert.Len(t, c2.send, 1)
	assert.Equal(t, 1, bus.published)

	h.Unregister(c1)
	h.Unregister(c2)
	assert.Zero(t, h.Count("m"))
	assert.Empty(t, bus.handlers)
}

func TestHubWithoutBusBroadcastsLocally(t *testing.T) {
	h := NewHub(nil, nil, nil)
	c := &Client{ID: "1", MeetingID: "m", send: make(chan []byte, 1)}
	h.Register(c)
	h.PublishScore("m", []byte("a"))
	h.PublishScore("m", []byte("b"))
	assert.Equal(t, []byte("a"), <-c.send)
	h.PublishScore("other", []byte("c"))
	assert.Empty(t, c.send)
}

// gatedBus blocks SubscribeMeeting until release is closed.
type gatedBus struct {
	entered   chan struct{}
	release   chan struct{}
	cancelled atomic.Int32
}

func (b *gatedBus) SubscribeMeeting(ctx context.Context, _ string, _ func([]byte)) (func(), error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { b.cancelled.Add(1) }, nil
}

func (b *gatedBus) PublishScore(string, []byte) error { return nil }

func TestHubSubscribeDoesNotBlockOtherMeetings(t *testing.T) {
	bus := &gatedBus{entered: make(chan struct{}), release: make(chan struct{})}
	h := NewHub(nil, bus, bus)
	other := &Client{ID: "o", MeetingID: "busy", send: make(chan []byte, 1)}
	h.mu.Lock()
	h.meetings["busy"] = map[string]*Client{other.ID: other}
	h.mu.Unlock()

	registered := make(chan struct{})
	go func() {
		defer close(registered)
		h.Register(&Client{ID: "n", MeetingID: "new", send: make(chan []byte, 1)})
	}()
	<-bus.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Broadcast("busy", []byte("x"))
		h.PublishScore("new", []byte("y"))
		_ = h.Count("new")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub blocked while a subscription was in flight")
	}
	assert.Equal(t, []byte("x"), <-other.send)
	assert.False(t, h.hasSubscription("new"))

	close(bus.release)
	<-registered
	assert.True(t, h.hasSubscription("new"))
	assert.Zero(t, bus.cancelled.Load())
}

func TestHubCancelsSubscriptionWhenMeetingEmptiedMeanwhile(t *testing.T) {
	bus := &gatedBus{entered: make(chan struct{}), release: make(chan struct{})}
	h := NewHub(nil, bus, bus)
	c := &Client{ID: "1", MeetingID: "m", send: make(chan []byte, 1)}

	registered := make(chan struct{})
	go func() {
		defer close(registered)
		h.Register(c)
	}()
	<-bus.entered
	h.Unregister(c)
	assert.Zero(t, h.Count("m"))

	close(bus.release)
	<-registered
	assert.False(t, h.hasSubscription("m"))
	assert.Equal(t, int32(1), bus.cancelled.Load())
}

type fixedScorer struct {
	calls atomic.Int32
}

func (s *fixedScorer) Score(_ context.Context, f inference.Frame) (protocol.Score, error) {
	s.calls.Add(1)
	if f.SubjectID != "subject-1" {
		return protocol.Score{}, nil
	}
	return protocol.Score{Deepfake: &models.Deepfake{IsDeepfake: true, Score: 0.91}}, nil
}

func newRelay(t *testing.T, scorer inference.Scorer, validate TokenValidator) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/verify/:meeting/:subject", ServeVerify(NewHub(nil, nil, nil), scorer, validate, 0, zap.NewNop()))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestRelayScoresFramesForWholeMeeting(t *testing.T) {
	scorer := &fixedScorer{}
	ts := newRelay(t, scorer, nil)

	scores := make(chan protocol.Score, 8)
	reviewer, err := channel.Dial(context.Background(), channel.Options{
		BaseURL: ts.URL, MeetingID: "m1", SubjectID: "subject-1",
		OnMessage: func(s protocol.Score) { scores <- s },
	})
	require.NoError(t, err)
	defer reviewer.Close()

	subject, err := channel.Dial(context.Background(), channel.Options{
		BaseURL: ts.URL, MeetingID: "m1", SubjectID: "subject-1",
	})
	require.NoError(t, err)
	defer subject.Close()

	require.NoError(t, reviewer.Send(protocol.NewPing()))
	require.NoError(t, subject.Send(map[string]string{"image": "not base64!"}))
	frame := protocol.NewFrame(protocol.EncodeDataURL([]byte{0xff, 0xd8}))
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, subject.Send(frame))
		select {
		case s := <-scores:
			require.NotNil(t, s.Deepfake)
			assert.True(t, s.Deepfake.IsDeepfake)
			assert.Equal(t, protocol.TypeScore, s.Type)
			assert.GreaterOrEqual(t, scorer.calls.Load(), int32(1))
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("no score broadcast")
		}
	}
}

func TestRelayRequiresToken(t *testing.T) {
	svc := auth.NewJWTService("s", 1)
	ts := newRelay(t, inference.Nop{}, JWTValidator(svc))

	_, err := channel.Dial(context.Background(), channel.Options{BaseURL: ts.URL, MeetingID: "m", SubjectID: "s"})
	require.Error(t, err)

	tok, err := svc.Generate(uuid.New(), "client")
	require.NoError(t, err)
	c, err := channel.Dial(context.Background(), channel.Options{
		BaseURL: ts.URL, MeetingID: "m", SubjectID: "s",
		Header: map[string][]string{"Authorization": {"Bearer " + tok}},
	})
	require.NoError(t, err)
	c.Close()
}
