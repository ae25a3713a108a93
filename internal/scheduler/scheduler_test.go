package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriface/callguard/internal/channel"
	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/internal/protocol"
)

type fakeSender struct {
	mu    sync.Mutex
	state channel.State
	sent  []any
	at    []time.Time
}

func (f *fakeSender) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	f.at = append(f.at, time.Now())
	return nil
}

func (f *fakeSender) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.at...)
}

func (f *fakeSender) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

type fakeCapturer struct {
	mu    sync.Mutex
	frame []byte
	calls int
}

func (c *fakeCapturer) Capture() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.frame == nil {
		return nil, false
	}
	return c.frame, true
}

func TestSubjectSendsOneFramePerTick(t *testing.T) {
	sender := &fakeSender{state: channel.StateOpen}
	capt := &fakeCapturer{frame: []byte{0xff, 0xd8}}
	s := New(sender, capt, Options{Role: models.RoleSubject})

	for i := 0; i < 10; i++ {
		s.Tick()
	}

	msgs := sender.messages()
	require.Len(t, msgs, 10)
	for _, m := range msgs {
		f, ok := m.(protocol.Frame)
		require.True(t, ok)
		assert.Equal(t, protocol.TypeFrame, f.Type)
		assert.Equal(t, "data:image/jpeg;base64,/9g=", f.Image)
	}
	assert.Equal(t, uint64(10), s.Stats().Frames)
}

func TestSubjectSkipsWhenNoFrame(t *testing.T) {
	sender := &fakeSender{state: channel.StateOpen}
	s := New(sender, &fakeCapturer{}, Options{Role: models.RoleSubject})

	s.Tick()
	s.Tick()

	assert.Empty(t, sender.messages())
	assert.Equal(t, uint64(2), s.Stats().Skipped)
}

func TestScreenShareSuppressesFrames(t *testing.T) {
	sender := &fakeSender{state: channel.StateOpen}
	capt := &fakeCapturer{frame: []byte{1}}
	s := New(sender, capt, Options{Role: models.RoleSubject})

	s.SetScreenShare(true)
	for i := 0; i < 5; i++ {
		s.Tick()
	}
	assert.Empty(t, sender.messages())
	assert.Zero(t, capt.calls)

	s.SetScreenShare(false)
	s.Tick()
	assert.Len(t, sender.messages(), 1)
}

func TestNothingSentWhileChannelNotOpen(t *testing.T) {
	for _, st := range []channel.State{channel.StateConnecting, channel.StateClosed} {
		sender := &fakeSender{state: st}
		sub := New(sender, &fakeCapturer{frame: []byte{1}}, Options{Role: models.RoleSubject})
		rev := New(sender, nil, Options{Role: models.RoleReviewer})
		sub.Tick()
		rev.Tick()
		assert.Empty(t, sender.messages(), st.String())
	}
}

func TestReviewerSendsHeartbeat(t *testing.T) {
	sender := &fakeSender{state: channel.StateOpen}
	s := New(sender, nil, Options{Role: models.RoleReviewer})

	s.Tick()
	s.Tick()

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.NewPing(), msgs[0])
	assert.Equal(t, uint64(2), s.Stats().Heartbeats)
}

func TestStartStopLifecycle(t *testing.T) {
	sender := &fakeSender{state: channel.StateOpen}
	s := New(sender, nil, Options{Role: models.RoleReviewer, HeartbeatInterval: 5 * time.Millisecond})
	assert.Equal(t, StateIdle, s.State())

	s.Start(context.Background())
	assert.Equal(t, StateActive, s.State())
	require.Eventually(t, func() bool { return len(sender.messages()) >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	n := len(sender.messages())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(sender.messages()))

	s.Start(context.Background())
	assert.Equal(t, StateStopped, s.State())
}

func TestStopBeforeStart(t *testing.T) {
	s := New(&fakeSender{state: channel.StateOpen}, nil, Options{Role: models.RoleReviewer})
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	s.Tick()
	assert.Equal(t, uint64(0), s.Stats().Heartbeats)
}

// assertSpacing checks that the first n sends are at least interval apart.
func assertSpacing(t *testing.T, sender *fakeSender, n int, interval time.Duration) {
	t.Helper()
	const jitter = 2 * time.Millisecond
	at := sender.times()
	require.GreaterOrEqual(t, len(at), n)
	for i := 1; i < n; i++ {
		gap := at[i].Sub(at[i-1])
		assert.GreaterOrEqual(t, gap, interval-jitter, "gap %d", i)
	}
}

func TestRunningSubjectSpacesFrames(t *testing.T) {
	const interval = 20 * time.Millisecond
	sender := &fakeSender{state: channel.StateOpen}
	s := New(sender, &fakeCapturer{frame: []byte{0xff, 0xd8}}, Options{
		Role:          models.RoleSubject,
		FrameInterval: interval,
	})

	started := time.Now()
	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(sender.messages()) >= 10 }, 5*time.Second, 5*time.Millisecond)
	s.Stop()

	for _, m := range sender.messages()[:10] {
		_, ok := m.(protocol.Frame)
		require.True(t, ok)
	}
	assert.GreaterOrEqual(t, sender.times()[0].Sub(started), interval-2*time.Millisecond)
	assertSpacing(t, sender, 10, interval)
}

func TestRunningReviewerSpacesHeartbeats(t *testing.T) {
	const interval = 20 * time.Millisecond
	sender := &fakeSender{state: channel.StateOpen}
	s := New(sender, nil, Options{
		Role:              models.RoleReviewer,
		FrameInterval:     time.Millisecond,
		HeartbeatInterval: interval,
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(sender.messages()) >= 5 }, 5*time.Second, 5*time.Millisecond)
	s.Stop()

	for _, m := range sender.messages() {
		assert.Equal(t, protocol.NewPing(), m)
	}
	assertSpacing(t, sender, 5, interval)
}

func TestDefaultIntervalPerRole(t *testing.T) {
	sender := &fakeSender{state: channel.StateOpen}
	assert.Equal(t, DefaultFrameInterval, New(sender, nil, Options{Role: models.RoleSubject}).Interval())
	assert.Equal(t, DefaultHeartbeatInterval, New(sender, nil, Options{Role: models.RoleReviewer}).Interval())
	assert.Equal(t, 2*time.Second, New(sender, nil, Options{
		Role:          models.RoleReviewer,
		FrameInterval: 500 * time.Millisecond,
	}).Interval())
	assert.Equal(t, 250*time.Millisecond, New(sender, nil, Options{
		Role:          models.RoleSubject,
		FrameInterval: 250 * time.Millisecond,
	}).Interval())
}
