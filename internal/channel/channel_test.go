package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriface/callguard/internal/protocol"
)

type echoServer struct {
	mu       sync.Mutex
	paths    []string
	received [][]byte
	conns    []*websocket.Conn
}

func (e *echoServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		e.mu.Lock()
		e.paths = append(e.paths, r.URL.Path)
		e.conns = append(e.conns, conn)
		e.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e.mu.Lock()
			e.received = append(e.received, data)
			e.mu.Unlock()
		}
	}
}

func (e *echoServer) snapshot() ([]string, [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.paths...), append([][]byte(nil), e.received...)
}

func (e *echoServer) push(t *testing.T, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.conns)
	require.NoError(t, e.conns[0].WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (e *echoServer) dropAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		_ = c.Close()
	}
}

func TestURL(t *testing.T) {
	u, err := URL("http://localhost:8080", "m-1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/verify/m-1/c-1", u)

	u, err = URL("https://verify.example.com/app/", "abc", "42")
	require.NoError(t, err)
	assert.Equal(t, "wss://verify.example.com/app/ws/verify/abc/42", u)

	_, err = URL("ftp://x", "a", "b")
	assert.Error(t, err)
}

func TestDialRequiresIdentifiers(t *testing.T) {
	_, err := Dial(context.Background(), Options{BaseURL: "http://x", MeetingID: "m"})
	assert.ErrorIs(t, err, ErrUnresolvedSubject)
	_, err = Dial(context.Background(), Options{BaseURL: "http://x", SubjectID: "s"})
	assert.ErrorIs(t, err, ErrMissingMeeting)
}

func TestSendAndReceive(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	got := make(chan protocol.Score, 1)
	c, err := Dial(context.Background(), Options{
		BaseURL:   ts.URL,
		MeetingID: "meet",
		SubjectID: "sub",
		OnMessage: func(s protocol.Score) { got <- s },
	})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Send(protocol.NewPing()))
	require.Eventually(t, func() bool {
		_, recv := srv.snapshot()
		return len(recv) == 1
	}, time.Second, 5*time.Millisecond)
	paths, recv := srv.snapshot()
	assert.Equal(t, []string{"/ws/verify/meet/sub"}, paths)
	assert.JSONEq(t, `{"type":"ping"}`, string(recv[0]))

	srv.push(t, `not json`)
	srv.push(t, `{"type":"score","deepfake":{"is_deepfake":true,"score":0.9}}`)
	select {
	case s := <-got:
		require.NotNil(t, s.Deepfake)
		assert.True(t, s.Deepfake.IsDeepfake)
	case <-time.After(time.Second):
		t.Fatal("score not delivered")
	}
	assert.Equal(t, StateOpen, c.State())
}

func TestCloseIsIdempotentAndSendIsNoop(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c, err := Dial(context.Background(), Options{BaseURL: ts.URL, MeetingID: "m", SubjectID: "s"})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Err())
	<-c.Done()

	assert.ErrorIs(t, c.Send(protocol.NewPing()), ErrClosed)
}

func TestPeerDropClosesChannel(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c, err := Dial(context.Background(), Options{BaseURL: ts.URL, MeetingID: "m", SubjectID: "s"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		paths, _ := srv.snapshot()
		return len(paths) == 1
	}, time.Second, 5*time.Millisecond)
	srv.dropAll()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Error(t, c.Err())
	assert.ErrorIs(t, c.Send(protocol.NewPing()), ErrClosed)
}

func TestOnMessageSwapsHandler(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c, err := Dial(context.Background(), Options{BaseURL: ts.URL, MeetingID: "m", SubjectID: "s"})
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool {
		paths, _ := srv.snapshot()
		return len(paths) == 1
	}, time.Second, 5*time.Millisecond)

	first := make(chan protocol.Score, 4)
	c.OnMessage(func(s protocol.Score) { first <- s })
	srv.push(t, `{"type":"score","deepfake":{"is_deepfake":false,"score":0.1}}`)
	select {
	case s := <-first:
		require.NotNil(t, s.Deepfake)
		assert.False(t, s.Deepfake.IsDeepfake)
	case <-time.After(time.Second):
		t.Fatal("first handler not called")
	}

	second := make(chan protocol.Score, 4)
	c.OnMessage(func(s protocol.Score) { second <- s })
	srv.push(t, `{"type":"score","deepfake":{"is_deepfake":true,"score":0.9}}`)
	select {
	case s := <-second:
		require.NotNil(t, s.Deepfake)
		assert.True(t, s.Deepfake.IsDeepfake)
	case <-time.After(time.Second):
		t.Fatal("second handler not called")
	}
	assert.Empty(t, first)
}

func TestDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := Dial(context.Background(), Options{BaseURL: ts.URL, MeetingID: "m", SubjectID: "s"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "404"))
}
