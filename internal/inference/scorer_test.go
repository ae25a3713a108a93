package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriface/callguard/config"
)

func TestHTTPScorer(t *testing.T) {
	var got Frame
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"liveness":{"status":true,"score":0.7,"challenge":"blink"},"deepfake":{"is_deepfake":false,"score":0.1}}`)
	}))
	defer ts.Close()

	s := NewHTTPScorer(ts.URL, time.Second, nil)
	score, err := s.Score(context.Background(), Frame{MeetingID: "m", SubjectID: "s", Image: "data:image/jpeg;base64,AA=="})
	require.NoError(t, err)

	assert.Equal(t, "m", got.MeetingID)
	assert.Equal(t, "s", got.SubjectID)
	require.NotNil(t, score.Liveness)
	assert.True(t, score.Liveness.Passed)
	assert.Equal(t, "blink", score.Liveness.Challenge)
	require.NotNil(t, score.Deepfake)
	assert.Nil(t, score.FaceMatch)
}

func respond(t *testing.T, status int, body string) *HTTPScorer {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return NewHTTPScorer(ts.URL, time.Second, nil)
}

func TestHTTPScorerEmptyAndErrors(t *testing.T) {
	score, err := respond(t, http.StatusOK, `{}`).Score(context.Background(), Frame{})
	require.NoError(t, err)
	assert.True(t, score.Empty())

	_, err = respond(t, http.StatusBadGateway, `{}`).Score(context.Background(), Frame{})
	assert.Error(t, err)

	_, err = respond(t, http.StatusOK, `not json`).Score(context.Background(), Frame{})
	assert.Error(t, err)
}

func TestNewWithoutURLIsNop(t *testing.T) {
	s := New(config.InferenceConfig{}, nil)
	_, ok := s.(Nop)
	assert.True(t, ok)

	score, err := s.Score(context.Background(), Frame{})
	require.NoError(t, err)
	assert.True(t, score.Empty())
}
