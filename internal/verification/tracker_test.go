package verification

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/internal/protocol"
)

func applyJSON(t *testing.T, tr *Tracker, raw string) {
	t.Helper()
	s, err := protocol.DecodeScore([]byte(raw))
	require.NoError(t, err)
	tr.Apply(s)
}

func TestTrackerDefaults(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.State()
	assert.False(t, s.Liveness.Passed)
	assert.False(t, s.Deepfake.IsDeepfake)
	assert.False(t, s.FaceMatch.IsMatch)
	assert.Equal(t, 1.0, s.FaceMatch.Distance)
	assert.Equal(t, AlertOK, tr.Alert(), "no reference face known yet")
	assert.Zero(t, tr.Freshness().Version)
}

func TestTrackerDeepfakeThenFaceMatchIsCritical(t *testing.T) {
	tr := NewTracker(nil)
	applyJSON(t, tr, `{"deepfake": {"is_deepfake": true, "score": 0.91}}`)
	applyJSON(t, tr, `{"face_match": {"is_match": true, "distance": 0.1}}`)

	s := tr.State()
	assert.True(t, s.Deepfake.IsDeepfake)
	assert.InDelta(t, 0.91, s.Deepfake.Score, 1e-9)
	assert.True(t, s.FaceMatch.IsMatch)
	assert.InDelta(t, 0.1, s.FaceMatch.Distance, 1e-9)
	assert.Equal(t, AlertCritical, tr.Alert())
	assert.Equal(t, uint64(2), tr.Freshness().Version)
}

func TestAlertPrecedence(t *testing.T) {
	s := models.DefaultVerificationState()
	s.Deepfake.IsDeepfake = true
	s.FaceMatch.IsMatch = false
	assert.Equal(t, AlertCritical, DeriveAlert(s, true))
	assert.Equal(t, AlertCritical, DeriveAlert(s, false))

	s.Deepfake.IsDeepfake = false
	assert.Equal(t, AlertWarning, DeriveAlert(s, true))
	assert.Equal(t, AlertOK, DeriveAlert(s, false))

	s.FaceMatch.IsMatch = true
	assert.Equal(t, AlertOK, DeriveAlert(s, true))
}

func TestTrackerReferenceFromScore(t *testing.T) {
	tr := NewTracker(nil)
	applyJSON(t, tr, `{"type":"score","face_match":{"is_match":false,"distance":0.8,"has_reference":true}}`)
	assert.Equal(t, AlertWarning, tr.Alert())

	applyJSON(t, tr, `{"type":"score","face_match":{"is_match":false,"distance":0.8,"has_reference":false}}`)
	assert.Equal(t, AlertOK, tr.Alert())

	// a score without has_reference keeps what is known
	applyJSON(t, tr, `{"type":"score","face_match":{"is_match":false,"distance":0.7}}`)
	assert.Equal(t, AlertOK, tr.Alert())
}

func TestTrackerIgnoresEmptyScore(t *testing.T) {
	tr := NewTracker(nil)
	applyJSON(t, tr, `{"liveness":{"passed":true,"score":0.9,"challenge":"blink"}}`)
	before := tr.State()

	applyJSON(t, tr, `{"type":"score"}`)
	tr.Apply(protocol.Score{})

	assert.Equal(t, before, tr.State())
	assert.Equal(t, uint64(1), tr.Freshness().Version)
}

func TestTrackerWholesaleReplacement(t *testing.T) {
	tr := NewTracker(nil)
	applyJSON(t, tr, `{"liveness":{"passed":true,"score":0.9,"challenge":"blink"}}`)
	applyJSON(t, tr, `{"liveness":{"score":0.3}}`)

	// no field merge from the earlier liveness message
	assert.Equal(t, models.Liveness{Passed: false, Score: 0.3, Challenge: ""}, tr.State().Liveness)
}

func randomScore(r *rand.Rand) protocol.Score {
	var s protocol.Score
	if r.Intn(2) == 0 {
		s.Liveness = &models.Liveness{Passed: r.Intn(2) == 0, Score: r.Float64(), Challenge: "blink"}
	}
	if r.Intn(2) == 0 {
		s.Deepfake = &models.Deepfake{IsDeepfake: r.Intn(2) == 0, Score: r.Float64()}
	}
	if r.Intn(2) == 0 {
		s.FaceMatch = &protocol.FaceMatch{FaceMatch: models.FaceMatch{IsMatch: r.Intn(2) == 0, Distance: r.Float64()}}
	}
	return s
}

func TestTrackerLastWriteWinsPerKey(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		tr := NewTracker(nil)
		want := models.DefaultVerificationState()
		n := 1 + r.Intn(20)
		for i := 0; i < n; i++ {
			s := randomScore(r)
			tr.Apply(s)
			if s.Liveness != nil {
				want.Liveness = *s.Liveness
			}
			if s.Deepfake != nil {
				want.Deepfake = *s.Deepfake
			}
			if s.FaceMatch != nil {
				want.FaceMatch = s.FaceMatch.FaceMatch
			}
		}
		assert.Equal(t, want, tr.State())
	}
}

func TestTrackerIdempotentApply(t *testing.T) {
	const msg = `{"liveness":{"passed":true,"score":1,"challenge":"none"},"deepfake":{"is_deepfake":false,"score":0.02}}`
	once := NewTracker(nil)
	twice := NewTracker(nil)
	applyJSON(t, once, msg)
	applyJSON(t, twice, msg)
	applyJSON(t, twice, msg)
	assert.Equal(t, once.State(), twice.State())
	assert.Equal(t, once.Alert(), twice.Alert())
}

func TestTrackerSubscribe(t *testing.T) {
	tr := NewTracker(nil)
	updates, cancel := tr.Subscribe(4)

	applyJSON(t, tr, `{"deepfake":{"is_deepfake":true,"score":0.8}}`)
	u := <-updates
	assert.Equal(t, AlertCritical, u.Alert)
	assert.Equal(t, uint64(1), u.Freshness.Version)
	assert.False(t, u.Freshness.Deepfake.IsZero())

	cancel()
	cancel()
	_, ok := <-updates
	assert.False(t, ok)

	// publishing after cancel must not panic
	applyJSON(t, tr, `{"deepfake":{"is_deepfake":false,"score":0.1}}`)
}

func TestTrackerFreezeOnce(t *testing.T) {
	tr := NewTracker(nil)
	applyJSON(t, tr, `{"face_match":{"is_match":true,"distance":0.2}}`)

	s, ok := tr.Freeze()
	require.True(t, ok)
	assert.True(t, s.FaceMatch.IsMatch)

	_, ok = tr.Freeze()
	assert.False(t, ok)
}
