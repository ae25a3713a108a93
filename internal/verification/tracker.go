// Package verification keeps the current verification belief for one subject
// and derives the alert level shown to the reviewer.
package verification

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/internal/protocol"
)

// Alert is the derived severity of the current state.
type Alert string

const (
	AlertOK       Alert = "ok"
	AlertWarning  Alert = "warning"
	AlertCritical Alert = "critical"
)

// DeriveAlert is a pure function of the state: a deepfake is critical, a face mismatch
// against a known reference is a warning, anything else is ok. Critical wins.
func DeriveAlert(s models.VerificationState, referenceKnown bool) Alert {
	switch {
	case s.Deepfake.IsDeepfake:
		return AlertCritical
	case !s.FaceMatch.IsMatch && referenceKnown:
		return AlertWarning
	default:
		return AlertOK
	}
}

// Freshness tells consumers how recent the snapshot is. Version grows by one per applied update.
type Freshness struct {
	Version   uint64
	Liveness  time.Time
	Deepfake  time.Time
	FaceMatch time.Time
}

// Update is published to subscribers after every applied score.
type Update struct {
	State     models.VerificationState
	Alert     Alert
	Freshness Freshness
}

// Tracker holds the single current snapshot. Each score replaces the sub-objects it carries;
// absent sub-objects are left untouched. Safe for concurrent use.
type Tracker struct {
	mu             sync.RWMutex
	state          models.VerificationState
	referenceKnown bool
	fresh          Freshness
	subs           map[int]chan Update
	nextSub        int

	freezeOnce sync.Once
	now        func() time.Time
	logger     *zap.Logger
}

// NewTracker returns a tracker at the worst-case default state.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		state:  models.DefaultVerificationState(),
		subs:   make(map[int]chan Update),
		now:    time.Now,
		logger: logger,
	}
}

// Apply folds one score message into the snapshot ("last write wins").
func (t *Tracker) Apply(s protocol.Score) {
	if s.Empty() {
		return
	}
	t.mu.Lock()
	prev := DeriveAlert(t.state, t.referenceKnown)
	now := t.now()
	if s.Liveness != nil {
		t.state.Liveness = *s.Liveness
		t.fresh.Liveness = now
	}
	if s.Deepfake != nil {
		t.state.Deepfake = *s.Deepfake
		t.fresh.Deepfake = now
	}
	if s.FaceMatch != nil {
		t.state.FaceMatch = s.FaceMatch.FaceMatch
		if s.FaceMatch.HasReference != nil {
			t.referenceKnown = *s.FaceMatch.HasReference
		}
		t.fresh.FaceMatch = now
	}
	t.fresh.Version++
	u := t.updateLocked()
	// sends stay under the lock so a concurrent cancel cannot close ch mid-send
	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
		}
	}
	t.mu.Unlock()
	if u.Alert != prev {
		t.logger.Info("verification alert changed",
			zap.String("from", string(prev)),
			zap.String("to", string(u.Alert)),
			zap.Uint64("version", u.Freshness.Version),
		)
	}
}

// State returns a copy of the current snapshot.
func (t *Tracker) State() models.VerificationState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Alert returns the alert level for the current snapshot.
func (t *Tracker) Alert() Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return DeriveAlert(t.state, t.referenceKnown)
}

// Freshness returns the update counters.
func (t *Tracker) Freshness() Freshness {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fresh
}

// Current returns state, alert and freshness read atomically.
func (t *Tracker) Current() Update {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updateLocked()
}

// Subscribe returns a change feed. Slow readers miss intermediate updates, never the latest
// via Current. The returned cancel closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Freeze hands out the snapshot exactly once for end-of-call persistence.
func (t *Tracker) Freeze() (models.VerificationState, bool) {
	var (
		out models.VerificationState
		ok  bool
	)
	t.freezeOnce.Do(func() {
		out = t.State()
		ok = true
	})
	return out, ok
}

func (t *Tracker) updateLocked() Update {
	return Update{
		State:     t.state,
		Alert:     DeriveAlert(t.state, t.referenceKnown),
		Freshness: t.fresh,
	}
}
