// Package capture extracts still frames from the local camera for verification.
//
// An Adapter prefers a rendered camera surface and falls back to a hidden player
// bound to the raw camera track. Both paths draw into one reused canvas at a fixed
// resolution and encode JPEG, so bandwidth and inference cost do not depend on the
// camera's native resolution.
package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	xdraw "golang.org/x/image/draw"
	"go.uber.org/zap"
)

// ReadyState mirrors the media element readiness ladder.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

// minReady is the lowest state at which a source has a drawable current frame.
const minReady = HaveCurrentData

// Defaults used when Options leaves a field zero.
const (
	DefaultWidth   = 640
	DefaultHeight  = 480
	DefaultQuality = 50
)

// Surface is a rendered view of the local camera.
type Surface interface {
	ReadyState() ReadyState
	Snapshot() (image.Image, error)
}

// Track is a raw camera media track.
type Track interface {
	ID() string
	Live() bool
}

// Player is an offscreen element that plays a Track so frames can be drawn from it.
type Player interface {
	Bind(t Track) error
	ReadyState() ReadyState
	Snapshot() (image.Image, error)
	Close() error
}

// PlayerFactory creates the hidden fallback player.
type PlayerFactory func() (Player, error)

// Options configures the encoded output.
type Options struct {
	Width   int
	Height  int
	Quality int // 1..100
	Logger  *zap.Logger
}

// Adapter produces encoded frames on demand. It owns at most one hidden player and one canvas.
type Adapter struct {
	surface   func() Surface
	track     func() Track
	newPlayer PlayerFactory

	mu         sync.Mutex
	player     Player
	boundTrack string
	canvas     *image.RGBA
	buf        bytes.Buffer
	closed     bool

	quality int
	logger  *zap.Logger
}

// NewAdapter creates an adapter. surface and track are looked up on every capture since the
// local view may be re-rendered or the camera restarted mid-call; either may return nil.
func NewAdapter(surface func() Surface, track func() Track, newPlayer PlayerFactory, opts Options) *Adapter {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if surface == nil {
		surface = func() Surface { return nil }
	}
	if track == nil {
		track = func() Track { return nil }
	}
	return &Adapter{
		surface:   surface,
		track:     track,
		newPlayer: newPlayer,
		canvas:    image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
		quality:   opts.Quality,
		logger:    opts.Logger,
	}
}

// Capture returns one JPEG frame, or false when no source is ready this tick.
func (a *Adapter) Capture() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, false
	}

	if s := a.surface(); s != nil && s.ReadyState() >= minReady {
		out, err := a.encode(s.Snapshot)
		if err == nil {
			return out, true
		}
		a.logger.Debug("surface capture failed", zap.Error(err))
	}

	t := a.track()
	if t == nil || !t.Live() || a.newPlayer == nil {
		return nil, false
	}
	p, err := a.playerFor(t)
	if err != nil {
		a.logger.Debug("fallback player unavailable", zap.Error(err))
		return nil, false
	}
	if p.ReadyState() < minReady {
		return nil, false
	}
	out, err := a.encode(p.Snapshot)
	if err != nil {
		a.logger.Debug("track capture failed", zap.Error(err))
		return nil, false
	}
	return out, true
}

// Close releases the hidden player. Capture returns no frame afterwards.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.player == nil {
		return nil
	}
	err := a.player.Close()
	a.player = nil
	a.boundTrack = ""
	return err
}

// playerFor lazily creates the single fallback player and re-binds it only when the track changes.
func (a *Adapter) playerFor(t Track) (Player, error) {
	if a.player == nil {
		p, err := a.newPlayer()
		if err != nil {
			return nil, fmt.Errorf("create player: %w", err)
		}
		a.player = p
	}
	if a.boundTrack != t.ID() {
		if err := a.player.Bind(t); err != nil {
			return nil, fmt.Errorf("bind track %s: %w", t.ID(), err)
		}
		a.boundTrack = t.ID()
	}
	return a.player, nil
}

func (a *Adapter) encode(snapshot func() (image.Image, error)) ([]byte, error) {
	src, err := snapshot()
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("empty snapshot")
	}
	xdraw.ApproxBiLinear.Scale(a.canvas, a.canvas.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	a.buf.Reset()
	if err := jpeg.Encode(&a.buf, a.canvas, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	out := make([]byte, a.buf.Len())
	copy(out, a.buf.Bytes())
	return out, nil
}
