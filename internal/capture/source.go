package capture

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/google/uuid"
)

// ErrTrackMismatch is returned when a BufferPlayer is bound to a foreign Track implementation.
var ErrTrackMismatch = errors.New("capture: player cannot play this track")

// FileSource is a Surface backed by a still image that an external camera process keeps rewriting.
type FileSource struct {
	Path string
}

// ReadyState reports HaveEnoughData while the file exists and is non-empty.
func (f FileSource) ReadyState() ReadyState {
	st, err := os.Stat(f.Path)
	if err != nil || st.Size() == 0 {
		return HaveNothing
	}
	return HaveEnoughData
}

// Snapshot decodes the current file contents.
func (f FileSource) Snapshot() (image.Image, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return img, nil
}

// BufferTrack is an in-process camera track fed by a decoder goroutine.
type BufferTrack struct {
	id string

	mu     sync.RWMutex
	latest image.Image
	seq    uint64
	ended  bool
}

// NewBufferTrack returns a live track with a fresh identity.
func NewBufferTrack() *BufferTrack {
	return &BufferTrack{id: uuid.New().String()}
}

// ID returns the track identity.
func (t *BufferTrack) ID() string { return t.id }

// Live reports whether the track has not ended.
func (t *BufferTrack) Live() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.ended
}

// Push publishes a new frame; the previous one is overwritten.
func (t *BufferTrack) Push(img image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.latest = img
	t.seq++
}

// End marks the track as no longer live.
func (t *BufferTrack) End() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
}

func (t *BufferTrack) current() (image.Image, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.seq
}

// BufferPlayer plays a BufferTrack. It becomes ready once a frame is pushed after binding.
type BufferPlayer struct {
	mu      sync.Mutex
	track   *BufferTrack
	bindSeq uint64
	closed  bool
}

// NewBufferPlayer is a PlayerFactory for BufferTrack sources.
func NewBufferPlayer() (Player, error) {
	return &BufferPlayer{}, nil
}

// Bind attaches the player to t.
func (p *BufferPlayer) Bind(t Track) error {
	bt, ok := t.(*BufferTrack)
	if !ok {
		return ErrTrackMismatch
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, seq := bt.current()
	p.track = bt
	p.bindSeq = seq
	return nil
}

// ReadyState reports HaveEnoughData once the bound track produced a frame since Bind.
func (p *BufferPlayer) ReadyState() ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.track == nil {
		return HaveNothing
	}
	img, seq := p.track.current()
	switch {
	case img == nil:
		return HaveNothing
	case seq > p.bindSeq:
		return HaveEnoughData
	default:
		return HaveMetadata
	}
}

// Snapshot returns the track's latest frame.
func (p *BufferPlayer) Snapshot() (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.track == nil {
		return nil, ErrTrackMismatch
	}
	img, _ := p.track.current()
	if img == nil {
		return nil, errors.New("capture: no frame yet")
	}
	return img, nil
}

// Close detaches the player.
func (p *BufferPlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.track = nil
	p.mu.Unlock()
	return nil
}
