// Package inference calls the external scoring service that turns a camera
// still into liveness, deepfake and face-match verdicts.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/veriface/callguard/config"
	"github.com/veriface/callguard/internal/protocol"
)

// Frame is one still submitted for scoring.
type Frame struct {
	MeetingID string `json:"meeting_id"`
	SubjectID string `json:"subject_id"`
	Image     string `json:"image"`
}

// Scorer scores frames. An empty score means "nothing to report".
type Scorer interface {
	Score(ctx context.Context, f Frame) (protocol.Score, error)
}

// Nop is used when no scoring service is configured.
type Nop struct{}

// Score returns an empty score.
func (Nop) Score(context.Context, Frame) (protocol.Score, error) {
	return protocol.Score{}, nil
}

// HTTPScorer posts frames as JSON and reads a score body back.
type HTTPScorer struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// New returns the scorer for cfg, or Nop when no URL is set.
func New(cfg config.InferenceConfig, logger *zap.Logger) Scorer {
	if cfg.URL == "" {
		if logger != nil {
			logger.Warn("INFERENCE_URL not set, frames will not be scored")
		}
		return Nop{}
	}
	return NewHTTPScorer(cfg.URL, cfg.Timeout, logger)
}

// NewHTTPScorer builds a scorer against url with a per-request timeout.
func NewHTTPScorer(url string, timeout time.Duration, logger *zap.Logger) *HTTPScorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPScorer{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Score submits one frame.
func (s *HTTPScorer) Score(ctx context.Context, f Frame) (protocol.Score, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return protocol.Score{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return protocol.Score{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return protocol.Score{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return protocol.Score{}, fmt.Errorf("read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.Score{}, fmt.Errorf("inference status %d", resp.StatusCode)
	}
	score, err := protocol.DecodeScore(raw)
	if errors.Is(err, protocol.ErrUnknownType) {
		return protocol.Score{}, nil
	}
	if err != nil {
		return protocol.Score{}, fmt.Errorf("decode inference response: %w", err)
	}
	s.logger.Debug("frame scored",
		zap.String("meeting_id", f.MeetingID),
		zap.Duration("took", time.Since(start)),
	)
	return score, nil
}
