// Package protocol defines the messages carried on the verification channel.
//
// Every message carries a "type" discriminator. Decoding stays lenient towards
// untyped traffic so older capture clients keep working: an object with an
// "image" (or "frame") key is a frame, an object with any score key is a score.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/veriface/callguard/internal/models"
)

// Type discriminates channel messages.
type Type string

const (
	TypeFrame Type = "frame"
	TypePing  Type = "ping"
	TypeScore Type = "score"
)

const jpegDataURLPrefix = "data:image/jpeg;base64,"

var (
	// ErrUnknownType is returned for messages that are neither frame, ping nor score.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrEmptyFrame is returned for frame messages without image data.
	ErrEmptyFrame = errors.New("protocol: frame without image")
)

// Frame carries one encoded camera still, subject -> service.
type Frame struct {
	Type  Type   `json:"type"`
	Image string `json:"image"`
}

// NewFrame wraps a data-URL encoded JPEG.
func NewFrame(dataURL string) Frame {
	return Frame{Type: TypeFrame, Image: dataURL}
}

// Ping is the reviewer keepalive. The scoring service ignores it.
type Ping struct {
	Type Type `json:"type"`
}

// NewPing returns a heartbeat message.
func NewPing() Ping {
	return Ping{Type: TypePing}
}

// FaceMatch is the wire form of a face-match verdict. HasReference is optional and
// tells observers whether the subject has a reference face on file.
type FaceMatch struct {
	models.FaceMatch
	HasReference *bool `json:"has_reference,omitempty"`
}

// Score is a (possibly partial) verdict update, service -> all participants.
// Nil sub-objects mean "unchanged".
type Score struct {
	Type      Type             `json:"type,omitempty"`
	Liveness  *models.Liveness `json:"liveness,omitempty"`
	Deepfake  *models.Deepfake `json:"deepfake,omitempty"`
	FaceMatch *FaceMatch       `json:"face_match,omitempty"`
}

// Empty reports whether the score carries no sub-object at all.
func (s Score) Empty() bool {
	return s.Liveness == nil && s.Deepfake == nil && s.FaceMatch == nil
}

// UnmarshalJSON accepts the legacy liveness key "status" as an alias for "passed".
func (s *Score) UnmarshalJSON(b []byte) error {
	type plain Score
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Score(p)
	if s.Liveness != nil {
		var legacy struct {
			Liveness struct {
				Passed *bool `json:"passed"`
				Status *bool `json:"status"`
			} `json:"liveness"`
		}
		if err := json.Unmarshal(b, &legacy); err == nil && legacy.Liveness.Passed == nil && legacy.Liveness.Status != nil {
			s.Liveness.Passed = *legacy.Liveness.Status
		}
	}
	return nil
}

// Inbound is a decoded message of any kind.
type Inbound struct {
	Type  Type
	Image string
	Score Score
}

// Decode classifies and decodes one channel message.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type      Type            `json:"type"`
		Image     string          `json:"image"`
		Frame     string          `json:"frame"`
		Liveness  json.RawMessage `json:"liveness"`
		Deepfake  json.RawMessage `json:"deepfake"`
		FaceMatch json.RawMessage `json:"face_match"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	typ := head.Type
	if typ == "" {
		switch {
		case head.Image != "" || head.Frame != "":
			typ = TypeFrame
		case present(head.Liveness) || present(head.Deepfake) || present(head.FaceMatch):
			typ = TypeScore
		}
	}
	switch typ {
	case TypePing:
		return Inbound{Type: TypePing}, nil
	case TypeFrame:
		img := head.Image
		if img == "" {
			img = head.Frame
		}
		if img == "" {
			return Inbound{}, ErrEmptyFrame
		}
		return Inbound{Type: TypeFrame, Image: img}, nil
	case TypeScore:
		var s Score
		if err := json.Unmarshal(data, &s); err != nil {
			return Inbound{}, fmt.Errorf("decode score: %w", err)
		}
		s.Type = TypeScore
		return Inbound{Type: TypeScore, Score: s}, nil
	default:
		return Inbound{}, ErrUnknownType
	}
}

// DecodeScore decodes a message that must be a score.
func DecodeScore(data []byte) (Score, error) {
	in, err := Decode(data)
	if err != nil {
		return Score{}, err
	}
	if in.Type != TypeScore {
		return Score{}, fmt.Errorf("%w: got %q, want score", ErrUnknownType, in.Type)
	}
	return in.Score, nil
}

// EncodeDataURL wraps raw JPEG bytes as a data URL.
func EncodeDataURL(jpeg []byte) string {
	return jpegDataURLPrefix + base64.StdEncoding.EncodeToString(jpeg)
}

// DecodeDataURL returns the raw bytes of a base64 data URL; a bare base64 string is accepted too.
func DecodeDataURL(s string) ([]byte, error) {
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return raw, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
