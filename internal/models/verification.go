package models

import (
	"time"

	"github.com/google/uuid"
)

// Liveness is the latest liveness verdict for a subject.
type Liveness struct {
	Passed    bool    `json:"passed"`
	Score     float64 `json:"score"`
	Challenge string  `json:"challenge"`
}

// Deepfake is the latest deepfake verdict for a subject.
type Deepfake struct {
	IsDeepfake bool    `json:"is_deepfake"`
	Score      float64 `json:"score"`
}

// FaceMatch is the latest face-match verdict against the subject's reference face.
type FaceMatch struct {
	IsMatch  bool    `json:"is_match"`
	Distance float64 `json:"distance"`
}

// VerificationState is the current belief about a subject: one snapshot, not a history.
type VerificationState struct {
	Liveness  Liveness  `json:"liveness"`
	Deepfake  Deepfake  `json:"deepfake"`
	FaceMatch FaceMatch `json:"face_match"`
}

// DefaultVerificationState returns the worst-case snapshot used before any score arrives.
func DefaultVerificationState() VerificationState {
	return VerificationState{
		Liveness:  Liveness{Passed: false, Score: 0, Challenge: "none"},
		Deepfake:  Deepfake{IsDeepfake: false, Score: 0},
		FaceMatch: FaceMatch{IsMatch: false, Distance: 1.0},
	}
}

// SavedByAdminTermination tags a snapshot persisted because the reviewer ended the call.
const SavedByAdminTermination = "admin_termination"

// VerificationResult is the persisted per-meeting verification outcome.
type VerificationResult struct {
	ID             uuid.UUID `json:"id"`
	MeetingID      uuid.UUID `json:"meeting_id"`
	ClientID       uuid.UUID `json:"client_id"`
	LivenessScore  *float64  `json:"liveness_score,omitempty"`
	DeepfakeScore  *float64  `json:"deepfake_score,omitempty"`
	FaceMatchScore *float64  `json:"face_match_score,omitempty"`
	IsPass         *bool     `json:"is_pass,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	SavedBy        string    `json:"saved_by,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScoresPayload is the body of a score persistence request. Nil sub-objects leave stored scores untouched.
type ScoresPayload struct {
	Liveness  *Liveness  `json:"liveness,omitempty"`
	Deepfake  *Deepfake  `json:"deepfake,omitempty"`
	FaceMatch *FaceMatch `json:"face_match,omitempty"`
	SavedBy   string     `json:"saved_by,omitempty"`
}

// NewScoresPayload wraps a full snapshot for persistence.
func NewScoresPayload(s VerificationState, savedBy string) ScoresPayload {
	return ScoresPayload{
		Liveness:  &s.Liveness,
		Deepfake:  &s.Deepfake,
		FaceMatch: &s.FaceMatch,
		SavedBy:   savedBy,
	}
}
