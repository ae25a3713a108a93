package meetings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriface/callguard/internal/models"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("meetings: not found")

// Repository handles meeting and verification result persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a meeting repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new meeting.
func (r *Repository) Create(ctx context.Context, m *models.Meeting) error {
	const q = `INSERT INTO meetings (meeting_code, title, host_id, client_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, m.MeetingCode, m.Title, m.HostID, m.ClientID).
		Scan(&m.ID, &m.CreatedAt)
}

// GetByCode returns a meeting by its code.
func (r *Repository) GetByCode(ctx context.Context, code string) (*models.Meeting, error) {
	const q = `SELECT id, meeting_code, title, host_id, client_id, created_at
		FROM meetings WHERE meeting_code = $1`
	var m models.Meeting
	err := r.pool.QueryRow(ctx, q, code).Scan(&m.ID, &m.MeetingCode, &m.Title, &m.HostID, &m.ClientID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ClaimClient sets the meeting's client if it has none and returns the client
// now on record, which differs from clientID when another user claimed first.
func (r *Repository) ClaimClient(ctx context.Context, meetingID, clientID uuid.UUID) (uuid.UUID, error) {
	const q = `UPDATE meetings SET client_id = COALESCE(client_id, $2)
		WHERE id = $1
		RETURNING client_id`
	var current uuid.UUID
	err := r.pool.QueryRow(ctx, q, meetingID, clientID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return current, err
}

// GetResult returns the stored verification result for a meeting's client.
func (r *Repository) GetResult(ctx context.Context, meetingID, clientID uuid.UUID) (*models.VerificationResult, error) {
	const q = `SELECT id, meeting_id, client_id, liveness_score, deepfake_score, face_match_score,
		is_pass, failure_reason, saved_by, updated_at
		FROM verification_results WHERE meeting_id = $1 AND client_id = $2`
	var v models.VerificationResult
	err := r.pool.QueryRow(ctx, q, meetingID, clientID).Scan(&v.ID, &v.MeetingID, &v.ClientID,
		&v.LivenessScore, &v.DeepfakeScore, &v.FaceMatchScore, &v.IsPass, &v.FailureReason, &v.SavedBy, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// UpsertScores writes v keyed on (meeting_id, client_id). Nil scores and verdicts
// keep the stored values. v is updated with the resulting row.
func (r *Repository) UpsertScores(ctx context.Context, v *models.VerificationResult, ip string) error {
	const q = `INSERT INTO verification_results
		(meeting_id, client_id, liveness_score, deepfake_score, face_match_score, is_pass, failure_reason, saved_by, ip_address, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (meeting_id, client_id) DO UPDATE SET
			liveness_score   = COALESCE(EXCLUDED.liveness_score, verification_results.liveness_score),
			deepfake_score   = COALESCE(EXCLUDED.deepfake_score, verification_results.deepfake_score),
			face_match_score = COALESCE(EXCLUDED.face_match_score, verification_results.face_match_score),
			is_pass          = COALESCE(EXCLUDED.is_pass, verification_results.is_pass),
			failure_reason   = CASE WHEN EXCLUDED.is_pass IS NULL THEN verification_results.failure_reason ELSE EXCLUDED.failure_reason END,
			saved_by         = CASE WHEN EXCLUDED.saved_by = '' THEN verification_results.saved_by ELSE EXCLUDED.saved_by END,
			ip_address       = CASE WHEN EXCLUDED.ip_address = '' THEN verification_results.ip_address ELSE EXCLUDED.ip_address END,
			updated_at       = NOW()
		RETURNING id, liveness_score, deepfake_score, face_match_score, is_pass, failure_reason, saved_by, updated_at`
	return r.pool.QueryRow(ctx, q, v.MeetingID, v.ClientID, v.LivenessScore, v.DeepfakeScore, v.FaceMatchScore,
		v.IsPass, v.FailureReason, v.SavedBy, ip).
		Scan(&v.ID, &v.LivenessScore, &v.DeepfakeScore, &v.FaceMatchScore, &v.IsPass, &v.FailureReason, &v.SavedBy, &v.UpdatedAt)
}
