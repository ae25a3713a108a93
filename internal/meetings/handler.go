// Package meetings serves the meeting API used by call participants: joining,
// subject lookup, and persisting verification scores.
package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veriface/callguard/internal/middleware"
	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/pkg/queue"
	"github.com/veriface/callguard/pkg/response"
)

// Store is the persistence the handler needs. *Repository implements it.
type Store interface {
	Create(ctx context.Context, m *models.Meeting) error
	GetByCode(ctx context.Context, code string) (*models.Meeting, error)
	ClaimClient(ctx context.Context, meetingID, clientID uuid.UUID) (uuid.UUID, error)
	GetResult(ctx context.Context, meetingID, clientID uuid.UUID) (*models.VerificationResult, error)
	UpsertScores(ctx context.Context, v *models.VerificationResult, ip string) error
}

// Archiver queues persisted snapshots for the audit archive. *queue.Queue implements it.
type Archiver interface {
	EnqueueArchive(ctx context.Context, payload queue.ArchivePayload) error
}

// TokenIssuer mints call tokens. *zego.Issuer implements it.
type TokenIssuer interface {
	AppID() uint32
	RoomToken(roomID, userID string, publish bool) (string, error)
}

// CreateRequest is the body for POST /meetings.
type CreateRequest struct {
	Title       string  `json:"title"`
	MeetingCode string  `json:"meeting_code"`
	ClientID    *string `json:"client_id" binding:"omitempty,uuid"`
}

// JoinResponse is returned by GET /meetings/join/:code.
type JoinResponse struct {
	AppID    uint32     `json:"appId"`
	Token    string     `json:"token"`
	UID      string     `json:"uid"`
	Role     string     `json:"role"`
	ClientID *uuid.UUID `json:"client_id"`
	HostID   uuid.UUID  `json:"host_id"`
}

// PendingResult is returned by GET /meetings/:code/result before any scores are stored.
type PendingResult struct {
	Status    string     `json:"status"`
	ClientID  *uuid.UUID `json:"client_id"`
	MeetingID uuid.UUID  `json:"meeting_id"`
}

// Handler handles meeting HTTP endpoints.
type Handler struct {
	store    Store
	archiver Archiver
	tokens   TokenIssuer
	logger   *zap.Logger
}

// NewHandler creates a meeting handler. archiver and tokens may be nil.
func NewHandler(store Store, archiver Archiver, tokens TokenIssuer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, archiver: archiver, tokens: tokens, logger: logger}
}

// Register mounts the meeting routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("", middleware.RequireReviewer(), h.Create)
	g.GET("/join/:code", h.Join)
	g.GET("/:code/result", h.Result)
	g.POST("/:code/scores", middleware.RequireReviewer(), h.PersistScores)
}

// Create handles POST /meetings (reviewer roles).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	m := &models.Meeting{
		MeetingCode: req.MeetingCode,
		Title:       req.Title,
		HostID:      userID,
	}
	if m.MeetingCode == "" {
		m.MeetingCode = uuid.NewString()[:12]
	}
	if req.ClientID != nil {
		id := uuid.MustParse(*req.ClientID)
		m.ClientID = &id
	}
	if err := h.store.Create(c.Request.Context(), m); err != nil {
		h.logger.Error("create meeting", zap.Error(err))
		response.Internal(c, "failed to create meeting")
		return
	}
	response.Created(c, m)
}

// Join handles GET /meetings/join/:code. A client joining a meeting without a
// client on record becomes its subject.
func (h *Handler) Join(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role := c.GetString(middleware.ContextUserRole)

	m, ok := h.meeting(c, code)
	if !ok {
		return
	}
	if role == models.AccountRoleClient {
		current, err := h.store.ClaimClient(ctx, m.ID, userID)
		if err != nil {
			h.logger.Error("claim meeting client", zap.String("meeting_code", code), zap.Error(err))
			response.Internal(c, "failed to join meeting")
			return
		}
		if current != userID {
			h.logger.Warn("meeting client mismatch",
				zap.String("meeting_code", code),
				zap.String("client_id", current.String()),
				zap.String("user_id", userID.String()),
			)
		}
		m.ClientID = &current
	}

	resp := JoinResponse{
		UID:      userID.String(),
		Role:     role,
		ClientID: m.ClientID,
		HostID:   m.HostID,
	}
	if h.tokens == nil {
		h.logger.Warn("call tokens not configured", zap.String("meeting_code", code))
	} else {
		token, err := h.tokens.RoomToken(m.MeetingCode, resp.UID, true)
		if err != nil {
			h.logger.Error("generate call token", zap.Error(err))
			response.Internal(c, "token generation failed")
			return
		}
		resp.AppID = h.tokens.AppID()
		resp.Token = token
	}
	response.OK(c, resp)
}

// Result handles GET /meetings/:code/result.
func (h *Handler) Result(c *gin.Context) {
	m, ok := h.meeting(c, c.Param("code"))
	if !ok {
		return
	}
	pending := PendingResult{Status: "pending", ClientID: m.ClientID, MeetingID: m.ID}
	if m.ClientID == nil {
		response.OK(c, pending)
		return
	}
	res, err := h.store.GetResult(c.Request.Context(), m.ID, *m.ClientID)
	if errors.Is(err, ErrNotFound) {
		response.OK(c, pending)
		return
	}
	if err != nil {
		h.logger.Error("get verification result", zap.Error(err))
		response.Internal(c, "failed to load result")
		return
	}
	response.OK(c, res)
}

// PersistScores handles POST /meetings/:code/scores (reviewer roles). Only the
// scores present in the body overwrite stored ones.
func (h *Handler) PersistScores(c *gin.Context) {
	var req models.ScoresPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	code := c.Param("code")

	m, err := h.store.GetByCode(ctx, code)
	if errors.Is(err, ErrNotFound) || (err == nil && m.ClientID == nil) {
		response.OK(c, gin.H{"ok": false})
		return
	}
	if err != nil {
		h.logger.Error("get meeting", zap.String("meeting_code", code), zap.Error(err))
		response.Internal(c, "failed to load meeting")
		return
	}

	v := &models.VerificationResult{
		MeetingID: m.ID,
		ClientID:  *m.ClientID,
		SavedBy:   req.SavedBy,
	}
	if req.Liveness != nil {
		v.LivenessScore = &req.Liveness.Score
	}
	if req.Deepfake != nil {
		v.DeepfakeScore = &req.Deepfake.Score
	}
	if req.FaceMatch != nil {
		v.FaceMatchScore = &req.FaceMatch.Distance
	}
	applyVerdict(v)

	if err := h.store.UpsertScores(ctx, v, c.ClientIP()); err != nil {
		h.logger.Error("persist scores", zap.String("meeting_code", code), zap.Error(err))
		response.Internal(c, "failed to persist scores")
		return
	}
	h.logger.Info("scores persisted",
		zap.String("meeting_code", code),
		zap.String("saved_by", req.SavedBy),
	)
	h.archive(ctx, m, v, req)
	response.OK(c, gin.H{"ok": true})
}

func (h *Handler) archive(ctx context.Context, m *models.Meeting, v *models.VerificationResult, req models.ScoresPayload) {
	if h.archiver == nil {
		return
	}
	snapshot, err := json.Marshal(req)
	if err != nil {
		return
	}
	payload := queue.ArchivePayload{
		MeetingID:      m.ID,
		MeetingCode:    m.MeetingCode,
		ClientID:       v.ClientID,
		SavedBy:        v.SavedBy,
		LivenessScore:  v.LivenessScore,
		DeepfakeScore:  v.DeepfakeScore,
		FaceMatchScore: v.FaceMatchScore,
		Snapshot:       snapshot,
		SavedAt:        time.Now().UTC(),
	}
	if err := h.archiver.EnqueueArchive(ctx, payload); err != nil {
		h.logger.Warn("enqueue archive", zap.String("meeting_code", m.MeetingCode), zap.Error(err))
	}
}

func (h *Handler) meeting(c *gin.Context, code string) (*models.Meeting, bool) {
	m, err := h.store.GetByCode(c.Request.Context(), code)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "meeting not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get meeting", zap.String("meeting_code", code), zap.Error(err))
		response.Internal(c, "failed to load meeting")
		return nil, false
	}
	return m, true
}
