// Package callapi is the participant-side client of the meeting API:
// joining a call, looking up the subject of a meeting and persisting scores.
package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veriface/callguard/internal/models"
)

// ErrNotYetAvailable is returned by MeetingResult while the subject has not joined.
var ErrNotYetAvailable = errors.New("callapi: subject not yet known")

// APIError is a non-2xx response from the meeting API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("callapi: status %d", e.Status)
	}
	return fmt.Sprintf("callapi: status %d: %s", e.Status, e.Message)
}

// JoinResponse is what the API hands back when a participant joins a meeting.
type JoinResponse struct {
	AppID       uint32 `json:"appId"`
	Token       string `json:"token"`
	UID         string `json:"uid"`
	AccountRole string `json:"role"`
	ClientID    string `json:"client_id,omitempty"`
	HostID      string `json:"host_id,omitempty"`
}

// Role maps the account role to the call role.
func (j JoinResponse) Role() models.Role {
	return models.RoleFromAccount(j.AccountRole)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client talks to the meeting API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient returns a client for baseURL. A nil httpClient gets a 15s timeout client.
func NewClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger,
	}
}

// BaseURL returns the API origin, also used to derive the verification channel URL.
func (c *Client) BaseURL() string { return c.baseURL }

// JoinCall joins the meeting and returns the call credentials and the caller's role.
func (c *Client) JoinCall(ctx context.Context, meetingID string) (JoinResponse, error) {
	var out JoinResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/meetings/join/"+url.PathEscape(meetingID), nil, &out)
	if err != nil {
		return JoinResponse{}, fmt.Errorf("join %s: %w", meetingID, err)
	}
	return out, nil
}

// MeetingResult returns the subject id of the meeting, or ErrNotYetAvailable.
func (c *Client) MeetingResult(ctx context.Context, meetingID string) (string, error) {
	var out struct {
		Status   string `json:"status"`
		ClientID string `json:"client_id"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/meetings/"+url.PathEscape(meetingID)+"/result", nil, &out)
	if err != nil {
		return "", fmt.Errorf("result %s: %w", meetingID, err)
	}
	if out.ClientID == "" {
		return "", ErrNotYetAvailable
	}
	return out.ClientID, nil
}

// PersistScores stores the snapshot for the meeting's subject.
func (c *Client) PersistScores(ctx context.Context, meetingID string, state models.VerificationState, savedBy string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	body := models.NewScoresPayload(state, savedBy)
	if err := c.do(ctx, http.MethodPost, "/api/v1/meetings/"+url.PathEscape(meetingID)+"/scores", body, &out); err != nil {
		return fmt.Errorf("persist scores %s: %w", meetingID, err)
	}
	if !out.OK {
		return fmt.Errorf("persist scores %s: not stored", meetingID)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
