// Package zego mints ZEGOCLOUD token04 call tokens for meeting participants.
package zego

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZEGOCLOUD/zego_server_assistant/token/go/src/token04"

	"github.com/veriface/callguard/config"
)

// ErrNotConfigured is returned when app id or server secret are missing.
var ErrNotConfigured = errors.New("zego: app_id and server_secret required")

// roomPayload restricts a token to one room. See ZEGOCLOUD token04 docs.
type roomPayload struct {
	RoomID       string      `json:"RoomId"`
	Privilege    map[int]int `json:"Privilege"`
	StreamIDList []string    `json:"StreamIdList,omitempty"`
}

// Issuer mints call tokens for one app.
type Issuer struct {
	appID  uint32
	secret string
	ttl    time.Duration
}

// NewIssuer validates cfg. serverSecret must be 32 characters.
func NewIssuer(cfg config.ZegoConfig) (*Issuer, error) {
	if cfg.AppID == 0 || cfg.ServerSecret == "" {
		return nil, ErrNotConfigured
	}
	if len(cfg.ServerSecret) != 32 {
		return nil, fmt.Errorf("zego: server_secret must be 32 characters")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{appID: cfg.AppID, secret: cfg.ServerSecret, ttl: ttl}, nil
}

// AppID is returned to clients alongside the token.
func (i *Issuer) AppID() uint32 { return i.appID }

// RoomToken returns a token that lets userID log into the meeting room and,
// when publish is set, publish media.
func (i *Issuer) RoomToken(roomID, userID string, publish bool) (string, error) {
	privilege := map[int]int{
		token04.PrivilegeKeyLogin:   token04.PrivilegeEnable,
		token04.PrivilegeKeyPublish: token04.PrivilegeDisable,
	}
	if publish {
		privilege[token04.PrivilegeKeyPublish] = token04.PrivilegeEnable
	}
	payload, err := json.Marshal(roomPayload{RoomID: roomID, Privilege: privilege})
	if err != nil {
		return "", fmt.Errorf("zego: marshal payload: %w", err)
	}
	return token04.GenerateToken04(i.appID, userID, i.secret, int64(i.ttl/time.Second), string(payload))
}
