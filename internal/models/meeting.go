package models

import (
	"time"

	"github.com/google/uuid"
)

// Meeting is one verification call, addressed by its opaque meeting code.
type Meeting struct {
	ID          uuid.UUID  `json:"id"`
	MeetingCode string     `json:"meeting_code"`
	Title       string     `json:"title"`
	HostID      uuid.UUID  `json:"host_id"`
	ClientID    *uuid.UUID `json:"client_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
