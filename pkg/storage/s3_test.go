package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArchiveKey(t *testing.T) {
	at := time.Unix(0, 1700000000123456789)
	assert.Equal(t, "verifications/abc-123/1700000000123456789.json", ArchiveKey("abc-123", at))
	assert.Equal(t, "verifications/evil/1.json", ArchiveKey("../evil", time.Unix(0, 1)))
}
