package queue

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobRoundTrip(t *testing.T) {
	p := ArchivePayload{MeetingID: uuid.New(), MeetingCode: "abc", SavedBy: "admin_termination"}
	raw, job, err := newJob(JobTypeVerificationArchive, p)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	got, err := decodeJob(string(raw))
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, JobTypeVerificationArchive, got.Type)

	var back ArchivePayload
	require.NoError(t, json.Unmarshal(got.Payload, &back))
	assert.Equal(t, "abc", back.MeetingCode)
}

func TestDecodeJobRejectsIncomplete(t *testing.T) {
	_, err := decodeJob(`{"type":"verification_archive"}`)
	assert.Error(t, err)
	_, err = decodeJob(`nope`)
	assert.Error(t, err)
}

func TestExhausted(t *testing.T) {
	job := &Job{Attempt: MaxRetries - 1}
	assert.False(t, exhausted(job))
	job.Attempt++
	assert.True(t, exhausted(job))
}
