package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		// No status churn back to pending: retries live in the queue's
		// attempt counter.
		{StatusActive, StatusPending, false},
		{StatusActive, StatusCancelled, false},
		{StatusCompleted, StatusActive, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusActive, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestParseJobStatus(t *testing.T) {
	s, err := ParseJobStatus("pending")
	assert.NoError(t, err)
	assert.Equal(t, StatusPending, s)

	_, err = ParseJobStatus("QUEUED")
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	assert.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("urgent")
	assert.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("asap")
	assert.Error(t, err)
}

func TestPrioritiesMostUrgentFirst(t *testing.T) {
	ps := Priorities()
	assert.Equal(t, []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}, ps)
}
