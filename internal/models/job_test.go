package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusDelayed, StatusFailed, StatusPending, StatusCancelled},
		StatusDelayed:    {StatusPending, StatusCancelled},
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range Statuses {
		if !s.Terminal() {
			continue
		}
		for _, to := range Statuses {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
}

func TestTransitionStampsUpdatedAt(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	j := &Job{Status: StatusPending}

	require.NoError(t, j.Transition(StatusProcessing, now))
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, now, j.UpdatedAt)

	err := j.Transition(StatusPending, now)
	require.NoError(t, err)

	err = j.Transition(StatusCompleted, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusPending, j.Status)
}

func TestCloneDoesNotAlias(t *testing.T) {
	started := time.Now()
	msg := "boom"
	j := &Job{Payload: []byte(`{"a":1}`), Error: &msg, StartedAt: &started}

	c := j.Clone()
	c.Payload[0] = 'x'
	*c.Error = "changed"
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, `{"a":1}`, string(j.Payload))
	assert.Equal(t, "boom", *j.Error)
	assert.Equal(t, started, *j.StartedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}
