package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddRejectsInvalidSchedule(t *testing.T) {
	t.Parallel()

	s := New(nil, Options{})
	require.Error(t, s.Add(Job{Name: "bad", Schedule: "whenever", Run: func(context.Context) error { return nil }}))
	require.Error(t, s.Add(Job{Name: "nil", Schedule: "* * * * *"}))
}

func TestRunDue(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)
	s := New(nil, Options{Now: func() time.Time { return start }})

	var expireRuns, validateRuns int
	require.NoError(t, s.Add(Job{Name: "expire", Schedule: "*/5 * * * *", Run: func(context.Context) error {
		expireRuns++
		return nil
	}}))
	require.NoError(t, s.Add(Job{Name: "validate", Schedule: "0 * * * *", Run: func(context.Context) error {
		validateRuns++
		return errors.New("boom")
	}}))

	require.Empty(t, s.RunDue(context.Background(), start))

	ran := s.RunDue(context.Background(), time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC))
	require.Equal(t, []string{"expire"}, ran)
	require.Equal(t, 1, expireRuns)

	// Same instant again must not re-fire.
	require.Empty(t, s.RunDue(context.Background(), time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)))

	ran = s.RunDue(context.Background(), time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC))
	require.ElementsMatch(t, []string{"expire", "validate"}, ran)
	require.Equal(t, 2, expireRuns)
	require.Equal(t, 1, validateRuns)
}
