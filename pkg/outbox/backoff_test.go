package outbox

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	maxBackoff := 60 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 0},
		{attempts: 1, want: 1 * time.Second},
		{attempts: 2, want: 2 * time.Second},
		{attempts: 3, want: 4 * time.Second},
		{attempts: 7, want: 60 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, backoff(tc.attempts, maxBackoff), "attempts=%d", tc.attempts)
	}
}

func TestJitterDeterministic(t *testing.T) {
	t.Parallel()

	maxJitter := 200 * time.Millisecond
	got := jitter(rand.New(rand.NewSource(1)), maxJitter)
	require.GreaterOrEqual(t, got, time.Duration(0))
	require.LessOrEqual(t, got, maxJitter)
	require.Equal(t, got, jitter(rand.New(rand.NewSource(1)), maxJitter))
	require.Zero(t, jitter(nil, maxJitter))
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	require.Empty(t, truncateError(nil, 10))
	require.Equal(t, "hello", truncateError(errors.New("hello world"), 5))
	// "é" is two bytes; cutting in the middle drops it.
	require.Equal(t, "caf", truncateError(errors.New("café"), 4))
}

func TestParseIdentifier(t *testing.T) {
	t.Parallel()

	ident, err := ParseIdentifier("public.approval_outbox")
	require.NoError(t, err)
	require.Equal(t, "public.approval_outbox", TableLabel(ident))

	_, err = ParseIdentifier("a.b.c")
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParseIdentifier("public.bad-name")
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParseIdentifier(" ")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
