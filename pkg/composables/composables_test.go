package composables

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestUseActor(t *testing.T) {
	t.Parallel()

	_, err := UseActor(context.Background())
	require.ErrorIs(t, err, ErrNoActor)

	partial := WithActor(context.Background(), Actor{UserID: uuid.New()})
	_, err = UseActor(partial)
	require.ErrorIs(t, err, ErrNoActor)

	want := Actor{UserID: uuid.New(), OrganizationID: uuid.New(), TeamID: uuid.New(), MembershipLevel: 8}
	got, err := UseActor(WithActor(context.Background(), want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUseTxWithoutPool(t *testing.T) {
	t.Parallel()

	_, err := UseTx(context.Background())
	require.ErrorIs(t, err, ErrNoPool)
}

func TestUseLoggerFallsBack(t *testing.T) {
	t.Parallel()

	require.NotNil(t, UseLogger(context.Background()))
}
