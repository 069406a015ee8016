package composables

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/pkg/constants"
)

var ErrNoActor = errors.New("no actor found in context")

// Actor is the authenticated caller together with the team/organization it acts in.
type Actor struct {
	UserID          uuid.UUID
	OrganizationID  uuid.UUID
	TeamID          uuid.UUID
	MembershipLevel int
}

func (a Actor) Valid() bool {
	return a.UserID != uuid.Nil && a.OrganizationID != uuid.Nil && a.TeamID != uuid.Nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, constants.ActorKey, actor)
}

func UseActor(ctx context.Context) (Actor, error) {
	actor, ok := ctx.Value(constants.ActorKey).(Actor)
	if !ok || !actor.Valid() {
		return Actor{}, ErrNoActor
	}
	return actor, nil
}
