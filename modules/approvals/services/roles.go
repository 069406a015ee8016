package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/pkg/authz"
)

// RoleResolver answers role membership questions within an organization.
type RoleResolver interface {
	ResolveUserIDsForRoles(ctx context.Context, organizationID uuid.UUID, roles []string) ([]uuid.UUID, error)
	RolesForUser(ctx context.Context, organizationID, userID uuid.UUID) ([]string, error)
}

type authzRoleResolver struct {
	authz *authz.Service
}

// NewAuthzRoleResolver resolves roles from casbin grouping policies.
func NewAuthzRoleResolver(svc *authz.Service) RoleResolver {
	return &authzRoleResolver{authz: svc}
}

func (r *authzRoleResolver) ResolveUserIDsForRoles(ctx context.Context, organizationID uuid.UUID, roles []string) ([]uuid.UUID, error) {
	return r.authz.UsersForRoles(ctx, organizationID, roles)
}

func (r *authzRoleResolver) RolesForUser(ctx context.Context, organizationID, userID uuid.UUID) ([]string, error) {
	return r.authz.RolesForUser(ctx, organizationID, userID)
}
