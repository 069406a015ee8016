package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Service provides helpers for enforcing authorization decisions and
// resolving role membership inside an organization domain.
type Service struct {
	cfg          Config
	enforcer     *casbin.Enforcer
	logger       *logrus.Entry
	flagProvider FlagProvider
	mu           sync.RWMutex
}

// NewService constructs a Service with the provided config.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	var logger *logrus.Entry
	if cfg.Logger != nil {
		logger = cfg.Logger.WithField("component", "authz")
	} else {
		logger = logrus.WithField("component", "authz")
	}

	enf, err := casbin.NewEnforcer(cfg.ModelPath, fileadapter.NewAdapter(cfg.PolicyPath))
	if err != nil {
		return nil, fmt.Errorf("authz: failed to initialize enforcer: %w", err)
	}
	if err := enf.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("authz: failed to load policies: %w", err)
	}

	provider := cfg.FlagProvider
	if provider == nil {
		provider = NewStaticFlagProvider(cfg.Mode)
	}

	return &Service{
		cfg:          cfg,
		enforcer:     enf,
		logger:       logger,
		flagProvider: provider,
	}, nil
}

func (s *Service) Mode() Mode {
	return sanitizeMode(s.flagProvider.Mode())
}

// Authorize returns an error if the request is denied. In shadow mode denials
// are only logged.
func (s *Service) Authorize(ctx context.Context, req Request) error {
	mode := s.Mode()
	if mode == ModeDisabled {
		return nil
	}
	allowed, err := s.Check(ctx, req)
	if err != nil {
		return err
	}
	recordDecision(mode, allowed)
	if allowed {
		return nil
	}

	entry := s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"subject": req.Subject,
		"domain":  req.Domain,
		"object":  req.Object,
		"action":  req.Action,
		"mode":    mode,
	})
	if mode == ModeEnforce {
		entry.Warn("authz denied request")
		return forbiddenError(req)
	}
	entry.Warn("authz shadow deny")
	return nil
}

// Check evaluates a request without returning an authorization error.
func (s *Service) Check(_ context.Context, req Request) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.enforcer.Enforce(req.Subject, req.Domain, req.Object, req.Action)
	if err != nil {
		return false, fmt.Errorf("authz: enforce failed: %w", err)
	}
	return res, nil
}

// RolesForUser lists role slugs granted to the user within the organization.
func (s *Service) RolesForUser(_ context.Context, organizationID, userID uuid.UUID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := s.enforcer.GetRolesForUserInDomain(SubjectForUser(userID), DomainFromOrganization(organizationID))
	roles := make([]string, 0, len(subjects))
	for _, sub := range subjects {
		if role, ok := RoleFromSubject(sub); ok {
			roles = append(roles, role)
		}
	}
	sort.Strings(roles)
	return roles, nil
}

// UsersForRoles expands role slugs into the distinct set of member user IDs
// within the organization, in a stable order.
func (s *Service) UsersForRoles(_ context.Context, organizationID uuid.UUID, roles []string) ([]uuid.UUID, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	domain := DomainFromOrganization(organizationID)
	seen := make(map[uuid.UUID]struct{})
	var users []uuid.UUID
	for _, role := range roles {
		for _, sub := range s.enforcer.GetUsersForRoleInDomain(SubjectForRole(role), domain) {
			id, ok := UserFromSubject(sub)
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			users = append(users, id)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].String() < users[j].String() })
	return users, nil
}

// GrantRole adds an in-memory role assignment. It is not persisted to the policy file.
func (s *Service) GrantRole(organizationID, userID uuid.UUID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.enforcer.AddRoleForUserInDomain(SubjectForUser(userID), SubjectForRole(role), DomainFromOrganization(organizationID))
	if err != nil {
		return fmt.Errorf("authz: grant role failed: %w", err)
	}
	return nil
}

// ReloadPolicy reloads policy data from disk.
func (s *Service) ReloadPolicy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enforcer.LoadPolicy(); err != nil {
		return fmt.Errorf("authz: reload policy failed: %w", err)
	}
	s.logger.WithContext(ctx).Info("authz policy reloaded")
	return nil
}

var (
	defaultServiceOnce sync.Once
	defaultService     *Service
	defaultServiceErr  error
)

// Use returns a singleton Service configured via environment variables.
func Use() *Service {
	defaultServiceOnce.Do(func() {
		defaultService, defaultServiceErr = NewService(DefaultConfig())
	})
	if defaultServiceErr != nil {
		panic(defaultServiceErr)
	}
	return defaultService
}
