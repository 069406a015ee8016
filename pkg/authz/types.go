package authz

import (
	"strings"

	"github.com/google/uuid"
)

const (
	globalDomain          = "global"
	subjectUserPrefix     = "user"
	rolePrefix            = "role"
	objectSeparator       = "."
	subjectSeparator      = ":"
	defaultActionWildcard = "*"
)

// Request encapsulates all parameters required to evaluate a Casbin rule.
type Request struct {
	Subject string
	Domain  string
	Object  string
	Action  string
}

func NewRequest(subject, domain, object, action string) Request {
	return Request{
		Subject: subject,
		Domain:  domain,
		Object:  object,
		Action:  action,
	}
}

// SubjectForUser builds a subject identifier in the form user:{userID}.
func SubjectForUser(userID uuid.UUID) string {
	userPart := "anonymous"
	if userID != uuid.Nil {
		userPart = userID.String()
	}
	return subjectUserPrefix + subjectSeparator + userPart
}

// UserFromSubject is the inverse of SubjectForUser.
func UserFromSubject(subject string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(subject, subjectUserPrefix+subjectSeparator)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// SubjectForRole returns the canonical identifier for a role-based subject.
func SubjectForRole(roleSlug string) string {
	roleSlug = strings.ToLower(strings.TrimSpace(roleSlug))
	if roleSlug == "" {
		roleSlug = "unnamed"
	}
	if strings.HasPrefix(roleSlug, rolePrefix+subjectSeparator) {
		return roleSlug
	}
	return rolePrefix + subjectSeparator + roleSlug
}

// RoleFromSubject strips the role prefix, reporting false for non-role subjects.
func RoleFromSubject(subject string) (string, bool) {
	return strings.CutPrefix(subject, rolePrefix+subjectSeparator)
}

// DomainFromOrganization converts an organization ID into a casbin domain string.
func DomainFromOrganization(id uuid.UUID) string {
	if id == uuid.Nil {
		return globalDomain
	}
	return strings.ToLower(id.String())
}

// ObjectName returns the canonical module.resource string, lowercased.
func ObjectName(module, resource string) string {
	module = strings.ToLower(strings.TrimSpace(module))
	resource = strings.ToLower(strings.TrimSpace(resource))
	if module == "" {
		module = "global"
	}
	if resource == "" {
		resource = "resource"
	}
	return module + objectSeparator + resource
}

func NormalizeAction(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return defaultActionWildcard
	}
	return action
}
