package authz

import (
	"fmt"

	"github.com/iota-uz/approvalgate/pkg/serrors"
)

const (
	errorCodeForbidden = "AUTHZ_FORBIDDEN"
	errorLocaleKey     = "Authorization.PermissionDenied"
)

// ErrForbidden is the sentinel behind every denied Authorize call.
var ErrForbidden = serrors.NewError(errorCodeForbidden, "permission denied", errorLocaleKey)

type forbidden struct {
	*serrors.BaseError
}

func (f forbidden) Unwrap() error {
	return ErrForbidden
}

// forbiddenError builds a standardized error for denied policies.
func forbiddenError(req Request) error {
	return forbidden{ErrForbidden.WithTemplateData(map[string]string{
		"object":  req.Object,
		"action":  req.Action,
		"domain":  req.Domain,
		"subject": req.Subject,
	})}
}

// configError standardizes configuration validation errors.
func configError(msg string, args ...any) error {
	return fmt.Errorf("authz: "+msg, args...)
}
