package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/approvalgate/pkg/composables"
)

const (
	HeaderUserID          = "X-User-ID"
	HeaderOrganizationID  = "X-Organization-ID"
	HeaderTeamID          = "X-Team-ID"
	HeaderMembershipLevel = "X-Membership-Level"
)

// WithActor reads the caller identity set by the upstream authenticating
// proxy. Requests with missing or malformed headers continue without an actor.
func WithActor() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := actorFromHeaders(r.Header)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(composables.WithActor(r.Context(), actor)))
		})
	}
}

func actorFromHeaders(h http.Header) (composables.Actor, bool) {
	parse := func(name string) (uuid.UUID, bool) {
		id, err := uuid.Parse(strings.TrimSpace(h.Get(name)))
		return id, err == nil && id != uuid.Nil
	}
	userID, ok1 := parse(HeaderUserID)
	orgID, ok2 := parse(HeaderOrganizationID)
	teamID, ok3 := parse(HeaderTeamID)
	if !ok1 || !ok2 || !ok3 {
		return composables.Actor{}, false
	}
	level, _ := strconv.Atoi(strings.TrimSpace(h.Get(HeaderMembershipLevel)))
	return composables.Actor{
		UserID:          userID,
		OrganizationID:  orgID,
		TeamID:          teamID,
		MembershipLevel: level,
	}, true
}
