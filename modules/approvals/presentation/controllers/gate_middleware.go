package controllers

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/httpapi"
)

const maxGatedBody = 1 << 20

// GatedRoute marks a mux route whose mutations go through the approval gate.
type GatedRoute struct {
	Method       string
	PathTemplate string
	ResourceType string
	// Route variable holding the resource id.
	IDVar string
}

type gateResponse struct {
	Code              string                       `json:"code"`
	Message           string                       `json:"message"`
	ActionKey         string                       `json:"action_key,omitempty"`
	ChangeRequest     *changerequest.ChangeRequest `json:"change_request"`
	RequiredApprovers []uuid.UUID                  `json:"required_approvers"`
}

type conflictResponse struct {
	Code                string               `json:"code"`
	Message             string               `json:"message"`
	ConflictingPolicies []services.PolicyRef `json:"conflicting_policies"`
	Guidance            string               `json:"guidance"`
}

type validationResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

func (g GatedRoute) matches(r *http.Request) bool {
	if r.Method != g.Method {
		return false
	}
	route := mux.CurrentRoute(r)
	if route == nil {
		return false
	}
	tpl, err := route.GetPathTemplate()
	return err == nil && tpl == g.PathTemplate
}

// GateMiddleware runs the approval gate in front of the gated routes. Anything
// other than a pass is answered here and the handler never runs.
func GateMiddleware(gate *services.ApprovalGate, routes []GatedRoute, debug bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var route *GatedRoute
			for i := range routes {
				if routes[i].matches(r) {
					route = &routes[i]
					break
				}
			}
			if route == nil {
				next.ServeHTTP(w, r)
				return
			}
			actor, err := composables.UseActor(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxGatedBody+1))
			if err != nil {
				writeAPIError(w, r, http.StatusBadRequest, "invalid_body", "failed to read request body")
				return
			}
			if len(body) > maxGatedBody {
				writeAPIError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large",
					fmt.Sprintf("request body exceeds %d bytes", maxGatedBody))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			req := &actions.GatedRequest{
				Method:       r.Method,
				Path:         r.URL.Path,
				ResourceType: route.ResourceType,
				ResourceID:   mux.Vars(r)[route.IDVar],
				Body:         body,
				Actor:        actor,
			}
			res, err := gate.Check(r.Context(), req)
			if err != nil {
				composables.UseLogger(r.Context()).WithError(err).WithFields(logrus.Fields{
					"path":          r.URL.Path,
					"resource_type": route.ResourceType,
					"resource_id":   req.ResourceID,
				}).Error("approval gate failed")
				writeAPIError(w, r, http.StatusInternalServerError, "internal", httpapi.InternalMessage(err, debug))
				return
			}
			if res.Passed() {
				next.ServeHTTP(w, r)
				return
			}
			writeGateResult(w, r, res)
		})
	}
}

func writeGateResult(w http.ResponseWriter, r *http.Request, res *services.GateResult) {
	switch res.Kind {
	case services.GateApprovalRequired, services.GateChangeRequestPending:
		approvers := res.RequiredApprovers
		if approvers == nil {
			approvers = []uuid.UUID{}
		}
		_ = httpapi.WriteJSON(w, http.StatusConflict, gateResponse{
			Code:              string(res.Kind),
			Message:           res.Message,
			ActionKey:         res.ActionKey,
			ChangeRequest:     res.ChangeRequest,
			RequiredApprovers: approvers,
		})
	case services.GatePolicyConflict:
		_ = httpapi.WriteJSON(w, http.StatusBadRequest, conflictResponse{
			Code:                string(res.Kind),
			Message:             "multiple approval policies match this change",
			ConflictingPolicies: res.ConflictingPolicies,
			Guidance:            res.Message,
		})
	case services.GateValidationFailed:
		_ = httpapi.WriteJSON(w, http.StatusBadRequest, validationResponse{
			Code:    string(res.Kind),
			Message: res.Message,
			Errors:  res.ValidationErrors,
		})
	case services.GateDenied:
		writeAPIError(w, r, http.StatusForbidden, string(res.Kind), res.Message)
	default:
		writeAPIError(w, r, http.StatusInternalServerError, "internal", "unexpected gate outcome "+string(res.Kind))
	}
}
