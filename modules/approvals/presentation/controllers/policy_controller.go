package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/authz"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/httpapi"
)

const policiesObject = "approvals.policies"

// Authorizer is the subset of *authz.Service the admin API needs.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) error
}

type PolicyController struct {
	policies   *services.PolicyService
	authorizer Authorizer
	debug      bool
	apiPrefix  string
}

func NewPolicyController(app application.Application, authorizer Authorizer, debug bool) application.Controller {
	return &PolicyController{
		policies:   app.Service(services.PolicyService{}).(*services.PolicyService),
		authorizer: authorizer,
		debug:      debug,
		apiPrefix:  "/api/approval-policies",
	}
}

func (c *PolicyController) Key() string {
	return c.apiPrefix
}

func (c *PolicyController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.HandleFunc("", c.List).Methods(http.MethodGet)
	api.HandleFunc("", c.Create).Methods(http.MethodPost)
	api.HandleFunc("/{id}", c.Get).Methods(http.MethodGet)
	api.HandleFunc("/{id}", c.Update).Methods(http.MethodPut)
	api.HandleFunc("/{id}", c.Delete).Methods(http.MethodDelete)
}

func (c *PolicyController) authorize(w http.ResponseWriter, r *http.Request, action string) (composables.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return actor, false
	}
	req := authz.NewRequest(
		authz.SubjectForUser(actor.UserID),
		authz.DomainFromOrganization(actor.OrganizationID),
		policiesObject,
		action,
	)
	if err := c.authorizer.Authorize(r.Context(), req); err != nil {
		if errors.Is(err, authz.ErrForbidden) {
			writeAPIError(w, r, http.StatusForbidden, "forbidden", "not allowed to "+action+" approval policies")
			return actor, false
		}
		writeServiceError(w, r, err, c.debug)
		return actor, false
	}
	return actor, true
}

func (c *PolicyController) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.authorize(w, r, "list")
	if !ok {
		return
	}
	items, err := c.policies.List(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, err, c.debug)
		return
	}
	if items == nil {
		items = []*policy.ApprovalPolicy{}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (c *PolicyController) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.authorize(w, r, "view")
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := c.policies.Get(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, err, c.debug)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, p)
}

func (c *PolicyController) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.authorize(w, r, "create")
	if !ok {
		return
	}
	var in services.PolicyInput
	if err := httpapi.DecodeJSON(r.Body, &in); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	p, err := c.policies.Create(r.Context(), actor, in)
	if err != nil {
		writeServiceError(w, r, err, c.debug)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, p)
}

func (c *PolicyController) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.authorize(w, r, "update")
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in services.PolicyInput
	if err := httpapi.DecodeJSON(r.Body, &in); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	p, err := c.policies.Update(r.Context(), actor, id, in)
	if err != nil {
		writeServiceError(w, r, err, c.debug)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, p)
}

func (c *PolicyController) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := c.authorize(w, r, "delete")
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := c.policies.Delete(r.Context(), actor, id); err != nil {
		writeServiceError(w, r, err, c.debug)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
