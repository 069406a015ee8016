package controllers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
	"github.com/iota-uz/approvalgate/modules/flags/services"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/httpapi"
)

// FeatureFlagController exposes CRUD for flags. PATCH is the gated mutation:
// the approvals module intercepts it before this handler runs.
type FeatureFlagController struct {
	flags     *services.FlagService
	apiPrefix string
}

func NewFeatureFlagController(app application.Application) application.Controller {
	return &FeatureFlagController{
		flags:     app.Service(services.FlagService{}).(*services.FlagService),
		apiPrefix: "/api/feature-flags",
	}
}

func (c *FeatureFlagController) Key() string {
	return c.apiPrefix
}

func (c *FeatureFlagController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.HandleFunc("", c.List).Methods(http.MethodGet)
	api.HandleFunc("", c.Create).Methods(http.MethodPost)
	api.HandleFunc("/{id}", c.Get).Methods(http.MethodGet)
	api.HandleFunc("/{id}", c.Patch).Methods(http.MethodPatch)
}

func requireActor(w http.ResponseWriter, r *http.Request) (composables.Actor, string, bool) {
	requestID := composables.UseRequestID(r.Context())
	actor, err := composables.UseActor(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, requestID, "UNAUTHENTICATED", "actor is required")
		return composables.Actor{}, requestID, false
	}
	return actor, requestID, true
}

func flagID(w http.ResponseWriter, r *http.Request, requestID string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "INVALID_ID", "id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (c *FeatureFlagController) List(w http.ResponseWriter, r *http.Request) {
	actor, requestID, ok := requireActor(w, r)
	if !ok {
		return
	}
	flags, err := c.flags.List(r.Context(), actor.TeamID)
	if err != nil {
		writeFlagError(w, requestID, err)
		return
	}
	if flags == nil {
		flags = []*flag.FeatureFlag{}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"results": flags})
}

func (c *FeatureFlagController) Get(w http.ResponseWriter, r *http.Request) {
	actor, requestID, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := flagID(w, r, requestID)
	if !ok {
		return
	}
	f, err := c.flags.Get(r.Context(), actor.TeamID, id)
	if err != nil {
		writeFlagError(w, requestID, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, f)
}

func (c *FeatureFlagController) Create(w http.ResponseWriter, r *http.Request) {
	actor, requestID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var in services.CreateInput
	if err := httpapi.DecodeJSON(r.Body, &in); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "INVALID_BODY", err.Error())
		return
	}
	f, err := c.flags.Create(r.Context(), actor, in)
	if err != nil {
		writeFlagError(w, requestID, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, f)
}

func (c *FeatureFlagController) Patch(w http.ResponseWriter, r *http.Request) {
	actor, requestID, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := flagID(w, r, requestID)
	if !ok {
		return
	}
	var in services.PatchInput
	if err := httpapi.DecodeJSON(r.Body, &in); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "INVALID_BODY", err.Error())
		return
	}
	f, err := c.flags.Patch(r.Context(), actor, id, in)
	if err != nil {
		writeFlagError(w, requestID, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, f)
}

func writeFlagError(w http.ResponseWriter, requestID string, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		_ = httpapi.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"code":   "validation_failed",
			"errors": verr.Problems,
		})
	case errors.Is(err, flag.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, requestID, "NOT_FOUND", "feature flag not found")
	case errors.Is(err, flag.ErrVersionConflict):
		writeAPIError(w, http.StatusConflict, requestID, "VERSION_CONFLICT", err.Error())
	case errors.Is(err, flag.ErrDuplicateKey):
		writeAPIError(w, http.StatusConflict, requestID, "DUPLICATE_KEY", err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, requestID, "INTERNAL", "internal server error")
	}
}

func writeAPIError(w http.ResponseWriter, status int, requestID, code, message string) {
	meta := map[string]string{}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	_ = httpapi.WriteError(w, status, code, message, meta)
}
