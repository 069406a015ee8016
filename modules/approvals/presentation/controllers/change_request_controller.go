package controllers

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/httpapi"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

type ChangeRequestControllerOptions struct {
	// Wraps approve, reject and cancel. Nil means no limit.
	VoteLimit   mux.MiddlewareFunc
	DebugErrors bool
}

type ChangeRequestController struct {
	changeRequests *services.ChangeRequestService
	opts           ChangeRequestControllerOptions
	apiPrefix      string
}

func NewChangeRequestController(app application.Application, opts ChangeRequestControllerOptions) application.Controller {
	return &ChangeRequestController{
		changeRequests: app.Service(services.ChangeRequestService{}).(*services.ChangeRequestService),
		opts:           opts,
		apiPrefix:      "/api/change-requests",
	}
}

func (c *ChangeRequestController) Key() string {
	return c.apiPrefix
}

func (c *ChangeRequestController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.HandleFunc("", c.List).Methods(http.MethodGet)
	api.HandleFunc("/{id}", c.Get).Methods(http.MethodGet)

	votes := api.PathPrefix("/{id}").Subrouter()
	if c.opts.VoteLimit != nil {
		votes.Use(c.opts.VoteLimit)
	}
	votes.HandleFunc("/approve", c.Approve).Methods(http.MethodPost)
	votes.HandleFunc("/reject", c.Reject).Methods(http.MethodPost)
	votes.HandleFunc("/cancel", c.Cancel).Methods(http.MethodPost)
}

type voteDTO struct {
	Reason string `json:"reason"`
}

func requireActor(w http.ResponseWriter, r *http.Request) (composables.Actor, bool) {
	actor, err := composables.UseActor(r.Context())
	if err != nil {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthenticated", "actor is required")
		return composables.Actor{}, false
	}
	return actor, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_id", "id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	meta := map[string]string{}
	if requestID := composables.UseRequestID(r.Context()); requestID != "" {
		meta["request_id"] = requestID
	}
	_ = httpapi.WriteError(w, status, code, message, meta)
}

func (c *ChangeRequestController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, err, c.opts.DebugErrors)
}

// writeServiceError renders mapped errors by their public message and logs
// every server-side failure with its cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, debug bool) {
	var se httpapi.StatusError
	if !errors.As(err, &se) || se.HTTPStatus() >= http.StatusInternalServerError {
		composables.UseLogger(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("approvals handler failed")
	}
	_ = httpapi.WriteStatusError(w, err, debug)
}

func parseFilter(r *http.Request) (changerequest.Filter, error) {
	q := r.URL.Query()
	f := changerequest.Filter{
		State:        changerequest.State(strings.ToUpper(strings.TrimSpace(q.Get("state")))),
		ActionKey:    strings.TrimSpace(q.Get("action_key")),
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		ResourceID:   strings.TrimSpace(q.Get("resource_id")),
		Limit:        defaultPageSize,
	}
	if raw := strings.TrimSpace(q.Get("requester")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, err
		}
		f.RequesterID = &id
	}
	if raw := strings.TrimSpace(q.Get("team")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, err
		}
		f.TeamID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, strconv.ErrSyntax
		}
		f.Limit = min(n, maxPageSize)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, strconv.ErrSyntax
		}
		f.Offset = n
	}
	return f, nil
}

func (c *ChangeRequestController) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_filter", "malformed query parameters")
		return
	}
	items, total, err := c.changeRequests.List(r.Context(), actor, filter)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*changerequest.ChangeRequest{}
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"results": items,
		"count":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (c *ChangeRequestController) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := c.changeRequests.Get(r.Context(), actor, id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, detail)
}

// decodeVote accepts an empty body as "no reason".
func decodeVote(w http.ResponseWriter, r *http.Request) (voteDTO, bool) {
	var dto voteDTO
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return dto, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return dto, true
	}
	if err := httpapi.DecodeJSON(bytes.NewReader(body), &dto); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return dto, false
	}
	return dto, true
}

type voteFunc func(*services.ChangeRequestService, *http.Request, composables.Actor, uuid.UUID, string) (*services.VoteResult, error)

func (c *ChangeRequestController) vote(w http.ResponseWriter, r *http.Request, fn voteFunc) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dto, ok := decodeVote(w, r)
	if !ok {
		return
	}
	res, err := fn(c.changeRequests, r, actor, id, dto.Reason)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, res)
}

func (c *ChangeRequestController) Approve(w http.ResponseWriter, r *http.Request) {
	c.vote(w, r, func(s *services.ChangeRequestService, r *http.Request, a composables.Actor, id uuid.UUID, reason string) (*services.VoteResult, error) {
		return s.Approve(r.Context(), a, id, reason)
	})
}

func (c *ChangeRequestController) Reject(w http.ResponseWriter, r *http.Request) {
	c.vote(w, r, func(s *services.ChangeRequestService, r *http.Request, a composables.Actor, id uuid.UUID, reason string) (*services.VoteResult, error) {
		return s.Reject(r.Context(), a, id, reason)
	})
}

func (c *ChangeRequestController) Cancel(w http.ResponseWriter, r *http.Request) {
	c.vote(w, r, func(s *services.ChangeRequestService, r *http.Request, a composables.Actor, id uuid.UUID, reason string) (*services.VoteResult, error) {
		return s.Cancel(r.Context(), a, id, reason)
	})
}
