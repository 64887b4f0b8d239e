/*
handlers.go - HTTP API handlers for the activity reward engine

PURPOSE:
  Exposes the reward engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Activities (authenticated):
    GET    /api/activities               List activities with availability
    GET    /api/activities/{id}          Availability of one activity
    POST   /api/activities/{id}/reward   Claim an activity

  Profile (authenticated):
    GET    /api/profile                  Caller's balance and referral link

  Users:
    POST   /api/users                    Register a balance holder

REQUEST FLOW:
  1. Parse HTTP request
  2. Read identity from context (set by auth middleware)
  3. Call domain logic (evaluator, processor)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown activity or user
  - 409: Activity unavailable (already claimed, rule rejected)
  - 500: Internal errors
  Unavailable responses carry the reason and, for daily activities, the
  next_available_at timestamp.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Identity middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/activity-engine/activity"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Catalog   *activity.Catalog
	Store     activity.Store
	Processor *activity.Processor
	Evaluator *activity.Evaluator
}

// NewHandler wires a handler over the catalog, store, and rule set.
func NewHandler(catalog *activity.Catalog, store activity.Store, rules activity.RuleSet) *Handler {
	processor := activity.NewProcessor(catalog, store, rules)
	return &Handler{
		Catalog:   catalog,
		Store:     store,
		Processor: processor,
		Evaluator: processor.Evaluator,
	}
}

// =============================================================================
// ACTIVITY HANDLERS
// =============================================================================

// ListActivities returns every catalog activity with its availability
// for the caller.
// GET /api/activities
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	identity, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing authorization token", nil)
		return
	}

	activities := h.Catalog.List()
	dtos := make([]ActivityDTO, 0, len(activities))
	for _, act := range activities {
		verdict, err := h.Evaluator.Evaluate(r.Context(), identity.UserID, act, nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to evaluate activities", err)
			return
		}
		dtos = append(dtos, toActivityDTO(act, verdict))
	}

	writeJSON(w, http.StatusOK, dtos)
}

// GetActivity returns one activity with its availability. Rule inputs
// (e.g. the referral code) are passed as query parameters.
// GET /api/activities/{id}?referrer_code=...
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	identity, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing authorization token", nil)
		return
	}

	activityID := activity.ActivityID(chi.URLParam(r, "id"))
	act, found := h.Catalog.ByID(activityID)
	if !found {
		writeError(w, http.StatusNotFound, "Activity not found", nil)
		return
	}

	args := argsFromQuery(r)
	verdict, err := h.Evaluator.Evaluate(r.Context(), identity.UserID, act, args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to evaluate activity", err)
		return
	}

	writeJSON(w, http.StatusOK, toActivityDTO(act, verdict))
}

// RewardActivity claims the activity for the caller.
// POST /api/activities/{id}/reward
func (h *Handler) RewardActivity(w http.ResponseWriter, r *http.Request) {
	identity, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing authorization token", nil)
		return
	}

	var req RewardRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	activityID := activity.ActivityID(chi.URLParam(r, "id"))
	result, err := h.Processor.Reward(r.Context(), identity.UserID, activityID, req.Args)
	if err != nil {
		writeRewardError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RewardResponse{
		User:     toUserDTO(result.User),
		Activity: toActivityDTO(result.Activity, result.Availability),
	})
}

// writeRewardError maps domain errors onto HTTP status codes.
func writeRewardError(w http.ResponseWriter, err error) {
	var notFound *activity.NotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "Activity not found", nil)
		return
	}

	var unavailable *activity.UnavailableError
	if errors.As(err, &unavailable) {
		resp := ErrorResponse{Error: "Activity not available", Details: unavailable.Reason}
		if unavailable.NextAvailableAt != nil {
			s := unavailable.NextAvailableAt.UTC().Format(time.RFC3339)
			resp.NextAvailableAt = &s
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	if errors.Is(err, activity.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	if errors.Is(err, activity.ErrValidation) {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	writeError(w, http.StatusInternalServerError, "Failed to process reward", err)
}

// =============================================================================
// PROFILE / USER HANDLERS
// =============================================================================

// Profile returns the caller's balance-holder record.
// GET /api/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	identity, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing authorization token", nil)
		return
	}

	user, err := h.Store.GetUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load profile", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toUserDTO(user))
}

// CreateUser registers a balance holder for an external identity.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "external_id is required", nil)
		return
	}

	existing, err := h.Store.GetUserByExternalID(r.Context(), req.ExternalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user", err)
		return
	}
	if existing != nil {
		// Registration is idempotent per external identity.
		writeJSON(w, http.StatusOK, toUserDTO(existing))
		return
	}

	user, err := h.Store.CreateUser(r.Context(), req.ExternalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user", err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// =============================================================================
// HELPERS
// =============================================================================

func argsFromQuery(r *http.Request) activity.Args {
	query := r.URL.Query()
	if len(query) == 0 {
		return nil
	}
	args := make(activity.Args, len(query))
	for k := range query {
		args[k] = query.Get(k)
	}
	return args
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
