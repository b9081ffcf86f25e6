package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/crmdispatch/internal/campaign"
	"github.com/foxzi/crmdispatch/internal/models"
)

// HealthResponse is the health check response
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := models.CampaignStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		s.sendError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	page, err := s.campaigns.List(r.Context(), campaign.ListParams{
		Search: q.Get("search"),
		Status: status,
		Page:   queryInt(r, "page"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, page)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.Draft
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := s.campaigns.CreateDraft(r.Context(), req)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaign.Changes
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := s.campaigns.UpdateDraft(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendCampaign handles POST /api/v1/campaigns/{id}/send
func (s *Server) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := s.campaigns.BeginSend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, res)
}

// handleFailCampaign handles POST /api/v1/campaigns/{id}/fail
func (s *Server) handleFailCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Fail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleRecipients handles GET /api/v1/campaigns/{id}/recipients
func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	status := models.RecipientStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.RecipientPending, models.RecipientSent, models.RecipientFailed:
	default:
		s.sendError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	page, err := s.campaigns.Recipients(r.Context(), chi.URLParam(r, "id"), status, queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, page)
}

// handleServiceError maps lifecycle errors to HTTP statuses
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	var validation *campaign.ValidationError
	var state *campaign.InvalidStateError
	var dependency *campaign.DependencyError

	switch {
	case errors.As(err, &validation):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: validation.Message, Field: validation.Field})
	case errors.Is(err, campaign.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &state):
		s.sendError(w, http.StatusConflict, state.Error())
	case errors.As(err, &dependency):
		s.sendError(w, http.StatusUnprocessableEntity, dependency.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// queryInt returns a positive integer query parameter or 0
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
