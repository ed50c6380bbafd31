package server

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/db"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// LeadResponse is a lead with its activity history.
type LeadResponse struct {
	Lead       *types.Lead      `json:"lead"`
	Activities []types.Activity `json:"activities"`
}

// StatusRequest moves a lead forward by operator decision.
type StatusRequest struct {
	Status types.Status `json:"status" validate:"required,oneof=new contacted qualified converted lost"`
	Reason string       `json:"reason" validate:"max=500"`
}

// Validate validates the StatusRequest using the validator.
func (r *StatusRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// handleListLeads lists leads filtered by status, industry, campaign_run_id
// and min_score.
func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := db.LeadFilters{Industry: q.Get("industry")}

	if raw := q.Get("status"); raw != "" {
		st := types.Status(raw)
		if !st.Valid() {
			s.fail(w, r, &ErrValidation{Field: "status", Message: fmt.Sprintf("unknown status %q", raw)})
			return
		}
		filters.Status = st
	}
	if raw := q.Get("campaign_run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.fail(w, r, &ErrValidation{Field: "campaign_run_id", Message: fmt.Sprintf("invalid id %q", raw)})
			return
		}
		filters.CampaignRunID = id
	}

	var err error
	if filters.MinScore, err = queryInt(r, "min_score", 0, 0, 100); err != nil {
		s.fail(w, r, err)
		return
	}
	if filters.Limit, err = queryInt(r, "limit", 50, 1, 500); err != nil {
		s.fail(w, r, err)
		return
	}

	leads, err := s.deps.Leads.ListLeads(r.Context(), filters)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if leads == nil {
		leads = []*types.Lead{}
	}
	s.jsonResponse(w, http.StatusOK, leads)
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	lead, err := s.deps.Leads.GetLead(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if lead == nil {
		s.fail(w, r, &ErrNotFound{Kind: "lead", ID: id.String()})
		return
	}
	acts, err := s.deps.Leads.ListActivities(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if acts == nil {
		acts = []types.Activity{}
	}
	s.jsonResponse(w, http.StatusOK, LeadResponse{Lead: lead, Activities: acts})
}

// handleAdvanceLead applies an operator status change. Backward moves conflict.
func (s *Server) handleAdvanceLead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req StatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, r, &ErrValidation{Field: "status", Message: err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}

	lead, err := s.deps.Lifecycle.Advance(r.Context(), id, req.Status, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, lead)
}
