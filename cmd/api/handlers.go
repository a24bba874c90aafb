package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clawtrust/auth"
	"clawtrust/dispute"
	xerrors "clawtrust/errors"
	"clawtrust/mandate"
	"clawtrust/reputation"
)

type registerRequest struct {
	AgentID string `json:"agentId"`
	Secret  string `json:"secret"`
}

type loginRequest struct {
	AgentID string `json:"agentId"`
	Secret  string `json:"secret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agentId"`
	Role      auth.Role `json:"role"`
	ExpiresAt string    `json:"expiresAt"`
}

type proposeRequest struct {
	Renter          string `json:"renter"`
	Provider        string `json:"provider"`
	SkillCategory   string `json:"skillCategory"`
	UnitPrice       int64  `json:"unitPrice"`
	DurationSeconds int64  `json:"durationSeconds"`
	DeliverableSpec string `json:"deliverableSpec"`
	// SLADeadline is RFC3339; empty means now plus the duration.
	SLADeadline string `json:"slaDeadline,omitempty"`
	StepCap     int64  `json:"stepCap,omitempty"`
}

type actionRequest struct {
	Amount      int64  `json:"amount,omitempty"`
	ArtifactRef string `json:"artifactRef,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type reviewRequest struct {
	MandateID     string  `json:"mandateId"`
	Subject       string  `json:"subject"`
	Rating        float64 `json:"rating"`
	Justification string  `json:"justification"`
}

type voteRequest struct {
	Outcome          dispute.Outcome `json:"outcome"`
	ProviderShareBps int64           `json:"providerShareBps"`
}

type voteResponse struct {
	Arbiter          string `json:"arbiter"`
	Outcome          string `json:"outcome"`
	ProviderShareBps int64  `json:"providerShareBps"`
	CastAt           string `json:"castAt"`
}

type disputeResponse struct {
	ID               string         `json:"id"`
	MandateID        string         `json:"mandateId"`
	EscrowID         string         `json:"escrowId"`
	OpenedBy         string         `json:"openedBy"`
	Reason           string         `json:"reason"`
	Panel            []string       `json:"panel"`
	Votes            []voteResponse `json:"votes"`
	Status           string         `json:"status"`
	Outcome          string         `json:"outcome,omitempty"`
	ProviderShareBps *int64         `json:"providerShareBps,omitempty"`
	Fallback         string         `json:"fallback,omitempty"`
	Deadline         string         `json:"deadline"`
	OpenedAt         string         `json:"openedAt"`
	ResolvedAt       string         `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:        rec.ID,
		MandateID: rec.MandateID,
		EscrowID:  rec.EscrowID,
		OpenedBy:  rec.OpenedBy,
		Reason:    rec.Reason,
		Panel:     rec.Panel,
		Votes:     make([]voteResponse, 0, len(rec.Votes)),
		Status:    string(rec.Status),
		Fallback:  string(rec.Fallback),
		Deadline:  rec.Deadline.UTC().Format(time.RFC3339),
		OpenedAt:  rec.OpenedAt.UTC().Format(time.RFC3339),
	}
	for _, v := range rec.Votes {
		resp.Votes = append(resp.Votes, voteResponse{
			Arbiter:          v.Arbiter,
			Outcome:          string(v.Decision.Outcome),
			ProviderShareBps: v.Decision.ProviderShareBps,
			CastAt:           v.CastAt.UTC().Format(time.RFC3339),
		})
	}
	if rec.Decision != nil {
		bps := rec.Decision.ProviderShareBps
		resp.Outcome = string(rec.Decision.Outcome)
		resp.ProviderShareBps = &bps
	}
	if rec.ResolvedAt != nil {
		resp.ResolvedAt = rec.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "invalid request body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "agentId is required")
		return
	}
	// Operator credentials are provisioned out of band.
	cred, err := s.authService.Register(r.Context(), auth.RegisterRequest{AgentID: req.AgentID, Secret: req.Secret, Role: auth.RoleAgent})
	switch {
	case errors.Is(err, auth.ErrWeakSecret):
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), err.Error())
		return
	case errors.Is(err, auth.ErrDuplicateAgent):
		writeError(w, http.StatusConflict, "DUPLICATE_AGENT", err.Error())
		return
	case err != nil:
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"agentId": cred.AgentID, "role": cred.Role})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "invalid request body")
		return
	}
	res, err := s.authService.Login(r.Context(), auth.LoginRequest{AgentID: req.AgentID, Secret: req.Secret})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials")
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     res.Token,
		AgentID:   res.AgentID,
		Role:      res.Role,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListMandates(w http.ResponseWriter, r *http.Request) {
	agentID := agentFrom(r)
	if q := r.URL.Query().Get("agent"); q != "" && roleFrom(r) == auth.RoleOperator {
		agentID = q
	}
	items, err := s.mandateService.ListByParticipant(r.Context(), agentID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []mandate.Mandate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleProposeMandate(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "invalid request body")
		return
	}
	terms := mandate.Terms{
		SkillCategory:   strings.TrimSpace(req.SkillCategory),
		UnitPrice:       req.UnitPrice,
		Duration:        time.Duration(req.DurationSeconds) * time.Second,
		DeliverableSpec: req.DeliverableSpec,
		StepCap:         req.StepCap,
	}
	if req.SLADeadline != "" {
		deadline, err := time.Parse(time.RFC3339, req.SLADeadline)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidTerms), "slaDeadline must be RFC3339")
			return
		}
		terms.SLADeadline = deadline
	}
	m, err := s.mandateService.Propose(r.Context(), mandate.ProposeParams{
		Renter:     req.Renter,
		Provider:   req.Provider,
		ProposedBy: agentFrom(r),
		Terms:      terms,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMandate(w http.ResponseWriter, r *http.Request) {
	m, err := s.mandateService.Get(r.Context(), chi.URLParam(r, "mandateID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !m.IsParty(agentFrom(r)) && roleFrom(r) != auth.RoleOperator {
		writeError(w, http.StatusForbidden, string(xerrors.CodeUnauthorized), "not a party to this mandate")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMandateAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mandateID")
	caller := agentFrom(r)

	var req actionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "invalid request body")
			return
		}
	}

	var (
		m   mandate.Mandate
		err error
	)
	ctx := r.Context()
	switch chi.URLParam(r, "action") {
	case "accept":
		m, err = s.mandateService.Accept(ctx, id, caller)
	case "fund":
		m, err = s.mandateService.Fund(ctx, id, caller, req.Amount)
	case "deliver":
		m, err = s.mandateService.SubmitDeliverable(ctx, id, caller, req.ArtifactRef)
	case "approve":
		m, err = s.mandateService.Approve(ctx, id, caller)
	case "reject":
		m, err = s.mandateService.Reject(ctx, id, caller, req.Reason)
	case "cancel":
		m, err = s.mandateService.Cancel(ctx, id, caller)
	default:
		writeError(w, http.StatusNotFound, string(xerrors.CodeNotFound), "unknown mandate action")
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMandateDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputeService.ByMandate(r.Context(), chi.URLParam(r, "mandateID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeDispute(w, r, rec)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputeService.Get(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeDispute(w, r, rec)
}

func (s *Server) writeDispute(w http.ResponseWriter, r *http.Request, rec dispute.Record) {
	caller := agentFrom(r)
	visible := caller == rec.Renter || caller == rec.Provider || rec.OnPanel(caller) || roleFrom(r) == auth.RoleOperator
	if !visible {
		writeError(w, http.StatusForbidden, string(xerrors.CodeUnauthorized), "not involved in this dispute")
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "invalid request body")
		return
	}
	rec, err := s.disputeService.CastVote(r.Context(), chi.URLParam(r, "disputeID"), agentFrom(r), dispute.Decision{
		Outcome:          req.Outcome,
		ProviderShareBps: req.ProviderShareBps,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "invalid request body")
		return
	}
	score, err := s.reputationService.SubmitReview(r.Context(), reputation.SubmitParams{
		MandateID:     req.MandateID,
		Reviewer:      agentFrom(r),
		Subject:       req.Subject,
		Rating:        req.Rating,
		Justification: req.Justification,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, score)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	score, err := s.reputationService.GetScore(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleTopAgents(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}
	items, err := s.reputationService.TopAgents(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []reputation.Score{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}
