package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"clawtrust/auth"
	"clawtrust/dispute"
	xerrors "clawtrust/errors"
	"clawtrust/escrow"
	"clawtrust/events"
	"clawtrust/identity"
	"clawtrust/logger"
	"clawtrust/mandate"
	"clawtrust/reputation"
	"clawtrust/settlement"
)

const usdc = 1_000_000

func newTestServer(t *testing.T) *Server {
	t.Helper()
	pub := events.NewMemoryPublisher()
	registry := identity.NewMemoryRegistry(
		identity.Agent{ID: "renter", Stake: 500 * usdc},
		identity.Agent{ID: "provider", Stake: 500 * usdc},
		identity.Agent{ID: "arb-1", Stake: 500 * usdc},
		identity.Agent{ID: "arb-2", Stake: 500 * usdc},
		identity.Agent{ID: "arb-3", Stake: 500 * usdc},
		identity.Agent{ID: "outsider", Stake: 500 * usdc},
	)
	esc := escrow.NewService(escrow.NewMemoryStore(), settlement.NewMemoryBackend(), escrow.Options{
		TaxBps:              1500,
		FundAccount:         "fund:commons",
		MaxCASRetries:       5,
		MaxRetries:          1,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          time.Millisecond,
		ConfirmationTimeout: time.Second,
	}).WithLogger(logger.Discard())
	arb := dispute.NewArbiter(dispute.NewMemoryStore(), dispute.StaticSelector{"arb-1", "arb-2", "arb-3"}, pub,
		dispute.Options{PanelSize: 3, VotingWindow: time.Hour}).WithLogger(logger.Discard())
	neg := mandate.NewNegotiator(mandate.NewMemoryStore(pub), registry, esc, arb, mandate.Options{MinStake: 100 * usdc}).
		WithLogger(logger.Discard())
	arb.WithResolver(neg.DisputeResolver())
	rep := reputation.NewService(reputation.NewMemoryStore(), neg, pub, reputation.Options{
		Params:     reputation.Params{HalfLife: 30 * 24 * time.Hour, Epsilon: 1e-9, MaxIterations: 100, Prior: 2.5},
		MinReviews: 1,
	}).WithLogger(logger.Discard())

	return &Server{
		authService:       auth.NewService(auth.NewMemoryRepository(), registry, "test-secret", time.Hour),
		mandateService:    neg,
		reputationService: rep,
		disputeService:    arb,
		log:               logger.Discard(),
	}
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func login(t *testing.T, h http.Handler, agentID string) string {
	t.Helper()
	creds := map[string]string{"agentId": agentID, "secret": agentID + "-long-secret"}
	if rec := do(t, h, http.MethodPost, "/api/auth/register", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", agentID, rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodPost, "/api/auth/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d", agentID, rec.Code)
	}
	var resp tokenResponse
	decode(t, rec, &resp)
	return resp.Token
}

func proposeDelivered(t *testing.T, h http.Handler, renter, provider string) mandate.Mandate {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/mandates", renter, proposeRequest{
		Renter:          "renter",
		Provider:        "provider",
		SkillCategory:   "translation",
		UnitPrice:       10 * usdc,
		DurationSeconds: 3600,
		DeliverableSpec: "translate the README into German",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: status %d body %s", rec.Code, rec.Body.String())
	}
	var m mandate.Mandate
	decode(t, rec, &m)

	steps := []struct {
		token, action string
		body          any
		want          mandate.Status
	}{
		{provider, "accept", nil, mandate.StatusAccepted},
		{renter, "fund", actionRequest{Amount: 10 * usdc}, mandate.StatusFunded},
		{provider, "deliver", actionRequest{ArtifactRef: "ipfs://bafy-readme-de"}, mandate.StatusDelivered},
	}
	for _, step := range steps {
		rec := do(t, h, http.MethodPost, "/api/mandates/"+m.ID+"/"+step.action, step.token, step.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d body %s", step.action, rec.Code, rec.Body.String())
		}
		decode(t, rec, &m)
		if m.Status != step.want {
			t.Fatalf("%s: expected status %s, got %s", step.action, step.want, m.Status)
		}
	}
	return m
}

func TestMandateLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t).Routes()
	renter := login(t, h, "renter")
	provider := login(t, h, "provider")

	m := proposeDelivered(t, h, renter, provider)

	rec := do(t, h, http.MethodPost, "/api/mandates/"+m.ID+"/approve", renter, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status %d body %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &m)
	if m.Status != mandate.StatusCompleted || m.ClosedAt == nil {
		t.Fatalf("expected completed mandate, got %+v", m)
	}

	rec = do(t, h, http.MethodPost, "/api/reviews", renter, reviewRequest{
		MandateID:     m.ID,
		Subject:       "provider",
		Rating:        4.5,
		Justification: "accurate and early",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("review: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/reputation/provider", renter, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reputation: status %d", rec.Code)
	}
	var score reputation.Score
	decode(t, rec, &score)
	if score.Reviews != 1 || score.Score <= 0 {
		t.Fatalf("unexpected score: %+v", score)
	}

	rec = do(t, h, http.MethodGet, "/api/mandates", provider, nil)
	var list struct {
		Items []mandate.Mandate `json:"items"`
		Total int               `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || list.Items[0].ID != m.ID {
		t.Fatalf("unexpected list payload: %+v", list)
	}
}

func TestRejectedMandateResolvedByPanel(t *testing.T) {
	h := newTestServer(t).Routes()
	renter := login(t, h, "renter")
	provider := login(t, h, "provider")
	arb1 := login(t, h, "arb-1")
	arb2 := login(t, h, "arb-2")

	m := proposeDelivered(t, h, renter, provider)

	rec := do(t, h, http.MethodPost, "/api/mandates/"+m.ID+"/reject", renter, actionRequest{Reason: "output is in Dutch"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reject: status %d body %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &m)
	if m.Status != mandate.StatusDisputed {
		t.Fatalf("expected disputed, got %s", m.Status)
	}

	rec = do(t, h, http.MethodGet, "/api/mandates/"+m.ID+"/dispute", provider, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispute lookup: status %d", rec.Code)
	}
	var d disputeResponse
	decode(t, rec, &d)
	if len(d.Panel) != 3 || d.Status != string(dispute.StatusPending) {
		t.Fatalf("unexpected dispute: %+v", d)
	}

	vote := voteRequest{Outcome: dispute.OutcomeFavorProvider}
	if rec := do(t, h, http.MethodPost, "/api/disputes/"+d.ID+"/votes", renter, vote); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for party vote, got %d", rec.Code)
	}
	for _, token := range []string{arb1, arb2} {
		rec = do(t, h, http.MethodPost, "/api/disputes/"+d.ID+"/votes", token, vote)
		if rec.Code != http.StatusOK {
			t.Fatalf("vote: status %d body %s", rec.Code, rec.Body.String())
		}
	}
	decode(t, rec, &d)
	if d.Status != string(dispute.StatusResolved) || d.ProviderShareBps == nil || *d.ProviderShareBps != dispute.BasisPoints {
		t.Fatalf("expected provider verdict, got %+v", d)
	}

	rec = do(t, h, http.MethodGet, "/api/mandates/"+m.ID, renter, nil)
	decode(t, rec, &m)
	if m.Status != mandate.StatusCompleted || m.Resolution == nil || *m.Resolution != dispute.BasisPoints {
		t.Fatalf("expected completed mandate with resolution, got %+v", m)
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	h := newTestServer(t).Routes()

	if rec := do(t, h, http.MethodGet, "/api/mandates", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/mandates", "not-a-jwt", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	h := newTestServer(t).Routes()
	login(t, h, "renter")

	rec := do(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"agentId": "renter", "secret": "wrong-secret-value"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleRegister_UnknownAgent(t *testing.T) {
	h := newTestServer(t).Routes()

	rec := do(t, h, http.MethodPost, "/api/auth/register", "", map[string]string{"agentId": "ghost", "secret": "ghost-long-secret"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.Code != string(xerrors.CodeUnknownAgent) {
		t.Fatalf("expected UNKNOWN_AGENT, got %+v", resp)
	}
}

func TestHandleMandate_OutsiderForbidden(t *testing.T) {
	h := newTestServer(t).Routes()
	renter := login(t, h, "renter")
	outsider := login(t, h, "outsider")

	rec := do(t, h, http.MethodPost, "/api/mandates", renter, proposeRequest{
		Renter: "renter", Provider: "provider", UnitPrice: usdc, DurationSeconds: 60, DeliverableSpec: "summary",
	})
	var m mandate.Mandate
	decode(t, rec, &m)

	if rec := do(t, h, http.MethodGet, "/api/mandates/"+m.ID, outsider, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/mandates/"+m.ID+"/accept", outsider, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider accept, got %d", rec.Code)
	}
}

func TestHandleProposeMandate_InvalidTerms(t *testing.T) {
	h := newTestServer(t).Routes()
	renter := login(t, h, "renter")

	rec := do(t, h, http.MethodPost, "/api/mandates", renter, proposeRequest{
		Renter: "renter", Provider: "provider", UnitPrice: 0, DurationSeconds: 60, DeliverableSpec: "summary",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/mandates", renter, proposeRequest{
		Renter: "renter", Provider: "provider", UnitPrice: usdc, DurationSeconds: 60, DeliverableSpec: "summary",
		SLADeadline: "tomorrow",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad deadline, got %d", rec.Code)
	}
}

type stubMandateService struct {
	mandate.Mandate
	err error
}

func (s *stubMandateService) Propose(context.Context, mandate.ProposeParams) (mandate.Mandate, error) {
	return s.Mandate, s.err
}
func (s *stubMandateService) Get(context.Context, string) (mandate.Mandate, error) {
	return s.Mandate, s.err
}
func (s *stubMandateService) ListByParticipant(context.Context, string) ([]mandate.Mandate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}
func (s *stubMandateService) Accept(context.Context, string, string) (mandate.Mandate, error) {
	return s.Mandate, s.err
}
func (s *stubMandateService) Fund(context.Context, string, string, int64) (mandate.Mandate, error) {
	return s.Mandate, s.err
}
func (s *stubMandateService) SubmitDeliverable(context.Context, string, string, string) (mandate.Mandate, error) {
	return s.Mandate, s.err
}
func (s *stubMandateService) Approve(context.Context, string, string) (mandate.Mandate, error) {
	return s.Mandate, s.err
}
func (s *stubMandateService) Reject(context.Context, string, string, string) (mandate.Mandate, error) {
	return s.Mandate, s.err
}
func (s *stubMandateService) Cancel(context.Context, string, string) (mandate.Mandate, error) {
	return s.Mandate, s.err
}

func withRoute(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, ctxKeyUserID, "renter")
	ctx = context.WithValue(ctx, ctxKeyRole, auth.RoleAgent)
	return req.WithContext(ctx)
}

func TestHandleMandateAction_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{xerrors.New(xerrors.CodeAmountMismatch, "deposit must equal price"), http.StatusBadRequest},
		{xerrors.New(xerrors.CodeNotFound, "mandate m1 not found"), http.StatusNotFound},
		{xerrors.New(xerrors.CodeUnauthorized, "renter only"), http.StatusForbidden},
		{xerrors.New(xerrors.CodeTerminalState, "mandate m1 is completed"), http.StatusConflict},
		{xerrors.New(xerrors.CodeContention, "retries exhausted"), http.StatusTooManyRequests},
		{xerrors.New(xerrors.CodeSettlementUnavailable, "backend down"), http.StatusServiceUnavailable},
		{xerrors.New(xerrors.CodeIndeterminate, "confirmation pending"), http.StatusAccepted},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		server := &Server{mandateService: &stubMandateService{err: tc.err}, log: logger.Discard()}
		req := httptest.NewRequest(http.MethodPost, "/api/mandates/m1/approve", nil)
		rec := httptest.NewRecorder()

		server.handleMandateAction(rec, withRoute(req, map[string]string{"mandateID": "m1", "action": "approve"}))

		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestHandleMandateAction_InternalErrorHidesCause(t *testing.T) {
	server := &Server{mandateService: &stubMandateService{err: errors.New("pq: connection refused at 10.0.0.7")}, log: logger.Discard()}
	req := httptest.NewRequest(http.MethodPost, "/api/mandates/m1/cancel", nil)
	rec := httptest.NewRecorder()

	server.handleMandateAction(rec, withRoute(req, map[string]string{"mandateID": "m1", "action": "cancel"}))

	if strings.Contains(rec.Body.String(), "10.0.0.7") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestHandleMandateAction_UnknownAction(t *testing.T) {
	server := &Server{mandateService: &stubMandateService{}}
	req := httptest.NewRequest(http.MethodPost, "/api/mandates/m1/teleport", nil)
	rec := httptest.NewRecorder()

	server.handleMandateAction(rec, withRoute(req, map[string]string{"mandateID": "m1", "action": "teleport"}))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleListMandates_Empty(t *testing.T) {
	server := &Server{mandateService: &stubMandateService{}}
	req := httptest.NewRequest(http.MethodGet, "/api/mandates", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKeyUserID, "renter"))
	rec := httptest.NewRecorder()

	server.handleListMandates(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty items array, got %s", rec.Body.String())
	}
}

func TestHandleTopAgents_BadLimit(t *testing.T) {
	server := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/api/reputation?limit=-3", nil)
	rec := httptest.NewRecorder()

	server.handleTopAgents(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	h := newTestServer(t).Routes()
	do(t, h, http.MethodGet, "/health", "", nil)

	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `clawtrust_http_request_duration_seconds_count{method="GET",route="/health",status="200"}`) {
		t.Fatalf("health request not recorded")
	}
}
