package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"clawtrust/auth"
	"clawtrust/dispute"
	xerrors "clawtrust/errors"
	"clawtrust/mandate"
	"clawtrust/metrics"
	"clawtrust/reputation"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "agent_id"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Credential, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type mandateService interface {
	Propose(ctx context.Context, p mandate.ProposeParams) (mandate.Mandate, error)
	Get(ctx context.Context, id string) (mandate.Mandate, error)
	ListByParticipant(ctx context.Context, agentID string) ([]mandate.Mandate, error)
	Accept(ctx context.Context, id, party string) (mandate.Mandate, error)
	Fund(ctx context.Context, id, renter string, amount int64) (mandate.Mandate, error)
	SubmitDeliverable(ctx context.Context, id, provider, artifactRef string) (mandate.Mandate, error)
	Approve(ctx context.Context, id, renter string) (mandate.Mandate, error)
	Reject(ctx context.Context, id, renter, reason string) (mandate.Mandate, error)
	Cancel(ctx context.Context, id, party string) (mandate.Mandate, error)
}

type reputationService interface {
	SubmitReview(ctx context.Context, p reputation.SubmitParams) (reputation.Score, error)
	GetScore(ctx context.Context, agentID string) (reputation.Score, error)
	TopAgents(ctx context.Context, n int) ([]reputation.Score, error)
}

type disputeService interface {
	Get(ctx context.Context, id string) (dispute.Record, error)
	ByMandate(ctx context.Context, mandateID string) (dispute.Record, error)
	CastVote(ctx context.Context, disputeID, arbiter string, d dispute.Decision) (dispute.Record, error)
}

// Server exposes the mandate lifecycle over HTTP.
type Server struct {
	authService       authService
	mandateService    mandateService
	reputationService reputationService
	disputeService    disputeService
	log               *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

// Routes builds the router. Everything under /api except auth requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", s.handleRegister)
		api.Post("/auth/login", s.handleLogin)

		api.Group(func(p chi.Router) {
			p.Use(s.authenticate)

			p.Get("/mandates", s.handleListMandates)
			p.Post("/mandates", s.handleProposeMandate)
			p.Get("/mandates/{mandateID}", s.handleMandate)
			p.Post("/mandates/{mandateID}/{action}", s.handleMandateAction)
			p.Get("/mandates/{mandateID}/dispute", s.handleMandateDispute)

			p.Post("/reviews", s.handleSubmitReview)
			p.Get("/reputation", s.handleTopAgents)
			p.Get("/reputation/{agentID}", s.handleReputation)

			p.Get("/disputes/{disputeID}", s.handleDispute)
			p.Post("/disputes/{disputeID}/votes", s.handleCastVote)
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		agentID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, agentID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe records latency per route pattern so ids do not explode label cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func agentFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func roleFrom(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps a domain error code to the HTTP status returned to callers.
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidTerms, xerrors.CodeAmountMismatch, xerrors.CodeInvalidRating,
		xerrors.CodeInvalidArgument, xerrors.CodeInsufficientStake, xerrors.CodeUnknownAgent:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeUnauthorized, xerrors.CodeUnauthorizedArbiter, xerrors.CodeUnauthorizedReviewer:
		return http.StatusForbidden
	case xerrors.CodeInvalidState, xerrors.CodeTerminalState, xerrors.CodeCapExceeded,
		xerrors.CodeDuplicateReview, xerrors.CodeDuplicateVote, xerrors.CodeConcurrentModification:
		return http.StatusConflict
	case xerrors.CodeInsufficientArbiters:
		return http.StatusUnprocessableEntity
	case xerrors.CodeContention:
		return http.StatusTooManyRequests
	case xerrors.CodeUnreachable, xerrors.CodeSettlementUnavailable, xerrors.CodeStorageFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeIndeterminate:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	switch {
	case status >= http.StatusInternalServerError:
		s.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	case xerrors.IsDefect(err):
		s.logger().Warn("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, string(xerrors.CodeUnknown), "internal error")
		return
	}
	msg := err.Error()
	if xe, ok := xerrors.From(err); ok && xe.Message() != "" {
		msg = xe.Message()
	}
	writeError(w, status, string(code), msg)
}
