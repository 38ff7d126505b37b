// Package httpserver exposes the gateway over HTTP: the OpenAI-compatible
// completion endpoint, credential management, balance and transaction
// queries, health and metrics. Authentication is out of scope; principal
// identity and tier arrive in trusted headers set by the fronting proxy.
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/health"
	"github.com/relaymeter/relaymeter-gateway/internal/ledger"
	"github.com/relaymeter/relaymeter-gateway/internal/pipeline"
	"github.com/relaymeter/relaymeter-gateway/internal/version"
)

const (
	headerPrincipal = "X-Principal"
	headerTier      = "X-Tier"
)

// Completer runs one request through the pipeline.
type Completer interface {
	Handle(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Accounts is the ledger view the HTTP layer needs.
type Accounts interface {
	EnsureAccount(ctx context.Context, principal, tier string) (ledger.Account, error)
	CheckBalance(ctx context.Context, principal string) (decimal.Decimal, error)
	History(ctx context.Context, principal string, limit int) ([]ledger.Transaction, error)
}

// HealthReporter supplies the health endpoint.
type HealthReporter interface {
	Snapshot() []health.ProviderHealth
}

// ModelLister enumerates the models reachable through the routing table.
type ModelLister interface {
	Models() []string
}

// Throttle decides whether a principal may issue one more request. A denied
// request carries a retry hint.
type Throttle interface {
	Allow(ctx context.Context, principal, tier string) (bool, time.Duration, error)
}

// Config wires a Server.
type Config struct {
	Listen      string
	Pipeline    Completer
	Credentials CredentialManager
	Accounts    Accounts
	Health      HealthReporter
	Models      ModelLister
	Throttle    Throttle
	Metrics     http.Handler
	Logger      *log.Logger
}

// Server is the HTTP front of the gateway.
type Server struct {
	pipeline    Completer
	credentials CredentialManager
	accounts    Accounts
	health      HealthReporter
	models      ModelLister
	throttle    Throttle
	metrics     http.Handler
	logger      *log.Logger

	httpServer *http.Server
}

// New builds a Server; call Router for the handler or Start to serve.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		pipeline:    cfg.Pipeline,
		credentials: cfg.Credentials,
		accounts:    cfg.Accounts,
		health:      cfg.Health,
		models:      cfg.Models,
		throttle:    cfg.Throttle,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the chi routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)

		v1.Group(func(private chi.Router) {
			private.Use(s.requireIdentity)
			if s.throttle != nil {
				private.Use(s.throttleRequests)
			}
			private.Post("/chat/completions", s.handleChatCompletion)
			private.Get("/balance", s.handleBalance)
			private.Get("/transactions", s.handleTransactions)

			private.Route("/credentials", func(cr chi.Router) {
				cr.Get("/", s.handleListCredentials)
				cr.Post("/", s.handleAddCredential)
				cr.Get("/audit", s.handleCredentialAudit)
				cr.Delete("/{provider}", s.handleRevokeCredential)
				cr.Post("/{provider}/test", s.handleRetestCredential)
			})
		})
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("[httpserver] listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// identity is the per-request caller extracted from trusted headers.
type identity struct {
	Principal string
	Tier      string
}

type identityKey struct{}

// requireIdentity rejects requests without the trusted principal header.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := r.Header.Get(headerPrincipal)
		if principal == "" {
			writeError(w, &gwerror.ValidationError{Field: headerPrincipal, Reason: "header is required"})
			return
		}
		id := identity{Principal: principal, Tier: r.Header.Get(headerTier)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// throttleRequests enforces the per-principal rate limit. It runs after
// requireIdentity so the identity is always present.
func (s *Server) throttleRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := callerOf(r)
		ok, retryAfter, err := s.throttle.Allow(r.Context(), id.Principal, id.Tier)
		if err != nil {
			s.logger.Printf("throttle check failed for %s: %v", id.Principal, err)
		}
		if !ok {
			seconds := int(retryAfter/time.Second) + 1
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			var body errorBody
			body.Error.Message = "rate limit exceeded"
			body.Error.Type = http.StatusText(http.StatusTooManyRequests)
			writeJSON(w, http.StatusTooManyRequests, body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerOf(r *http.Request) identity {
	id, _ := r.Context().Value(identityKey{}).(identity)
	return id
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := gwerror.HTTPStatus(err)
	var body errorBody
	body.Error.Message = err.Error()
	body.Error.Type = http.StatusText(status)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := []health.ProviderHealth{}
	if s.health != nil {
		providers = s.health.Snapshot()
	}
	overall := "ok"
	usable := len(providers) == 0
	for _, p := range providers {
		if p.Status != health.StatusDown {
			usable = true
		}
	}
	if !usable {
		overall = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    overall,
		"version":   version.Info(),
		"providers": providers,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := []string{}
	if s.models != nil {
		models = s.models.Models()
	}
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, modelEntry{ID: m, Object: "model"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   entries,
	})
}
