package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaymeter/relaymeter-gateway/internal/credential"
	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
)

// CredentialManager is the directory surface exposed over HTTP. Responses
// only ever carry masked previews.
type CredentialManager interface {
	Add(ctx context.Context, owner, tier, provider, secret string) (credential.Preview, error)
	List(ctx context.Context, owner string) ([]credential.Preview, error)
	Revoke(ctx context.Context, owner, provider string) error
	Retest(ctx context.Context, owner, provider string) (credential.Preview, error)
	AuditTrail(ctx context.Context, owner string, limit int) ([]credential.AuditEvent, error)
}

type addCredentialRequest struct {
	Provider string `json:"provider"`
	Secret   string `json:"secret"`
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var body addCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &gwerror.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	id := callerOf(r)
	preview, err := s.credentials.Add(r.Context(), id.Principal, id.Tier, body.Provider, body.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, preview)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	id := callerOf(r)
	previews, err := s.credentials.List(r.Context(), id.Principal)
	if err != nil {
		writeError(w, err)
		return
	}
	if previews == nil {
		previews = []credential.Preview{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": previews})
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	id := callerOf(r)
	provider := chi.URLParam(r, "provider")
	if err := s.credentials.Revoke(r.Context(), id.Principal, provider); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetestCredential(w http.ResponseWriter, r *http.Request) {
	id := callerOf(r)
	provider := chi.URLParam(r, "provider")
	preview, err := s.credentials.Retest(r.Context(), id.Principal, provider)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleCredentialAudit(w http.ResponseWriter, r *http.Request) {
	id := callerOf(r)
	events, err := s.credentials.AuditTrail(r.Context(), id.Principal, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []credential.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
