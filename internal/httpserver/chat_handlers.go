package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/openai"
	"github.com/relaymeter/relaymeter-gateway/internal/pipeline"
)

// chatRequest is the OpenAI-compatible body plus the routing extensions.
type chatRequest struct {
	openai.ChatCompletionRequest
	Purpose    string `json:"purpose,omitempty"`
	PowerLevel string `json:"power_level,omitempty"`
}

// chatResponse is the provider completion with the metering block appended.
type chatResponse struct {
	openai.ChatCompletionResponse
	Metering pipeline.Meter `json:"metering"`
}

func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &gwerror.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	id := callerOf(r)

	resp, err := s.pipeline.Handle(r.Context(), pipeline.Request{
		Principal:  id.Principal,
		Tier:       id.Tier,
		Purpose:    body.Purpose,
		PowerLevel: body.PowerLevel,
		Chat:       body.ChatCompletionRequest,
	})
	if err != nil {
		s.logger.Printf("[httpserver] completion failed principal=%s: %v", id.Principal, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ChatCompletionResponse: resp.Completion,
		Metering:               resp.Meter,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := callerOf(r)
	acct, err := s.accounts.EnsureAccount(r.Context(), id.Principal, id.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.accounts.CheckBalance(r.Context(), id.Principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal": id.Principal,
		"tier":      acct.Tier,
		"balance":   balance,
		"allocated": acct.Allocated,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := callerOf(r)
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, &gwerror.ValidationError{Field: "limit", Reason: "must be an integer between 1 and 500"})
			return
		}
		limit = n
	}
	txns, err := s.accounts.History(r.Context(), id.Principal, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal":    id.Principal,
		"transactions": txns,
	})
}
