package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/policy"
	"github.com/org/sealaudit/pkg/models"
)

type createPolicyRequest struct {
	ReportID       models.U256 `json:"report_id"`
	AuditRecordRef string      `json:"audit_record_ref"`
	Readers        []string    `json:"readers"`
	Auditors       []string    `json:"auditors"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
}

// CreatePolicyHandler handles POST /v1/policies
func (s *Server) CreatePolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.policy.CreatePolicy(r.Context(), callerFromCtx(r.Context()), policy.CreatePolicyInput{
		ReportID:       req.ReportID,
		AuditRecordRef: req.AuditRecordRef,
		Readers:        req.Readers,
		Auditors:       req.Auditors,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPolicyHandler handles GET /v1/policies/{id}
func (s *Server) GetPolicyHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.policy.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type grantTokenRequest struct {
	Recipient    string            `json:"recipient"`
	AccessKind   models.AccessKind `json:"access_kind"`
	Transferable bool              `json:"transferable"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// GrantTokenHandler handles POST /v1/policies/{id}/tokens
func (s *Server) GrantTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req grantTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tok, err := s.policy.GrantAccessToken(r.Context(), callerFromCtx(r.Context()), chi.URLParam(r, "id"), policy.GrantInput{
		Recipient:    req.Recipient,
		Kind:         req.AccessKind,
		Transferable: req.Transferable,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

// ListTokensHandler handles GET /v1/policies/{id}/tokens
func (s *Server) ListTokensHandler(w http.ResponseWriter, r *http.Request) {
	toks, err := s.policy.ListTokens(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": toks})
}

// RevokePolicyHandler handles POST /v1/policies/{id}/revoke
func (s *Server) RevokePolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.policy.RevokePolicy(r.Context(), callerFromCtx(r.Context()), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveAccessHandler handles POST /v1/policies/{id}/remove-access
func (s *Server) RemoveAccessHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address    string            `json:"address"`
		AccessKind models.AccessKind `json:"access_kind"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.policy.RemoveAccess(r.Context(), callerFromCtx(r.Context()), chi.URLParam(r, "id"), req.Address, req.AccessKind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AccessLogHandler handles GET /v1/policies/{id}/access-log
func (s *Server) AccessLogHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.policy.GetPolicy(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := callerFromCtx(ctx)
	if !p.IsAdmin(caller) && !p.Auditors.Has(caller) {
		writeError(w, r, fmt.Errorf("%s may not read the access log of %s: %w", caller, p.ID, apperr.ErrUnauthorizedAccess))
		return
	}
	recs, err := s.policy.ListAccessLog(ctx, p.ID, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// CheckAccessHandler handles POST /v1/policies/{id}/check. The caller is
// the accessor; the attempt is recorded in the access log either way.
func (s *Server) CheckAccessHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessKind models.AccessKind `json:"access_kind"`
		TokenID    string            `json:"token_id,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AccessKind == 0 {
		req.AccessKind = models.AccessRead
	}
	access := policy.AccessRequest{
		PolicyID: chi.URLParam(r, "id"),
		Accessor: callerFromCtx(r.Context()),
		Kind:     req.AccessKind,
	}
	if req.TokenID != "" {
		access.TokenRef = &req.TokenID
	}
	if err := s.policy.CheckAccess(r.Context(), access); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

// GetTokenHandler handles GET /v1/tokens/{id}
func (s *Server) GetTokenHandler(w http.ResponseWriter, r *http.Request) {
	tok, err := s.policy.GetToken(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// TransferTokenHandler handles POST /v1/tokens/{id}/transfer
func (s *Server) TransferTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tok, err := s.policy.TransferToken(r.Context(), callerFromCtx(r.Context()), chi.URLParam(r, "id"), req.Recipient)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// BurnTokenHandler handles POST /v1/tokens/{id}/burn
func (s *Server) BurnTokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.policy.BurnExpiredToken(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
