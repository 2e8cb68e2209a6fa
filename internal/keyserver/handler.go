package keyserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

type storeShareRequest struct {
	PolicyID string       `json:"policy_id"`
	ReportID models.U256  `json:"report_id"`
	Share    crypto.Share `json:"share"`
}

type shareResponse struct {
	Server string       `json:"server"`
	Share  crypto.Share `json:"share"`
}

// Handler exposes a Server over HTTP. Share uploads require the bearer
// storeToken; with an empty token the upload route is not mounted.
func Handler(s *Server, storeToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Post("/v1/fetch_key", s.fetchKeyHandler)
	if storeToken != "" {
		r.With(requireBearer(storeToken)).Post("/v1/shares", s.storeShareHandler)
	}
	return r
}

func requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, fmt.Errorf("share upload: %w", apperr.ErrUnauthorizedAccess))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) fetchKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decoding fetch request: %v: %w", err, apperr.ErrInvalidInput))
		return
	}
	share, err := s.FetchShare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{Server: s.id, Share: share})
}

func (s *Server) storeShareHandler(w http.ResponseWriter, r *http.Request) {
	var req storeShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decoding share: %v: %w", err, apperr.ErrInvalidInput))
		return
	}
	if err := s.StoreShare(r.Context(), req.PolicyID, req.ReportID, req.Share); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), apperr.NewBody(err))
}
