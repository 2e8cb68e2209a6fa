package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/audit"
	"github.com/org/sealaudit/pkg/models"
)

// AuditConfigHandler handles GET /v1/audit/config
func (s *Server) AuditConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.ledger.Config(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type submitAuditRequest struct {
	BlobRef                 models.U256         `json:"blob_ref"`
	BlobObjectRef           string              `json:"blob_object_ref"`
	ChallengeEpoch          uint32              `json:"challenge_epoch"`
	TotalChallenges         uint16              `json:"total_challenges"`
	SuccessfulVerifications uint16              `json:"successful_verifications"`
	IntegrityHash           []byte              `json:"integrity_hash"`
	PQCSignature            []byte              `json:"pqc_signature"`
	PQCAlgorithm            models.PQCAlgorithm `json:"pqc_algorithm"`
}

// SubmitAuditHandler handles POST /v1/audit/records. The auditor is the
// session's requester.
func (s *Server) SubmitAuditHandler(w http.ResponseWriter, r *http.Request) {
	var req submitAuditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.ledger.SubmitAuditRecord(r.Context(), audit.Submission{
		BlobRef:                 req.BlobRef,
		BlobObjectRef:           req.BlobObjectRef,
		Auditor:                 callerFromCtx(r.Context()),
		ChallengeEpoch:          req.ChallengeEpoch,
		TotalChallenges:         req.TotalChallenges,
		SuccessfulVerifications: req.SuccessfulVerifications,
		IntegrityHash:           req.IntegrityHash,
		PQCSignature:            req.PQCSignature,
		PQCAlgorithm:            req.PQCAlgorithm,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetAuditRecordHandler handles GET /v1/audit/records/{id}
func (s *Server) GetAuditRecordHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// BlobHistoryHandler handles GET /v1/audit/blobs/{blob}
func (s *Server) BlobHistoryHandler(w http.ResponseWriter, r *http.Request) {
	blob, err := models.ParseU256(chi.URLParam(r, "blob"))
	if err != nil {
		writeError(w, r, fmt.Errorf("blob id: %v: %w", err, apperr.ErrInvalidInput))
		return
	}
	h, err := s.ledger.GetHistory(r.Context(), blob)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// AuditorsHandler handles POST /v1/audit/auditors
func (s *Server) AuditorsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address    string `json:"address"`
		Authorized bool   `json:"authorized"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	caller := callerFromCtx(r.Context())
	var (
		cfg *models.AuditConfig
		err error
	)
	if req.Authorized {
		cfg, err = s.ledger.AuthorizeAuditor(r.Context(), caller, req.Address)
	} else {
		cfg, err = s.ledger.DeauthorizeAuditor(r.Context(), caller, req.Address)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ChallengeBoundsHandler handles POST /v1/audit/challenge-bounds
func (s *Server) ChallengeBoundsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Min uint16 `json:"min_challenges"`
		Max uint16 `json:"max_challenges"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := s.ledger.UpdateChallengeBounds(r.Context(), callerFromCtx(r.Context()), req.Min, req.Max)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
