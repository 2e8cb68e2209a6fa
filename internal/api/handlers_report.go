package api

import (
	"fmt"
	"net/http"

	"github.com/org/sealaudit/internal/apperr"
)

type encryptReportRequest struct {
	PolicyID string `json:"policy_id"`
	Report   string `json:"report"`
}

// EncryptReportHandler handles POST /v1/reports/encrypt. The report is
// sealed under the policy's report id and only a policy admin may seal.
func (s *Server) EncryptReportHandler(w http.ResponseWriter, r *http.Request) {
	var req encryptReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Report == "" {
		writeError(w, r, fmt.Errorf("report required: %w", apperr.ErrInvalidInput))
		return
	}

	ctx := r.Context()
	p, err := s.policy.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := callerFromCtx(ctx)
	if !p.IsAdmin(caller) {
		writeError(w, r, fmt.Errorf("%s is not an admin of policy %s: %w", caller, p.ID, apperr.ErrUnauthorizedAccess))
		return
	}
	if !p.IsActive {
		writeError(w, r, fmt.Errorf("policy %s: %w", p.ID, apperr.ErrPolicyRevoked))
		return
	}
	if s.sealer == nil {
		writeError(w, r, fmt.Errorf("no key servers configured: %w", apperr.ErrDependencyUnavailable))
		return
	}

	env, err := s.sealer.Seal(ctx, p.ReportID, p.ID, []byte(req.Report))
	if err != nil {
		writeError(w, r, err)
		return
	}
	encoded, err := env.Encode()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"encryptedData": encoded,
		"reportId":      p.ReportID.String(),
		"policyId":      p.ID,
	})
}
