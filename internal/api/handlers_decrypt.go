package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/auth"
	"github.com/org/sealaudit/internal/keyserver"
	"github.com/org/sealaudit/internal/policy"
	"github.com/org/sealaudit/internal/report"
	"github.com/org/sealaudit/pkg/models"
)

type decryptRequest struct {
	EncryptedData    string           `json:"encryptedData"`
	ReportID         string           `json:"reportId"`
	RequesterAddress string           `json:"requesterAddress"`
	ObjectID         string           `json:"objectId"`
	SessionKey       auth.Certificate `json:"sessionKey"`
	AccessType       string           `json:"accessType,omitempty"`
	TokenID          string           `json:"tokenId,omitempty"`
}

type decryptResponse struct {
	Success bool           `json:"success"`
	Report  string         `json:"report,omitempty"`
	Error   *apperr.Detail `json:"error,omitempty"`
}

// DecryptHandler handles POST /decrypt. Every step must pass before any
// plaintext is produced; a key-server outage is reported as 503.
func (s *Server) DecryptHandler(w http.ResponseWriter, r *http.Request) {
	var req decryptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeDecryptError(w, r, err)
		return
	}
	env, reportID, kind, err := req.validate()
	if err != nil {
		s.writeDecryptError(w, r, err)
		return
	}

	ctx := r.Context()
	k, err := s.sessions.VerifyCertificate(req.SessionKey, req.RequesterAddress)
	if err != nil {
		s.writeDecryptError(w, r, err)
		return
	}

	access := policy.AccessRequest{PolicyID: req.ObjectID, Accessor: req.RequesterAddress, Kind: kind}
	if req.TokenID != "" {
		access.TokenRef = &req.TokenID
	}
	if err := s.policy.CheckAccess(ctx, access); err != nil {
		s.writeDecryptError(w, r, err)
		return
	}

	if s.quorum == nil {
		s.writeDecryptError(w, r, fmt.Errorf("no key servers configured: %w", apperr.ErrDependencyUnavailable))
		return
	}
	proof := keyserver.NewProof(req.RequesterAddress, req.ObjectID, k.PackageID(), reportID)
	sig, err := k.Sign([]byte(proof.Digest()))
	if err != nil {
		s.writeDecryptError(w, r, err)
		return
	}
	shares, err := s.quorum.Collect(ctx, keyserver.FetchRequest{
		Proof:       proof,
		Certificate: req.SessionKey,
		Signature:   sig,
	})
	if err != nil {
		s.writeDecryptError(w, r, err)
		return
	}

	plaintext, err := report.Open(env, shares)
	if err != nil {
		if errors.Is(err, report.ErrDecrypt) {
			err = fmt.Errorf("encryptedData: %v: %w", err, apperr.ErrInvalidInput)
		}
		s.writeDecryptError(w, r, err)
		return
	}

	log.Info().Str("policy_id", req.ObjectID).Str("requester", k.Requester()).
		Str("report_id", reportID.String()).Msg("report decrypted")
	writeJSON(w, http.StatusOK, decryptResponse{Success: true, Report: string(plaintext)})
}

func (req *decryptRequest) validate() (*report.Envelope, models.U256, models.AccessKind, error) {
	var zero models.U256
	switch {
	case strings.TrimSpace(req.EncryptedData) == "":
		return nil, zero, 0, fmt.Errorf("encryptedData required: %w", apperr.ErrInvalidInput)
	case strings.TrimSpace(req.RequesterAddress) == "":
		return nil, zero, 0, fmt.Errorf("requesterAddress required: %w", apperr.ErrInvalidInput)
	case strings.TrimSpace(req.ObjectID) == "":
		return nil, zero, 0, fmt.Errorf("objectId required: %w", apperr.ErrInvalidInput)
	case req.SessionKey.PublicKey == "" || req.SessionKey.Signature == "" || req.SessionKey.Message == "":
		return nil, zero, 0, fmt.Errorf("sessionKey incomplete: %w", apperr.ErrInvalidInput)
	}

	reportID, err := models.ParseU256(req.ReportID)
	if err != nil {
		return nil, zero, 0, fmt.Errorf("reportId: %v: %w", err, apperr.ErrInvalidInput)
	}
	kind := models.AccessRead
	if req.AccessType != "" {
		var ok bool
		if kind, ok = models.ParseAccessKind(req.AccessType); !ok {
			return nil, zero, 0, fmt.Errorf("accessType %q: %w", req.AccessType, apperr.ErrInvalidAccessType)
		}
	}
	env, err := report.DecodeEnvelope(req.EncryptedData)
	if err != nil {
		return nil, zero, 0, err
	}
	if !env.ReportID.Equal(reportID) || env.PolicyID != req.ObjectID {
		return nil, zero, 0, fmt.Errorf("encryptedData was sealed for another report or policy: %w", apperr.ErrInvalidInput)
	}
	return env, reportID, kind, nil
}

func (s *Server) writeDecryptError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := apperr.NewBody(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("decrypt failed")
		body.Error.Message = "internal error"
	}
	writeJSON(w, status, decryptResponse{Success: false, Error: &body.Error})
}
