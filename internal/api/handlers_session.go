package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/events"
	"github.com/org/sealaudit/pkg/models"
)

type createSessionKeyRequest struct {
	Address   string `json:"address"`
	PackageID string `json:"packageId"`
	TTLMin    int    `json:"ttlMin,omitempty"`
}

type createSessionKeyResponse struct {
	Message   string    `json:"message"`
	PublicKey string    `json:"publicKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateSessionKeyHandler handles POST /session-key
func (s *Server) CreateSessionKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.checkPackage(req.PackageID); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TTLMin < 0 {
		writeError(w, r, fmt.Errorf("ttlMin must be positive: %w", apperr.ErrInvalidInput))
		return
	}

	k, err := s.sessions.Create(req.Address, req.PackageID, req.TTLMin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createSessionKeyResponse{
		Message:   k.Message(),
		PublicKey: k.PublicKey(),
		ExpiresAt: k.ExpiresAt(),
	})
}

type attachSignatureRequest struct {
	Address   string `json:"address"`
	PackageID string `json:"packageId"`
	Signature string `json:"signature"`
}

// AttachSignatureHandler handles POST /session-key/signature
func (s *Server) AttachSignatureHandler(w http.ResponseWriter, r *http.Request) {
	var req attachSignatureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Address) == "" || strings.TrimSpace(req.Signature) == "" {
		writeError(w, r, fmt.Errorf("address and signature required: %w", apperr.ErrInvalidInput))
		return
	}
	if err := s.checkPackage(req.PackageID); err != nil {
		writeError(w, r, err)
		return
	}

	k, err := s.sessions.AttachSignature(req.Address, req.PackageID, req.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(events.TypeSessionKeyVerified, map[string]string{
		"requester":  k.Requester(),
		"public_key": k.PublicKey(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// checkPackage requires packageID to be the package this service decrypts for.
func (s *Server) checkPackage(packageID string) error {
	if !models.IsObjectID(packageID) {
		return fmt.Errorf("packageId %q is not a 0x object id: %w", packageID, apperr.ErrInvalidInput)
	}
	if s.cfg.PackageID != "" && !strings.EqualFold(packageID, s.cfg.PackageID) {
		return fmt.Errorf("packageId %s is not served here: %w", packageID, apperr.ErrInvalidInput)
	}
	return nil
}

func (s *Server) publish(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewEvent(eventType, s.clock.Now(), data))
}
