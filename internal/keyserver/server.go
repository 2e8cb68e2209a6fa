// Package keyserver simulates the threshold key-server network: each server
// holds one share of every report's data key and releases it only to a
// session-authorized requester whose proof transaction passes seal_approve.
package keyserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/auth"
	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/internal/metrics"
	"github.com/org/sealaudit/pkg/models"
)

const kekContext = "sealaudit-keyserver-kek-v1/"

// Approver runs seal_approve without side effects.
type Approver interface {
	SealApprove(ctx context.Context, sender, policyID string, idBytes []byte) error
}

// FetchRequest asks a key server for its share of the report named by the
// proof's id bytes. Signature is the session key's signature over
// Proof.Digest().
type FetchRequest struct {
	Proof       ProofTransaction `json:"proof"`
	Certificate auth.Certificate `json:"certificate"`
	Signature   string           `json:"signature"`
}

type ServerConfig struct {
	ID        string
	PackageID string
	// MasterKey seeds the key-encryption key that wraps shares at rest.
	MasterKey []byte
}

type Server struct {
	id        string
	packageID string
	shares    ShareStore
	gate      Approver
	clock     clock.Clock

	mu  sync.RWMutex
	kek []byte
}

func NewServer(cfg ServerConfig, shares ShareStore, gate Approver, clk clock.Clock) (*Server, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("key server id is required: %w", apperr.ErrInvalidInput)
	}
	if len(cfg.MasterKey) < crypto.KeySize {
		return nil, fmt.Errorf("key server %s: master key must be at least %d bytes: %w", cfg.ID, crypto.KeySize, apperr.ErrInvalidInput)
	}
	kek, err := crypto.DeriveKey(cfg.MasterKey, kekContext+cfg.ID)
	if err != nil {
		return nil, err
	}
	return &Server{
		id:        cfg.ID,
		packageID: models.NormalizeAddress(cfg.PackageID),
		shares:    shares,
		gate:      gate,
		clock:     clk,
		kek:       kek,
	}, nil
}

func (s *Server) ID() string { return s.id }

func (s *Server) keyEncryptionKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kek == nil {
		return nil, fmt.Errorf("key server %s is closed: %w", s.id, apperr.ErrDependencyUnavailable)
	}
	out := make([]byte, len(s.kek))
	copy(out, s.kek)
	return out, nil
}

// shareKey names the share of one policy's report. A proof naming another
// policy never reaches it, even for the same report id.
func shareKey(policyID string, reportID models.U256) string {
	return policyID + "/" + reportID.String()
}

// StoreShare wraps share under the server's KEK and persists it for the
// report guarded by policyID.
func (s *Server) StoreShare(ctx context.Context, policyID string, reportID models.U256, share crypto.Share) error {
	if policyID == "" {
		return fmt.Errorf("policy id required: %w", apperr.ErrInvalidInput)
	}
	kek, err := s.keyEncryptionKey()
	if err != nil {
		return err
	}
	defer crypto.Zero(kek)

	raw, err := share.MarshalBinary()
	if err != nil {
		return err
	}
	defer crypto.Zero(raw)
	key := shareKey(policyID, reportID)
	wrapped, err := crypto.WrapKey(raw, kek, []byte(key))
	if err != nil {
		return fmt.Errorf("wrapping share: %w", err)
	}
	return s.shares.Put(ctx, key, wrapped)
}

// FetchShare releases this server's share once every check passes, in
// order: package scope, session certificate, request signature by the
// session key, then a simulated seal_approve.
func (s *Server) FetchShare(ctx context.Context, req FetchRequest) (crypto.Share, error) {
	share, err := s.fetchShare(ctx, req)
	result := "released"
	if err != nil {
		result = apperr.Code(err)
		log.Debug().Err(err).Str("server", s.id).Str("sender", req.Proof.Sender).Msg("share withheld")
	}
	metrics.ShareFetches.WithLabelValues(s.id, result).Inc()
	return share, err
}

func (s *Server) fetchShare(ctx context.Context, req FetchRequest) (crypto.Share, error) {
	if s.packageID != "" && models.NormalizeAddress(req.Proof.PackageID) != s.packageID {
		return crypto.Share{}, fmt.Errorf("proof targets package %s: %w", req.Proof.PackageID, apperr.ErrUnauthorizedAccess)
	}
	if err := auth.CheckCertificate(req.Certificate, req.Proof.Sender, req.Proof.PackageID, s.clock.Now()); err != nil {
		return crypto.Share{}, err
	}
	sessionAddr, err := req.Certificate.SessionAddress()
	if err != nil {
		return crypto.Share{}, err
	}
	signer, err := crypto.VerifyPersonalMessage([]byte(req.Proof.Digest()), req.Signature)
	if err != nil || signer != sessionAddr {
		return crypto.Share{}, fmt.Errorf("proof not signed by session key: %w", apperr.ErrSignatureMismatch)
	}
	reportID, err := req.Proof.ReportID()
	if err != nil {
		return crypto.Share{}, err
	}
	if err := s.gate.SealApprove(ctx, req.Proof.Sender, req.Proof.PolicyID, req.Proof.IDBytes); err != nil {
		return crypto.Share{}, err
	}

	key := shareKey(req.Proof.PolicyID, reportID)
	wrapped, err := s.shares.Get(ctx, key)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return crypto.Share{}, fmt.Errorf("key server %s holds no share for report %s of policy %s: %w",
				s.id, reportID, req.Proof.PolicyID, apperr.ErrNotFound)
		}
		return crypto.Share{}, fmt.Errorf("key server %s: %v: %w", s.id, err, apperr.ErrDependencyUnavailable)
	}
	kek, err := s.keyEncryptionKey()
	if err != nil {
		return crypto.Share{}, err
	}
	defer crypto.Zero(kek)
	raw, err := crypto.UnwrapKey(wrapped, kek, []byte(key))
	if err != nil {
		return crypto.Share{}, fmt.Errorf("unwrapping share: %w", err)
	}
	defer crypto.Zero(raw)
	var share crypto.Share
	if err := share.UnmarshalBinary(raw); err != nil {
		return crypto.Share{}, err
	}
	return share, nil
}

// Close zeroes the KEK and closes the share store. Later calls fail with
// ErrDependencyUnavailable.
func (s *Server) Close() error {
	s.mu.Lock()
	crypto.Zero(s.kek)
	s.kek = nil
	s.mu.Unlock()
	return s.shares.Close()
}
