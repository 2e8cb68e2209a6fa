package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/internal/metrics"
	"github.com/org/sealaudit/pkg/models"
)

// DefaultSweepInterval is how often Run destroys expired keys.
const DefaultSweepInterval = 5 * time.Minute

type StoreOptions struct {
	DefaultTTLMinutes int
	SweepInterval     time.Duration
}

// Store is the process-wide set of session keys, keyed by public key.
type Store struct {
	mu      sync.Mutex
	keys    map[string]*SessionKey
	clock   clock.Clock
	ttl     int
	sweepIv time.Duration
}

func NewStore(clk clock.Clock, opts StoreOptions) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.DefaultTTLMinutes <= 0 {
		opts.DefaultTTLMinutes = DefaultTTLMinutes
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Store{
		keys:    make(map[string]*SessionKey),
		clock:   clk,
		ttl:     opts.DefaultTTLMinutes,
		sweepIv: opts.SweepInterval,
	}
}

// Create issues a new unsigned session key. ttlMinutes <= 0 uses the default.
func (s *Store) Create(requester, packageID string, ttlMinutes int) (*SessionKey, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = s.ttl
	}
	k, err := NewSessionKey(requester, packageID, ttlMinutes, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keys[k.PublicKey()] = k
	n := len(s.keys)
	s.mu.Unlock()

	metrics.ActiveSessionKeys.Set(float64(n))
	log.Info().Str("requester", k.Requester()).Str("package_id", k.PackageID()).
		Time("expires_at", k.ExpiresAt()).Msg("session key created")
	return k, nil
}

func (s *Store) Get(publicKey string) (*SessionKey, error) {
	s.mu.Lock()
	k, ok := s.keys[publicKey]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session key %s: %w", publicKey, apperr.ErrSessionKeyNotFound)
	}
	return k, nil
}

// latestPending returns the most recently created unverified key for
// requester and package.
func (s *Store) latestPending(requester, packageID string) *SessionKey {
	requester = models.NormalizeAddress(requester)
	packageID = models.NormalizeAddress(packageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *SessionKey
	for _, k := range s.keys {
		if k.Requester() != requester || k.PackageID() != packageID || k.IsVerified() {
			continue
		}
		if best == nil || k.CreatedAt().After(best.CreatedAt()) {
			best = k
		}
	}
	return best
}

// AttachSignature authorizes the requester's pending key for packageID.
func (s *Store) AttachSignature(requester, packageID, signature string) (*SessionKey, error) {
	k := s.latestPending(requester, packageID)
	if k == nil {
		return nil, fmt.Errorf("no pending session key for %s: %w", requester, apperr.ErrSessionKeyNotFound)
	}
	if !k.IsValid(s.clock.Now()) {
		s.remove(k.PublicKey())
		return nil, fmt.Errorf("session key for %s: %w", requester, apperr.ErrSessionKeyExpired)
	}
	if !k.VerifySignature(signature, requester) {
		return nil, fmt.Errorf("session key for %s: %w", requester, apperr.ErrSignatureMismatch)
	}
	log.Info().Str("requester", k.Requester()).Msg("session key authorized")
	return k, nil
}

// Verify re-checks a key in order: existence, expiry (expired keys are
// removed), then that it carries a verified signature from requester.
func (s *Store) Verify(publicKey, requester string) (*SessionKey, error) {
	k, err := s.Get(publicKey)
	if err != nil {
		return nil, err
	}
	if !k.IsValid(s.clock.Now()) {
		s.remove(publicKey)
		return nil, fmt.Errorf("session key %s: %w", publicKey, apperr.ErrSessionKeyExpired)
	}
	if !k.IsVerified() || k.Requester() != models.NormalizeAddress(requester) {
		return nil, fmt.Errorf("session key %s not authorized for %s: %w", publicKey, requester, apperr.ErrSignatureMismatch)
	}
	return k, nil
}

// VerifyCertificate checks a presented certificate against the stored key:
// the usual Verify checks, the message must equal the canonical message byte
// for byte, and the signature must be requester's signature over it.
func (s *Store) VerifyCertificate(cert Certificate, requester string) (*SessionKey, error) {
	k, err := s.Verify(cert.PublicKey, requester)
	if err != nil {
		return nil, err
	}
	if cert.Message != k.Message() {
		return nil, fmt.Errorf("certificate message differs from canonical message: %w", apperr.ErrSignatureMismatch)
	}
	signer, err := crypto.VerifyPersonalMessage([]byte(cert.Message), cert.Signature)
	if err != nil || models.NormalizeAddress(signer) != k.Requester() {
		return nil, fmt.Errorf("certificate signature: %w", apperr.ErrSignatureMismatch)
	}
	return k, nil
}

// Delete removes and destroys a key. It reports whether the key existed.
func (s *Store) Delete(publicKey string) bool {
	return s.remove(publicKey)
}

func (s *Store) remove(publicKey string) bool {
	s.mu.Lock()
	k, ok := s.keys[publicKey]
	delete(s.keys, publicKey)
	n := len(s.keys)
	s.mu.Unlock()
	if ok {
		k.Destroy()
		metrics.ActiveSessionKeys.Set(float64(n))
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Sweep removes every expired key and destroys it. Keys are destroyed
// after the map lock is released.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	var expired []*SessionKey
	for pub, k := range s.keys {
		if !k.IsValid(now) {
			expired = append(expired, k)
			delete(s.keys, pub)
		}
	}
	n := len(s.keys)
	s.mu.Unlock()

	for _, k := range expired {
		k.Destroy()
	}
	if len(expired) > 0 {
		metrics.SessionKeysSwept.Add(float64(len(expired)))
		log.Debug().Int("removed", len(expired)).Int("remaining", n).Msg("session key sweep")
	}
	metrics.ActiveSessionKeys.Set(float64(n))
	return len(expired)
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepIv)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
