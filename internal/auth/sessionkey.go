// Package auth issues short-lived session keys that a wallet authorizes by
// signing a canonical message, so key-server requests never need the
// wallet's long-lived key.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

// DefaultTTLMinutes is the session lifetime when the requester asks for none.
const DefaultTTLMinutes = 1440

// CreatedAtLayout renders created_at inside the canonical message.
const CreatedAtLayout = "2006-01-02 15:04:05 UTC"

// CanonicalMessage is the exact text a requester signs to authorize a
// session key. Any other byte sequence is rejected.
func CanonicalMessage(packageID string, ttlMinutes int, createdAt time.Time, publicKey string) string {
	return fmt.Sprintf("Accessing keys of package %s for %d mins from %s, session key %s",
		packageID, ttlMinutes, createdAt.UTC().Format(CreatedAtLayout), publicKey)
}

// SessionKey is an ephemeral Ed25519 keypair bound to one requester and
// package. The private half is only reachable after the requester's wallet
// signature has been verified, and is zeroed by Destroy.
type SessionKey struct {
	mu        sync.Mutex
	publicKey string
	priv      ed25519.PrivateKey
	requester string
	packageID string
	ttl       int
	createdAt time.Time
	expiresAt time.Time
	message   string
	signature string
	verified  bool
}

// NewSessionKey generates a fresh keypair valid for ttlMinutes from now.
func NewSessionKey(requester, packageID string, ttlMinutes int, now time.Time) (*SessionKey, error) {
	if !models.IsObjectID(requester) {
		return nil, fmt.Errorf("requester address %q: %w", requester, apperr.ErrInvalidInput)
	}
	if !models.IsObjectID(packageID) {
		return nil, fmt.Errorf("package id %q: %w", packageID, apperr.ErrInvalidInput)
	}
	if ttlMinutes <= 0 {
		return nil, fmt.Errorf("ttl must be positive: %w", apperr.ErrInvalidInput)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating session keypair: %w", err)
	}
	created := now.UTC().Truncate(time.Second)
	k := &SessionKey{
		publicKey: crypto.EncodePublicKey(pub),
		priv:      priv,
		requester: models.NormalizeAddress(requester),
		packageID: strings.ToLower(packageID),
		ttl:       ttlMinutes,
		createdAt: created,
		expiresAt: created.Add(time.Duration(ttlMinutes) * time.Minute),
	}
	// The wallet signs the package id as the requester sent it.
	k.message = CanonicalMessage(packageID, ttlMinutes, created, k.publicKey)
	return k, nil
}

func (k *SessionKey) PublicKey() string    { return k.publicKey }
func (k *SessionKey) Requester() string    { return k.requester }
func (k *SessionKey) PackageID() string    { return k.packageID }
func (k *SessionKey) TTLMinutes() int      { return k.ttl }
func (k *SessionKey) CreatedAt() time.Time { return k.createdAt }
func (k *SessionKey) ExpiresAt() time.Time { return k.expiresAt }
func (k *SessionKey) Message() string      { return k.message }

func (k *SessionKey) Signature() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.signature
}

// IsValid reports whether the key is unexpired at now.
func (k *SessionKey) IsValid(now time.Time) bool {
	return now.Before(k.expiresAt)
}

func (k *SessionKey) IsVerified() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.verified
}

// VerifySignature checks that signature is claimedAddress's signature over
// the canonical message and that claimedAddress is the requester. On success
// the signature is attached and the key becomes usable. Every failure,
// including a panic inside verification, returns false.
func (k *SessionKey) VerifySignature(signature, claimedAddress string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if models.NormalizeAddress(claimedAddress) != k.requester {
		return false
	}
	signer, err := crypto.VerifyPersonalMessage([]byte(k.message), signature)
	if err != nil || models.NormalizeAddress(signer) != k.requester {
		return false
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return false
	}
	k.signature = signature
	k.verified = true
	return true
}

// PrivateMaterial returns a copy of the private key. It fails until the
// requester's signature is verified and after Destroy.
func (k *SessionKey) PrivateMaterial() (ed25519.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return nil, fmt.Errorf("session key destroyed: %w", apperr.ErrSessionKeyNotFound)
	}
	if !k.verified {
		return nil, fmt.Errorf("session key not yet authorized: %w", apperr.ErrSignatureMismatch)
	}
	out := make(ed25519.PrivateKey, len(k.priv))
	copy(out, k.priv)
	return out, nil
}

// Sign produces a serialized signature over msg with the session key.
func (k *SessionKey) Sign(msg []byte) (string, error) {
	priv, err := k.PrivateMaterial()
	if err != nil {
		return "", err
	}
	defer crypto.Zero(priv)
	return crypto.SignPersonalMessage(priv, msg), nil
}

// Destroy zeroes and drops the private key.
func (k *SessionKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	crypto.Zero(k.priv)
	k.priv = nil
	k.verified = false
}

// Certificate is what a requester presents to prove an authorized session.
type Certificate struct {
	PublicKey string    `json:"publicKey"`
	Signature string    `json:"signature"`
	ExpiresAt time.Time `json:"expiresAt"`
	Message   string    `json:"message"`
}

func (k *SessionKey) Certificate() Certificate {
	return Certificate{
		PublicKey: k.publicKey,
		Signature: k.Signature(),
		ExpiresAt: k.expiresAt,
		Message:   k.message,
	}
}
