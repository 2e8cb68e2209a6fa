package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

const (
	msgPrefix     = "Accessing keys of package "
	msgForSep     = " for "
	msgMinsSep    = " mins from "
	msgSessionSep = ", session key "
)

// ParsedMessage is the content of a canonical authorization message.
type ParsedMessage struct {
	PackageID  string
	TTLMinutes int
	CreatedAt  time.Time
	PublicKey  string
}

// ParseCanonicalMessage splits msg back into its fields. It accepts only text
// that CanonicalMessage would reproduce byte for byte.
func ParseCanonicalMessage(msg string) (ParsedMessage, error) {
	var out ParsedMessage
	bad := func(what string) (ParsedMessage, error) {
		return ParsedMessage{}, fmt.Errorf("canonical message: %s: %w", what, apperr.ErrSignatureMismatch)
	}
	rest, ok := strings.CutPrefix(msg, msgPrefix)
	if !ok {
		return bad("prefix")
	}
	pkg, rest, ok := strings.Cut(rest, msgForSep)
	if !ok {
		return bad("package")
	}
	ttl, rest, ok := strings.Cut(rest, msgMinsSep)
	if !ok {
		return bad("ttl")
	}
	created, pub, ok := strings.Cut(rest, msgSessionSep)
	if !ok {
		return bad("session key")
	}
	n, err := strconv.Atoi(ttl)
	if err != nil || n <= 0 {
		return bad("ttl")
	}
	at, err := time.Parse(CreatedAtLayout, created)
	if err != nil {
		return bad("created_at")
	}
	out = ParsedMessage{PackageID: pkg, TTLMinutes: n, CreatedAt: at.UTC(), PublicKey: pub}
	if CanonicalMessage(out.PackageID, out.TTLMinutes, out.CreatedAt, out.PublicKey) != msg {
		return bad("not canonical")
	}
	return out, nil
}

// ExpiresAt is when a session authorized by this message ends.
func (m ParsedMessage) ExpiresAt() time.Time {
	return m.CreatedAt.Add(time.Duration(m.TTLMinutes) * time.Minute)
}

// CheckCertificate validates a certificate without any server-side session
// state, the way a key server does: the message is canonical, names
// packageID and the certificate's public key, is unexpired at now, and is
// signed by requester.
func CheckCertificate(cert Certificate, requester, packageID string, now time.Time) error {
	m, err := ParseCanonicalMessage(cert.Message)
	if err != nil {
		return err
	}
	if !strings.EqualFold(m.PackageID, packageID) {
		return fmt.Errorf("certificate is for package %s: %w", m.PackageID, apperr.ErrSignatureMismatch)
	}
	if m.PublicKey != cert.PublicKey {
		return fmt.Errorf("certificate message names another session key: %w", apperr.ErrSignatureMismatch)
	}
	if !now.Before(m.ExpiresAt()) {
		return fmt.Errorf("session certificate expired at %s: %w", m.ExpiresAt().Format(time.RFC3339), apperr.ErrSessionKeyExpired)
	}
	signer, err := crypto.VerifyPersonalMessage([]byte(cert.Message), cert.Signature)
	if err != nil || models.NormalizeAddress(signer) != models.NormalizeAddress(requester) {
		return fmt.Errorf("certificate not signed by %s: %w", requester, apperr.ErrSignatureMismatch)
	}
	return nil
}

// SessionAddress is the address that signatures by the certificate's
// session key recover to.
func (c Certificate) SessionAddress() (string, error) {
	pub, err := crypto.DecodePublicKey(c.PublicKey)
	if err != nil {
		return "", fmt.Errorf("session public key: %w", apperr.ErrSignatureMismatch)
	}
	return crypto.Address(crypto.FlagEd25519, pub), nil
}
