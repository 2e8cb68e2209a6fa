package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
)

func signedCert(t *testing.T, w wallet, ttl int) Certificate {
	t.Helper()
	k, err := NewSessionKey(w.addr, testPackage, ttl, start)
	require.NoError(t, err)
	require.True(t, k.VerifySignature(w.sign(k.Message()), w.addr))
	return k.Certificate()
}

func TestParseCanonicalMessageRoundTrip(t *testing.T) {
	msg := CanonicalMessage(testPackage, 90, start, "AAEC")
	m, err := ParseCanonicalMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, testPackage, m.PackageID)
	assert.Equal(t, 90, m.TTLMinutes)
	assert.Equal(t, start, m.CreatedAt)
	assert.Equal(t, "AAEC", m.PublicKey)
	assert.Equal(t, start.Add(90*time.Minute), m.ExpiresAt())
}

func TestParseCanonicalMessageRejectsVariants(t *testing.T) {
	good := CanonicalMessage(testPackage, 90, start, "AAEC")
	for name, msg := range map[string]string{
		"trailing space": good + " ",
		"lowercase":      "accessing" + good[len("Accessing"):],
		"zero ttl":       CanonicalMessage(testPackage, 0, start, "AAEC"),
		"other layout":   "Accessing keys of package " + testPackage + " for 90 mins from 2026-04-02T09:30:15Z, session key AAEC",
		"empty":          "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCanonicalMessage(msg)
			assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)
		})
	}
}

func TestCheckCertificate(t *testing.T) {
	w := newWallet(t)
	cert := signedCert(t, w, 60)

	require.NoError(t, CheckCertificate(cert, w.addr, testPackage, start.Add(30*time.Minute)))

	err := CheckCertificate(cert, w.addr, testPackage, start.Add(60*time.Minute))
	assert.ErrorIs(t, err, apperr.ErrSessionKeyExpired)

	err = CheckCertificate(cert, newWallet(t).addr, testPackage, start)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)

	err = CheckCertificate(cert, w.addr, "0x2222222222222222222222222222222222222222222222222222222222222222", start)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)

	swapped := cert
	swapped.PublicKey = signedCert(t, w, 60).PublicKey
	err = CheckCertificate(swapped, w.addr, testPackage, start)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)
}

func TestCertificateSessionAddress(t *testing.T) {
	w := newWallet(t)
	k, err := NewSessionKey(w.addr, testPackage, 60, start)
	require.NoError(t, err)
	require.True(t, k.VerifySignature(w.sign(k.Message()), w.addr))

	addr, err := k.Certificate().SessionAddress()
	require.NoError(t, err)
	sig, err := k.Sign([]byte("payload"))
	require.NoError(t, err)
	signer, err := crypto.VerifyPersonalMessage([]byte("payload"), sig)
	require.NoError(t, err)
	assert.Equal(t, signer, addr)

	_, err = Certificate{PublicKey: "!!"}.SessionAddress()
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)
}
