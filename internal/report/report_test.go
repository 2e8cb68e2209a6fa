package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

type recordingDistributor struct {
	n, t   int
	shares []crypto.Share
	err    error
}

func (d *recordingDistributor) Size() int      { return d.n }
func (d *recordingDistributor) Threshold() int { return d.t }

func (d *recordingDistributor) Distribute(_ context.Context, _ string, _ models.U256, shares []crypto.Share) error {
	if d.err != nil {
		return d.err
	}
	d.shares = shares
	return nil
}

func seal(t *testing.T, plaintext []byte) (*Envelope, *recordingDistributor) {
	t.Helper()
	d := &recordingDistributor{n: 3, t: 2}
	env, err := NewSealer(d).Seal(context.Background(), models.NewU256(77), "policy-1", plaintext)
	require.NoError(t, err)
	require.Len(t, d.shares, 3)
	return env, d
}

func TestSealOpenRoundTrip(t *testing.T) {
	report := []byte(strings.Repeat(`{"blob":"0x01","challenges":100,"successful":99}`, 20))
	env, d := seal(t, report)
	assert.Equal(t, CompressionZstd, env.Compression)
	assert.Equal(t, 2, env.Threshold)
	assert.False(t, bytes.Contains(env.Ciphertext, []byte("challenges")))

	got, err := Open(env, d.shares[1:])
	require.NoError(t, err)
	assert.Equal(t, report, got)
}

func TestSmallReportsStayUncompressed(t *testing.T) {
	env, d := seal(t, []byte("short"))
	assert.Equal(t, CompressionNone, env.Compression)
	got, err := Open(env, d.shares[:2])
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)
}

func TestOpenNeedsThresholdShares(t *testing.T) {
	env, d := seal(t, []byte("secret findings"))
	_, err := Open(env, d.shares[:1])
	assert.ErrorIs(t, err, apperr.ErrDependencyUnavailable)
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	env, d := seal(t, []byte("secret findings"))

	moved := *env
	moved.PolicyID = "policy-2"
	_, err := Open(&moved, d.shares[:2])
	assert.ErrorIs(t, err, ErrDecrypt, "ciphertext is bound to its policy")

	flipped := *env
	flipped.Ciphertext = append([]byte(nil), env.Ciphertext...)
	flipped.Ciphertext[0] ^= 0xff
	_, err = Open(&flipped, d.shares[:2])
	assert.ErrorIs(t, err, ErrDecrypt)

	other, _ := seal(t, []byte("another report"))
	_, err = Open(other, d.shares[:2])
	assert.ErrorIs(t, err, ErrDecrypt, "shares of another key do not open it")
}

func TestSealFailsWhenDistributionFails(t *testing.T) {
	d := &recordingDistributor{n: 2, t: 2, err: fmt.Errorf("down: %w", apperr.ErrDependencyUnavailable)}
	env, err := NewSealer(d).Seal(context.Background(), models.NewU256(1), "p", []byte("x"))
	assert.Nil(t, env)
	assert.ErrorIs(t, err, apperr.ErrDependencyUnavailable)

	_, err = NewSealer(&recordingDistributor{n: 1, t: 1}).Seal(context.Background(), models.NewU256(1), "", []byte("x"))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestEnvelopeEncoding(t *testing.T) {
	env, _ := seal(t, []byte("payload"))
	s, err := env.Encode()
	require.NoError(t, err)

	back, err := DecodeEnvelope(s)
	require.NoError(t, err)
	assert.Equal(t, env, back)

	for name, bad := range map[string]string{
		"not base64":  "%%%",
		"not json":    base64.StdEncoding.EncodeToString([]byte("nope")),
		"bad version": base64.StdEncoding.EncodeToString([]byte(`{"version":9,"policy_id":"p","nonce":"AA==","ciphertext":"AA==","compression":"none"}`)),
		"incomplete":  base64.StdEncoding.EncodeToString([]byte(`{"version":1,"compression":"none"}`)),
		"compression": base64.StdEncoding.EncodeToString([]byte(`{"version":1,"policy_id":"p","nonce":"AA==","ciphertext":"AA==","compression":"lz4"}`)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope(bad)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}
}
