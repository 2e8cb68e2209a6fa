package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func TestPersonalMessageDigestLayout(t *testing.T) {
	msg := []byte("hello")
	want := blake2b.Sum256(append([]byte{3, 0, 0, 5}, msg...))
	assert.Equal(t, want, PersonalMessageDigest(msg))

	long := make([]byte, 200) // length needs two ULEB128 bytes: 0xc8 0x01
	want = blake2b.Sum256(append([]byte{3, 0, 0, 0xc8, 0x01}, long...))
	assert.Equal(t, want, PersonalMessageDigest(long))
}

func TestAddressDerivation(t *testing.T) {
	pub := make([]byte, 32)
	addr := Address(FlagEd25519, pub)
	sum := blake2b.Sum256(append([]byte{0}, pub...))
	assert.Equal(t, "0x"+hex.EncodeToString(sum[:]), addr)
	assert.Len(t, addr, 66)
}

func TestEd25519SignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte("Accessing keys of package 0xabc for 10 mins")

	sig := SignPersonalMessage(priv, msg)
	addr, err := VerifyPersonalMessage(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, Address(FlagEd25519, pub), addr)

	_, err = VerifyPersonalMessage([]byte("other message"), sig)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestSecp256k1SignVerify(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	msg := []byte("session authorization")

	sig := SignPersonalMessageSecp256k1(priv, msg)
	addr, err := VerifyPersonalMessage(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, Address(FlagSecp256k1, priv.PubKey().SerializeCompressed()), addr)

	_, err = VerifyPersonalMessage([]byte("tampered"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not base64":   "%%%",
		"empty":        "",
		"unknown flag": base64.StdEncoding.EncodeToString(append([]byte{0x05}, make([]byte, 96)...)),
		"short ed":     base64.StdEncoding.EncodeToString([]byte{0x00, 1, 2, 3}),
		"short secp":   base64.StdEncoding.EncodeToString([]byte{0x01, 1, 2, 3}),
	}
	for name, sig := range cases {
		_, err := VerifyPersonalMessage([]byte("m"), sig)
		assert.ErrorIs(t, err, ErrInvalidSignature, name)
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	enc := EncodePublicKey(pub)
	raw, _ := base64.StdEncoding.DecodeString(enc)
	assert.Equal(t, byte(0x00), raw[0])

	got, err := DecodePublicKey(enc)
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	_, err = DecodePublicKey(strings.Repeat("A", 8))
	assert.Error(t, err)
}
