package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/blake2b"
)

// Signature scheme flags, as prefixed to Sui serialized signatures and
// public keys.
const (
	FlagEd25519   byte = 0x00
	FlagSecp256k1 byte = 0x01
)

const (
	ed25519SigLen        = 1 + ed25519.SignatureSize + ed25519.PublicKeySize
	secp256k1SigLen      = 1 + 64 + secp256k1.PubKeyBytesLenCompressed
	personalMessageScope = 3
)

var ErrInvalidSignature = errors.New("invalid signature")

// PersonalMessageDigest is blake2b-256 over the personal-message intent
// followed by the BCS encoding of msg as a byte vector.
func PersonalMessageDigest(msg []byte) [32]byte {
	buf := make([]byte, 0, 3+binaryUvarintLen(uint64(len(msg)))+len(msg))
	buf = append(buf, personalMessageScope, 0, 0)
	buf = appendULEB128(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	return blake2b.Sum256(buf)
}

// Address derives the 0x-prefixed account address of a public key.
func Address(flag byte, pubKey []byte) string {
	buf := make([]byte, 0, 1+len(pubKey))
	buf = append(buf, flag)
	buf = append(buf, pubKey...)
	sum := blake2b.Sum256(buf)
	return "0x" + hex.EncodeToString(sum[:])
}

// EncodePublicKey renders an Ed25519 public key as base64(flag || key).
func EncodePublicKey(pk ed25519.PublicKey) string {
	buf := make([]byte, 0, 1+len(pk))
	buf = append(buf, FlagEd25519)
	buf = append(buf, pk...)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodePublicKey parses the output of EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != 1+ed25519.PublicKeySize || raw[0] != FlagEd25519 {
		return nil, errors.New("not an ed25519 public key")
	}
	return ed25519.PublicKey(raw[1:]), nil
}

// SignPersonalMessage signs msg with an Ed25519 key and returns the
// serialized signature base64(flag || sig || pubkey).
func SignPersonalMessage(priv ed25519.PrivateKey, msg []byte) string {
	digest := PersonalMessageDigest(msg)
	sig := ed25519.Sign(priv, digest[:])
	pub := priv.Public().(ed25519.PublicKey)

	buf := make([]byte, 0, ed25519SigLen)
	buf = append(buf, FlagEd25519)
	buf = append(buf, sig...)
	buf = append(buf, pub...)
	return base64.StdEncoding.EncodeToString(buf)
}

// SignPersonalMessageSecp256k1 is SignPersonalMessage for secp256k1 keys.
// The ECDSA signature covers sha256 of the intent digest.
func SignPersonalMessageSecp256k1(priv *secp256k1.PrivateKey, msg []byte) string {
	digest := PersonalMessageDigest(msg)
	h := sha256.Sum256(digest[:])
	compact := ecdsa.SignCompact(priv, h[:], true) // [recovery || r || s]

	buf := make([]byte, 0, secp256k1SigLen)
	buf = append(buf, FlagSecp256k1)
	buf = append(buf, compact[1:65]...)
	buf = append(buf, priv.PubKey().SerializeCompressed()...)
	return base64.StdEncoding.EncodeToString(buf)
}

// VerifyPersonalMessage checks a serialized signature over msg and returns
// the signer's address.
func VerifyPersonalMessage(msg []byte, serialized string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", ErrInvalidSignature)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	digest := PersonalMessageDigest(msg)

	switch raw[0] {
	case FlagEd25519:
		if len(raw) != ed25519SigLen {
			return "", fmt.Errorf("%w: ed25519 signature length %d", ErrInvalidSignature, len(raw))
		}
		sig := raw[1 : 1+ed25519.SignatureSize]
		pub := ed25519.PublicKey(raw[1+ed25519.SignatureSize:])
		if !ed25519.Verify(pub, digest[:], sig) {
			return "", ErrInvalidSignature
		}
		return Address(FlagEd25519, pub), nil

	case FlagSecp256k1:
		if len(raw) != secp256k1SigLen {
			return "", fmt.Errorf("%w: secp256k1 signature length %d", ErrInvalidSignature, len(raw))
		}
		var r, s secp256k1.ModNScalar
		if r.SetByteSlice(raw[1:33]) || s.SetByteSlice(raw[33:65]) {
			return "", fmt.Errorf("%w: scalar overflow", ErrInvalidSignature)
		}
		pubBytes := raw[65:]
		pub, err := secp256k1.ParsePubKey(pubBytes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		h := sha256.Sum256(digest[:])
		if !ecdsa.NewSignature(&r, &s).Verify(h[:], pub) {
			return "", ErrInvalidSignature
		}
		return Address(FlagSecp256k1, pubBytes), nil

	default:
		return "", fmt.Errorf("%w: unsupported scheme flag %#x", ErrInvalidSignature, raw[0])
	}
}

func appendULEB128(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func binaryUvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
