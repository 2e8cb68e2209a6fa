package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// prime is the secp256k1 field prime, 2^256 - 2^32 - 977. Secrets must be
// smaller than it.
var prime, _ = new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007908834671663", 10)

// Share is one point (Index, f(Index)) of a secret-sharing polynomial.
type Share struct {
	Index byte   `json:"index"`
	Value []byte `json:"value"`
}

// GenerateFieldKey returns a random 32-byte key small enough for
// SplitSecret.
func GenerateFieldKey() ([]byte, error) {
	for {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		if new(big.Int).SetBytes(key).Cmp(prime) < 0 {
			return key, nil
		}
		Zero(key)
	}
}

// SplitSecret splits a 32-byte secret into n shares, any threshold of which
// reconstruct it. Shares are indexed 1..n.
func SplitSecret(secret []byte, n, threshold int) ([]Share, error) {
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}
	if threshold > n {
		return nil, errors.New("threshold cannot exceed total shares")
	}
	if n > 255 {
		return nil, errors.New("at most 255 shares")
	}
	if len(secret) != KeySize {
		return nil, errors.New("secret must be 32 bytes")
	}
	s := new(big.Int).SetBytes(secret)
	if s.Cmp(prime) >= 0 {
		return nil, errors.New("secret exceeds field size")
	}

	// f(x) = s + a1*x + ... + a_{t-1}*x^{t-1}
	coeffs := make([]*big.Int, threshold)
	coeffs[0] = s
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, prime)
		if err != nil {
			return nil, fmt.Errorf("generating coefficient: %w", err)
		}
		coeffs[i] = c
	}

	shares := make([]Share, n)
	for i := 1; i <= n; i++ {
		y := evalPolynomial(coeffs, big.NewInt(int64(i)))
		shares[i-1] = Share{Index: byte(i), Value: y.Bytes()}
	}
	return shares, nil
}

// CombineShares reconstructs the secret by Lagrange interpolation at zero.
// Passing fewer shares than the split threshold yields a wrong secret, which
// the envelope's AEAD tag then rejects.
func CombineShares(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, errors.New("no shares")
	}
	seen := make(map[byte]bool, len(shares))
	points := make([]shamirPoint, len(shares))
	for i, sh := range shares {
		if sh.Index == 0 {
			return nil, fmt.Errorf("share %d has index 0", i)
		}
		if seen[sh.Index] {
			return nil, fmt.Errorf("duplicate share index %d", sh.Index)
		}
		seen[sh.Index] = true
		points[i] = shamirPoint{big.NewInt(int64(sh.Index)), new(big.Int).SetBytes(sh.Value)}
	}

	secret := lagrangeInterpolate(points)
	if secret == nil {
		return nil, errors.New("failed to reconstruct secret")
	}
	b := secret.Bytes()
	if len(b) > KeySize {
		return nil, errors.New("reconstructed secret too large")
	}
	out := make([]byte, KeySize)
	copy(out[KeySize-len(b):], b)
	return out, nil
}

func evalPolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int).Set(coeffs[0])
	xPow := new(big.Int).Set(x)
	for i := 1; i < len(coeffs); i++ {
		term := new(big.Int).Mul(coeffs[i], xPow)
		term.Mod(term, prime)
		result.Add(result, term)
		result.Mod(result, prime)
		xPow.Mul(xPow, x)
		xPow.Mod(xPow, prime)
	}
	return result
}

type shamirPoint struct{ x, y *big.Int }

func lagrangeInterpolate(points []shamirPoint) *big.Int {
	secret := big.NewInt(0)
	for i, pi := range points {
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			num.Mul(num, new(big.Int).Neg(pj.x))
			num.Mod(num, prime)
			den.Mul(den, new(big.Int).Sub(pi.x, pj.x))
			den.Mod(den, prime)
		}
		inv := new(big.Int).ModInverse(den, prime)
		if inv == nil {
			return nil
		}
		term := new(big.Int).Mul(pi.y, num)
		term.Mod(term, prime)
		term.Mul(term, inv)
		term.Mod(term, prime)
		secret.Add(secret, term)
		secret.Mod(secret, prime)
	}
	return secret
}

// MarshalBinary encodes a share as [1B index][4B value length][value].
func (s Share) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1+4+len(s.Value))
	buf[0] = s.Index
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(s.Value)))
	copy(buf[5:], s.Value)
	return buf, nil
}

func (s *Share) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return errors.New("share too short")
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if uint32(len(data)-5) != n {
		return errors.New("share length mismatch")
	}
	s.Index = data[0]
	s.Value = append([]byte(nil), data[5:]...)
	return nil
}
