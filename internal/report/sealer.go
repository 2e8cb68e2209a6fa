package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

// ErrDecrypt is returned when the reconstructed key does not open the
// envelope.
var ErrDecrypt = errors.New("report decryption failed")

// Distributor hands out one share per key server.
type Distributor interface {
	Size() int
	Threshold() int
	Distribute(ctx context.Context, policyID string, reportID models.U256, shares []crypto.Share) error
}

type Sealer struct {
	servers Distributor
	// MinCompress is the smallest plaintext worth compressing.
	MinCompress int
}

func NewSealer(servers Distributor) *Sealer {
	return &Sealer{servers: servers, MinCompress: 64}
}

// Seal encrypts plaintext under a fresh data key and gives each key server
// its share of that key. Nothing is returned unless every share was stored.
func (s *Sealer) Seal(ctx context.Context, reportID models.U256, policyID string, plaintext []byte) (*Envelope, error) {
	if policyID == "" {
		return nil, fmt.Errorf("policy id required: %w", apperr.ErrInvalidInput)
	}
	env := &Envelope{
		Version:     EnvelopeVersion,
		ReportID:    reportID,
		PolicyID:    policyID,
		Threshold:   s.servers.Threshold(),
		Compression: CompressionNone,
	}
	body := plaintext
	if len(plaintext) >= s.MinCompress {
		packed, err := compress(plaintext)
		if err != nil {
			return nil, fmt.Errorf("compressing report: %w", err)
		}
		if len(packed) < len(plaintext) {
			body = packed
			env.Compression = CompressionZstd
		}
	}

	dek, err := crypto.GenerateFieldKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	env.Ciphertext, env.Nonce, err = crypto.EncryptAESGCM(body, dek, env.aad())
	if err != nil {
		return nil, fmt.Errorf("encrypting report: %w", err)
	}
	shares, err := crypto.SplitSecret(dek, s.servers.Size(), s.servers.Threshold())
	if err != nil {
		return nil, fmt.Errorf("splitting data key: %w", err)
	}
	if err := s.servers.Distribute(ctx, policyID, reportID, shares); err != nil {
		return nil, err
	}
	log.Info().Str("report_id", reportID.String()).Str("policy_id", policyID).
		Str("compression", env.Compression).Int("threshold", env.Threshold).Msg("report sealed")
	return env, nil
}

// Open rebuilds the data key from shares and decrypts the envelope.
func Open(env *Envelope, shares []crypto.Share) ([]byte, error) {
	if len(shares) < env.Threshold {
		return nil, fmt.Errorf("%d of %d shares: %w", len(shares), env.Threshold, apperr.ErrDependencyUnavailable)
	}
	dek, err := crypto.CombineShares(shares)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrDecrypt)
	}
	defer crypto.Zero(dek)

	body, err := crypto.DecryptAESGCM(env.Ciphertext, env.Nonce, dek, env.aad())
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrDecrypt)
	}
	if env.Compression == CompressionZstd {
		return decompress(body)
	}
	return body, nil
}
