package keyserver

import (
	"encoding/binary"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/org/sealaudit/internal/codec"
	"github.com/org/sealaudit/pkg/models"
)

const proofDomain = "sealaudit/seal_approve/v1"

// ProofTransaction is the read-only seal_approve call a requester asks key
// servers to simulate. Key servers never execute it against state.
type ProofTransaction struct {
	Sender    string `json:"sender"`
	PolicyID  string `json:"policy_id"`
	IDBytes   []byte `json:"id_bytes"`
	PackageID string `json:"package_id"`
}

// NewProof builds the proof that sender may read reportID under policyID.
func NewProof(sender, policyID, packageID string, reportID models.U256) ProofTransaction {
	return ProofTransaction{
		Sender:    models.NormalizeAddress(sender),
		PolicyID:  policyID,
		IDBytes:   codec.U256ToBytes(reportID.Int(), codec.MaxIDBytes),
		PackageID: models.NormalizeAddress(packageID),
	}
}

// Bytes is the length-prefixed canonical encoding that Digest hashes.
func (p ProofTransaction) Bytes() []byte {
	fields := [][]byte{
		[]byte(proofDomain),
		[]byte(models.NormalizeAddress(p.PackageID)),
		[]byte(models.NormalizeAddress(p.Sender)),
		[]byte(p.PolicyID),
		p.IDBytes,
	}
	var buf []byte
	for _, f := range fields {
		buf = binary.AppendUvarint(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// Digest is the base58 transaction digest the session key signs.
func (p ProofTransaction) Digest() string {
	sum := blake2b.Sum256(p.Bytes())
	return base58.Encode(sum[:])
}

// ReportID decodes IDBytes.
func (p ProofTransaction) ReportID() (models.U256, error) {
	v, err := codec.BytesToU256(p.IDBytes)
	if err != nil {
		return models.U256{}, err
	}
	return models.U256FromInt(v), nil
}
