package models

import (
	"fmt"
	"time"
)

// PQCAlgorithm identifies the post-quantum scheme that signed an audit record.
type PQCAlgorithm uint8

const (
	PQCFalcon512  PQCAlgorithm = 1
	PQCDilithium2 PQCAlgorithm = 2
	PQCDilithium3 PQCAlgorithm = 3
)

func (a PQCAlgorithm) Valid() bool {
	return a >= PQCFalcon512 && a <= PQCDilithium3
}

func (a PQCAlgorithm) String() string {
	switch a {
	case PQCFalcon512:
		return "Falcon512"
	case PQCDilithium2:
		return "Dilithium2"
	case PQCDilithium3:
		return "Dilithium3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// AuditRecord is the immutable outcome of one challenge-response audit.
type AuditRecord struct {
	ID                      string       `json:"id"`
	BlobRef                 U256         `json:"blob_ref"`
	BlobObjectRef           string       `json:"blob_object_ref"`
	Auditor                 string       `json:"auditor"`
	ChallengeEpoch          uint32       `json:"challenge_epoch"`
	TotalChallenges         uint16       `json:"total_challenges"`
	SuccessfulVerifications uint16       `json:"successful_verifications"`
	FailedVerifications     uint16       `json:"failed_verifications"`
	IntegrityHash           []byte       `json:"integrity_hash"`
	PQCSignature            []byte       `json:"pqc_signature"`
	PQCAlgorithm            PQCAlgorithm `json:"pqc_algorithm"`
	IsValid                 bool         `json:"is_valid"`
	FailureReason           *string      `json:"failure_reason,omitempty"`
	Timestamp               time.Time    `json:"timestamp"`
}

// AuditConfig is the process-wide ledger configuration. Only Admin may
// mutate it after bootstrap.
type AuditConfig struct {
	Admin              string        `json:"admin"`
	MinChallengeCount  uint16        `json:"min_challenge_count"`
	MaxChallengeCount  uint16        `json:"max_challenge_count"`
	ChallengeInterval  time.Duration `json:"challenge_interval"`
	AuthorizedAuditors AddressSet    `json:"authorized_auditors"`
	TotalAudits        uint64        `json:"total_audits"`
	TotalFailures      uint64        `json:"total_failures"`
	CreatedAt          time.Time     `json:"created_at"`
}

func (c *AuditConfig) Clone() *AuditConfig {
	cp := *c
	cp.AuthorizedAuditors = c.AuthorizedAuditors.Clone()
	return &cp
}

// BlobAuditHistory tracks every audit of one blob in submission order.
type BlobAuditHistory struct {
	BlobRef             U256     `json:"blob_ref"`
	Records             []string `json:"records"`
	LastAuditEpoch      uint32   `json:"last_audit_epoch"`
	TotalAudits         uint64   `json:"total_audits"`
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
}

func (h *BlobAuditHistory) Clone() *BlobAuditHistory {
	cp := *h
	cp.Records = append([]string(nil), h.Records...)
	return &cp
}
