// Package report seals audit reports under a fresh data key whose shares
// are held by the key-server quorum, and opens them again once enough
// shares have been released.
package report

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/pkg/models"
)

const (
	EnvelopeVersion = 1

	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Envelope is the sealed form of a report, carried as encryptedData.
type Envelope struct {
	Version     int         `json:"version"`
	ReportID    models.U256 `json:"report_id"`
	PolicyID    string      `json:"policy_id"`
	Threshold   int         `json:"threshold"`
	Compression string      `json:"compression"`
	Nonce       []byte      `json:"nonce"`
	Ciphertext  []byte      `json:"ciphertext"`
}

// Encode renders the envelope as base64 JSON.
func (e *Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodeEnvelope(s string) (*Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryptedData is not base64: %w", apperr.ErrInvalidInput)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("encryptedData is not an envelope: %w", apperr.ErrInvalidInput)
	}
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("envelope version %d: %w", e.Version, apperr.ErrInvalidInput)
	}
	if e.Compression != CompressionNone && e.Compression != CompressionZstd {
		return nil, fmt.Errorf("envelope compression %q: %w", e.Compression, apperr.ErrInvalidInput)
	}
	if len(e.Nonce) == 0 || len(e.Ciphertext) == 0 || e.PolicyID == "" {
		return nil, fmt.Errorf("envelope is incomplete: %w", apperr.ErrInvalidInput)
	}
	return &e, nil
}

// aad binds the ciphertext to its report and policy.
func (e *Envelope) aad() []byte {
	return []byte(fmt.Sprintf("sealaudit/report/v%d|%s|%s", e.Version, e.ReportID, e.PolicyID))
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		return nil, fmt.Errorf("decompressing report: %w", err)
	}
	return buf.Bytes(), nil
}
