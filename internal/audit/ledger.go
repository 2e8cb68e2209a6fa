// Package audit turns challenge-response results into immutable audit
// records, tracks per-blob audit health, and logs API requests.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/events"
	"github.com/org/sealaudit/internal/metrics"
	"github.com/org/sealaudit/internal/storage"
	"github.com/org/sealaudit/pkg/models"
)

// FailureReason is attached to every invalid record and failure alert.
const FailureReason = "Audit failed: insufficient successful verifications"

const (
	DefaultMinChallenges     = 10
	DefaultMaxChallenges     = 100
	DefaultChallengeInterval = time.Hour
)

// RequiredSuccesses is ceil(total * 0.95).
func RequiredSuccesses(total uint16) uint32 {
	return (uint32(total)*95 + 99) / 100
}

// IsValidAudit reports whether successful meets the 95% threshold.
func IsValidAudit(total, successful uint16) bool {
	return uint32(successful) >= RequiredSuccesses(total)
}

// UpdateBlobAuditHistory appends recordRef and updates the running totals.
// The failure streak resets on a valid audit and grows on an invalid one.
// Epochs may repeat but never go backwards.
func UpdateBlobAuditHistory(h *models.BlobAuditHistory, recordRef string, epoch uint32, isValid bool) error {
	if h.TotalAudits > 0 && epoch < h.LastAuditEpoch {
		return fmt.Errorf("epoch %d after %d: %w", epoch, h.LastAuditEpoch, apperr.ErrStaleAuditEpoch)
	}
	h.Records = append(h.Records, recordRef)
	h.LastAuditEpoch = epoch
	h.TotalAudits++
	if isValid {
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
	}
	return nil
}

// Ledger owns the audit configuration, records and blob histories.
type Ledger struct {
	store  storage.Backend
	clock  clock.Clock
	events events.Publisher
}

func NewLedger(store storage.Backend, clk clock.Clock, pub events.Publisher) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Ledger{store: store, clock: clk, events: pub}
}

type BootstrapInput struct {
	Admin             string
	MinChallenges     uint16
	MaxChallenges     uint16
	ChallengeInterval time.Duration
	Auditors          []string
}

func validateBounds(lo, hi uint16) error {
	if lo == 0 {
		return fmt.Errorf("min challenges must be > 0: %w", apperr.ErrInvalidInput)
	}
	if hi < lo {
		return fmt.Errorf("max challenges %d below min %d: %w", hi, lo, apperr.ErrInvalidInput)
	}
	return nil
}

// Bootstrap creates the process-wide configuration. It can run only once;
// later calls return ErrAlreadyExists.
func (l *Ledger) Bootstrap(ctx context.Context, in BootstrapInput) (*models.AuditConfig, error) {
	if strings.TrimSpace(in.Admin) == "" {
		return nil, fmt.Errorf("admin required: %w", apperr.ErrInvalidInput)
	}
	if in.MinChallenges == 0 && in.MaxChallenges == 0 {
		in.MinChallenges, in.MaxChallenges = DefaultMinChallenges, DefaultMaxChallenges
	}
	if err := validateBounds(in.MinChallenges, in.MaxChallenges); err != nil {
		return nil, err
	}
	if in.ChallengeInterval <= 0 {
		in.ChallengeInterval = DefaultChallengeInterval
	}

	cfg := &models.AuditConfig{
		Admin:              models.NormalizeAddress(in.Admin),
		MinChallengeCount:  in.MinChallenges,
		MaxChallengeCount:  in.MaxChallenges,
		ChallengeInterval:  in.ChallengeInterval,
		AuthorizedAuditors: models.NewAddressSet(in.Auditors...),
		CreatedAt:          l.clock.Now(),
	}
	err := l.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetAuditConfig(ctx); err == nil {
			return fmt.Errorf("audit config: %w", apperr.ErrAlreadyExists)
		} else if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return tx.PutAuditConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("admin", cfg.Admin).Uint16("min", cfg.MinChallengeCount).
		Uint16("max", cfg.MaxChallengeCount).Int("auditors", len(cfg.AuthorizedAuditors)).Msg("audit ledger bootstrapped")
	return cfg, nil
}

func (l *Ledger) Config(ctx context.Context) (*models.AuditConfig, error) {
	return l.store.GetAuditConfig(ctx)
}

// updateConfig applies fn to the configuration if caller is its admin.
func (l *Ledger) updateConfig(ctx context.Context, caller string, fn func(c *models.AuditConfig) error) (*models.AuditConfig, error) {
	var out *models.AuditConfig
	err := l.store.InTx(ctx, func(tx storage.Tx) error {
		cfg, err := tx.GetAuditConfig(ctx)
		if err != nil {
			return err
		}
		if models.NormalizeAddress(caller) != cfg.Admin {
			return fmt.Errorf("%s is not the audit admin: %w", caller, apperr.ErrUnauthorized)
		}
		if err := fn(cfg); err != nil {
			return err
		}
		out = cfg
		return tx.PutAuditConfig(ctx, cfg)
	})
	return out, err
}

func (l *Ledger) AuthorizeAuditor(ctx context.Context, caller, auditor string) (*models.AuditConfig, error) {
	if strings.TrimSpace(auditor) == "" {
		return nil, fmt.Errorf("auditor required: %w", apperr.ErrInvalidInput)
	}
	cfg, err := l.updateConfig(ctx, caller, func(c *models.AuditConfig) error {
		c.AuthorizedAuditors.Add(auditor)
		return nil
	})
	if err == nil {
		log.Info().Str("auditor", auditor).Msg("auditor authorized")
	}
	return cfg, err
}

func (l *Ledger) DeauthorizeAuditor(ctx context.Context, caller, auditor string) (*models.AuditConfig, error) {
	cfg, err := l.updateConfig(ctx, caller, func(c *models.AuditConfig) error {
		c.AuthorizedAuditors.Remove(auditor)
		return nil
	})
	if err == nil {
		log.Info().Str("auditor", auditor).Msg("auditor deauthorized")
	}
	return cfg, err
}

func (l *Ledger) UpdateChallengeBounds(ctx context.Context, caller string, lo, hi uint16) (*models.AuditConfig, error) {
	return l.updateConfig(ctx, caller, func(c *models.AuditConfig) error {
		if err := validateBounds(lo, hi); err != nil {
			return err
		}
		c.MinChallengeCount, c.MaxChallengeCount = lo, hi
		return nil
	})
}

// Submission is one auditor's report of a challenge-response round.
type Submission struct {
	BlobRef                 models.U256
	BlobObjectRef           string
	Auditor                 string
	ChallengeEpoch          uint32
	TotalChallenges         uint16
	SuccessfulVerifications uint16
	IntegrityHash           []byte
	PQCSignature            []byte
	PQCAlgorithm            models.PQCAlgorithm
}

// SubmitAuditRecord validates a submission, stores the immutable record,
// bumps the ledger totals and appends it to the blob's history, all in one
// transaction. Checks run in order: auditor, challenge count, algorithm.
func (l *Ledger) SubmitAuditRecord(ctx context.Context, sub Submission) (*models.AuditRecord, error) {
	now := l.clock.Now()
	var rec *models.AuditRecord
	var history *models.BlobAuditHistory
	err := l.store.InTx(ctx, func(tx storage.Tx) error {
		cfg, err := tx.GetAuditConfig(ctx)
		if err != nil {
			return err
		}
		if !cfg.AuthorizedAuditors.Has(sub.Auditor) {
			return fmt.Errorf("auditor %s: %w", sub.Auditor, apperr.ErrUnauthorized)
		}
		if sub.TotalChallenges < cfg.MinChallengeCount || sub.TotalChallenges > cfg.MaxChallengeCount {
			return fmt.Errorf("%d challenges outside [%d, %d]: %w",
				sub.TotalChallenges, cfg.MinChallengeCount, cfg.MaxChallengeCount, apperr.ErrInvalidChallengeCount)
		}
		if !sub.PQCAlgorithm.Valid() {
			return fmt.Errorf("algorithm id %d: %w", uint8(sub.PQCAlgorithm), apperr.ErrInvalidSignatureAlgorithm)
		}
		if sub.SuccessfulVerifications > sub.TotalChallenges {
			return fmt.Errorf("%d successes out of %d challenges: %w",
				sub.SuccessfulVerifications, sub.TotalChallenges, apperr.ErrInvalidInput)
		}

		rec = &models.AuditRecord{
			ID:                      uuid.NewString(),
			BlobRef:                 sub.BlobRef,
			BlobObjectRef:           sub.BlobObjectRef,
			Auditor:                 models.NormalizeAddress(sub.Auditor),
			ChallengeEpoch:          sub.ChallengeEpoch,
			TotalChallenges:         sub.TotalChallenges,
			SuccessfulVerifications: sub.SuccessfulVerifications,
			FailedVerifications:     sub.TotalChallenges - sub.SuccessfulVerifications,
			IntegrityHash:           sub.IntegrityHash,
			PQCSignature:            sub.PQCSignature,
			PQCAlgorithm:            sub.PQCAlgorithm,
			IsValid:                 IsValidAudit(sub.TotalChallenges, sub.SuccessfulVerifications),
			Timestamp:               now,
		}
		if !rec.IsValid {
			reason := FailureReason
			rec.FailureReason = &reason
		}

		history, err = tx.GetBlobHistory(ctx, sub.BlobRef)
		if errors.Is(err, apperr.ErrNotFound) {
			history = &models.BlobAuditHistory{BlobRef: sub.BlobRef}
		} else if err != nil {
			return err
		}
		if err := UpdateBlobAuditHistory(history, rec.ID, rec.ChallengeEpoch, rec.IsValid); err != nil {
			return err
		}

		cfg.TotalAudits++
		if !rec.IsValid {
			cfg.TotalFailures++
		}
		if err := tx.InsertAuditRecord(ctx, rec); err != nil {
			return err
		}
		if err := tx.PutBlobHistory(ctx, history); err != nil {
			return err
		}
		return tx.PutAuditConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	metrics.AuditRecords.WithLabelValues(fmt.Sprint(rec.IsValid)).Inc()
	log.Info().Str("record_id", rec.ID).Str("blob_ref", rec.BlobRef.String()).Str("auditor", rec.Auditor).
		Uint32("epoch", rec.ChallengeEpoch).Bool("valid", rec.IsValid).Msg("audit record submitted")
	l.events.Publish(events.NewEvent(events.TypeAuditSubmitted, now, map[string]any{
		"record_id": rec.ID,
		"blob_ref":  rec.BlobRef.String(),
		"is_valid":  rec.IsValid,
	}))
	if !rec.IsValid {
		metrics.AuditFailureAlerts.Inc()
		log.Warn().Str("blob_ref", rec.BlobRef.String()).Uint16("failed", rec.FailedVerifications).
			Uint16("total", rec.TotalChallenges).Uint32("consecutive_failures", history.ConsecutiveFailures).
			Msg(FailureReason)
		l.events.Publish(events.NewEvent(events.TypeAuditFailureAlert, now, events.FailureAlert{
			BlobRef:  rec.BlobRef.String(),
			RecordID: rec.ID,
			Auditor:  rec.Auditor,
			Failed:   rec.FailedVerifications,
			Total:    rec.TotalChallenges,
			Reason:   FailureReason,
		}))
	}
	return rec, nil
}

func (l *Ledger) GetRecord(ctx context.Context, id string) (*models.AuditRecord, error) {
	return l.store.GetAuditRecord(ctx, id)
}

func (l *Ledger) GetHistory(ctx context.Context, blobRef models.U256) (*models.BlobAuditHistory, error) {
	return l.store.GetBlobHistory(ctx, blobRef)
}
