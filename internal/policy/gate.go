package policy

import (
	"fmt"
	"time"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/codec"
	"github.com/org/sealaudit/pkg/models"
)

const (
	StageSealApprove = "seal_approve"
	StageCheckAccess = "check_access"
)

// SealApprove is the decision a key server simulates before releasing a key
// share. Checks run in order: active, id match, creator, expiry, membership
// in any of the three sets.
func SealApprove(sender string, idBytes []byte, p *models.ReportAccessPolicy, now time.Time) error {
	if !p.IsActive {
		return fmt.Errorf("policy %s: %w", p.ID, apperr.ErrPolicyRevoked)
	}
	id, err := codec.BytesToU256(idBytes)
	if err != nil {
		return err
	}
	if !models.U256FromInt(id).Equal(p.ReportID) {
		return fmt.Errorf("policy %s guards report %s, not %s: %w", p.ID, p.ReportID, id.Dec(), apperr.ErrReportNotFound)
	}
	if p.IsCreator(sender) {
		return nil
	}
	if p.IsExpired(now) {
		return fmt.Errorf("policy %s expired at %s: %w", p.ID, p.ExpiresAt.Format(time.RFC3339), apperr.ErrPolicyExpired)
	}
	if !p.IsAnyMember(sender) {
		return fmt.Errorf("%s is not a member of policy %s: %w", sender, p.ID, apperr.ErrUnauthorizedAccess)
	}
	return nil
}

// AccessError explains why CheckAccess denied a request. It returns nil when
// access is granted.
func AccessError(p *models.ReportAccessPolicy, accessor string, kind models.AccessKind, now time.Time) error {
	if !kind.Valid() {
		return fmt.Errorf("access kind %d: %w", uint8(kind), apperr.ErrInvalidAccessType)
	}
	if !p.IsActive {
		return fmt.Errorf("policy %s: %w", p.ID, apperr.ErrPolicyRevoked)
	}
	if p.IsCreator(accessor) {
		return nil
	}
	if p.IsExpired(now) {
		return fmt.Errorf("policy %s expired at %s: %w", p.ID, p.ExpiresAt.Format(time.RFC3339), apperr.ErrPolicyExpired)
	}
	if !p.IsMember(accessor, kind) {
		return fmt.Errorf("%s has no %s access to policy %s: %w", accessor, kind, p.ID, apperr.ErrUnauthorizedAccess)
	}
	return nil
}

// CheckAccess is the time-aware decision: the creator of an active policy is
// always allowed, everyone else needs an unexpired policy and membership in
// the set matching kind.
func CheckAccess(p *models.ReportAccessPolicy, accessor string, kind models.AccessKind, now time.Time) bool {
	return AccessError(p, accessor, kind, now) == nil
}
