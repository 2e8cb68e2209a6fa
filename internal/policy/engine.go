// Package policy implements report access policies, their delegated tokens,
// and the two-stage access gate consulted before key release.
package policy

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

// Engine applies policy operations against storage. Every mutation runs in a
// single storage transaction so concurrent calls on one policy serialize.
type Engine struct {
	store  storage.Backend
	clock  clock.Clock
	events events.Publisher
}

// NewEngine creates a policy Engine. A nil publisher discards events.
func NewEngine(store storage.Backend, clk clock.Clock, pub events.Publisher) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Engine{store: store, clock: clk, events: pub}
}

type CreatePolicyInput struct {
	ReportID       models.U256
	AuditRecordRef string
	Readers        []string
	Auditors       []string
	ExpiresAt      *time.Time
}

// CreatePolicy stores a new active policy whose creator is caller. The
// creator is the sole initial admin. A report id can be claimed by one policy
// only; later attempts fail with ErrAlreadyExists.
func (e *Engine) CreatePolicy(ctx context.Context, caller string, in CreatePolicyInput) (*models.ReportAccessPolicy, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, fmt.Errorf("caller required: %w", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(in.AuditRecordRef) == "" {
		return nil, fmt.Errorf("audit record ref required: %w", apperr.ErrInvalidInput)
	}
	for _, a := range append(append([]string{}, in.Readers...), in.Auditors...) {
		if strings.TrimSpace(a) == "" {
			return nil, fmt.Errorf("empty member address: %w", apperr.ErrInvalidInput)
		}
	}

	now := e.clock.Now()
	p := &models.ReportAccessPolicy{
		ID:             uuid.NewString(),
		ReportID:       in.ReportID,
		AuditRecordRef: in.AuditRecordRef,
		Creator:        models.NormalizeAddress(caller),
		Readers:        models.NewAddressSet(in.Readers...),
		Auditors:       models.NewAddressSet(in.Auditors...),
		Admins:         models.NewAddressSet(caller),
		CreatedAt:      now,
		ExpiresAt:      in.ExpiresAt,
		IsActive:       true,
	}
	if err := e.store.PutPolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("creating policy: %w", err)
	}

	log.Info().Str("policy_id", p.ID).Str("creator", p.Creator).Str("report_id", p.ReportID.String()).Msg("policy created")
	e.events.Publish(events.NewEvent(events.TypePolicyCreated, now, map[string]string{
		"policy_id": p.ID,
		"creator":   p.Creator,
		"report_id": p.ReportID.String(),
	}))
	return p, nil
}

// GetPolicy returns the policy with id.
func (e *Engine) GetPolicy(ctx context.Context, id string) (*models.ReportAccessPolicy, error) {
	return e.store.GetPolicy(ctx, id)
}

type GrantInput struct {
	Recipient    string
	Kind         models.AccessKind
	Transferable bool
	ExpiresAt    *time.Time
}

// GrantAccessToken mints a token for recipient and adds the recipient to the
// membership set for the token's kind in the same transaction.
func (e *Engine) GrantAccessToken(ctx context.Context, caller, policyID string, in GrantInput) (*models.SealToken, error) {
	if strings.TrimSpace(in.Recipient) == "" {
		return nil, fmt.Errorf("recipient required: %w", apperr.ErrInvalidInput)
	}
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("access kind %d: %w", uint8(in.Kind), apperr.ErrInvalidAccessType)
	}

	var tok *models.SealToken
	now := e.clock.Now()
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if !p.IsAdmin(caller) {
			return fmt.Errorf("%s is not an admin of policy %s: %w", caller, p.ID, apperr.ErrUnauthorizedAccess)
		}
		if !p.IsActive {
			return fmt.Errorf("policy %s: %w", p.ID, apperr.ErrPolicyRevoked)
		}
		if p.IsExpired(now) {
			return fmt.Errorf("policy %s: %w", p.ID, apperr.ErrPolicyExpired)
		}

		tok = &models.SealToken{
			ID:             uuid.NewString(),
			PolicyRef:      p.ID,
			Holder:         models.NormalizeAddress(in.Recipient),
			AccessKind:     in.Kind,
			GrantedAt:      now,
			ExpiresAt:      in.ExpiresAt,
			IsTransferable: in.Transferable,
		}
		set := p.Members(in.Kind)
		tok.GrantsMembership = !set.Has(in.Recipient)
		set.Add(in.Recipient)
		if err := tx.PutPolicy(ctx, p); err != nil {
			return err
		}
		return tx.PutToken(ctx, tok)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("policy_id", policyID).Str("token_id", tok.ID).Str("holder", tok.Holder).
		Str("kind", tok.AccessKind.String()).Msg("access token granted")
	e.events.Publish(events.NewEvent(events.TypeTokenGranted, now, tok))
	return tok, nil
}

// RevokePolicy permanently deactivates a policy. Only the creator may revoke.
func (e *Engine) RevokePolicy(ctx context.Context, caller, policyID, reason string) error {
	now := e.clock.Now()
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if !p.IsCreator(caller) {
			return fmt.Errorf("only the creator may revoke policy %s: %w", p.ID, apperr.ErrUnauthorizedAccess)
		}
		if !p.IsActive {
			return fmt.Errorf("policy %s already revoked: %w", p.ID, apperr.ErrPolicyRevoked)
		}
		p.IsActive = false
		p.RevocationReason = &reason
		return tx.PutPolicy(ctx, p)
	})
	if err != nil {
		return err
	}

	log.Warn().Str("policy_id", policyID).Str("reason", reason).Msg("policy revoked")
	e.events.Publish(events.NewEvent(events.TypePolicyRevoked, now, map[string]string{
		"policy_id": policyID,
		"reason":    reason,
	}))
	return nil
}

// RemoveAccess drops target from the set matching kind. Removing the creator
// from the admins is silently ignored.
func (e *Engine) RemoveAccess(ctx context.Context, caller, policyID, target string, kind models.AccessKind) error {
	if !kind.Valid() {
		return fmt.Errorf("access kind %d: %w", uint8(kind), apperr.ErrInvalidAccessType)
	}
	removed := false
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetPolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if !p.IsAdmin(caller) {
			return fmt.Errorf("%s is not an admin of policy %s: %w", caller, p.ID, apperr.ErrUnauthorizedAccess)
		}
		if kind == models.AccessAdmin && p.IsCreator(target) {
			return nil
		}
		set := p.Members(kind)
		if !set.Has(target) {
			return nil
		}
		set.Remove(target)
		removed = true
		return tx.PutPolicy(ctx, p)
	})
	if err != nil {
		return err
	}
	if removed {
		log.Info().Str("policy_id", policyID).Str("target", target).Str("kind", kind.String()).Msg("access removed")
		e.events.Publish(events.NewEvent(events.TypeAccessRemoved, e.clock.Now(), map[string]string{
			"policy_id": policyID,
			"target":    models.NormalizeAddress(target),
			"kind":      kind.String(),
		}))
	}
	return nil
}

// TransferToken hands a transferable token to recipient, who joins the set
// for the token's kind. The previous holder leaves that set only when this
// token is what put them there and they hold no other live token of the kind.
func (e *Engine) TransferToken(ctx context.Context, caller, tokenID, recipient string) (*models.SealToken, error) {
	if strings.TrimSpace(recipient) == "" {
		return nil, fmt.Errorf("recipient required: %w", apperr.ErrInvalidInput)
	}
	var tok *models.SealToken
	var previous string
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if models.NormalizeAddress(caller) != t.Holder {
			return fmt.Errorf("%s does not hold token %s: %w", caller, t.ID, apperr.ErrUnauthorizedAccess)
		}
		if !t.IsTransferable {
			return fmt.Errorf("token %s is not transferable: %w", t.ID, apperr.ErrUnauthorizedAccess)
		}
		p, err := tx.GetPolicy(ctx, t.PolicyRef)
		if err != nil {
			return err
		}
		previous = t.Holder
		if t.GrantsMembership {
			others, err := tx.ListTokens(ctx, p.ID)
			if err != nil {
				return err
			}
			if !holdsLiveToken(others, previous, t.AccessKind, t.ID, e.clock.Now()) {
				releaseMembership(p, t.AccessKind, previous)
			}
		}
		t.Holder = models.NormalizeAddress(recipient)
		set := p.Members(t.AccessKind)
		t.GrantsMembership = !set.Has(t.Holder)
		set.Add(t.Holder)
		if err := tx.PutPolicy(ctx, p); err != nil {
			return err
		}
		tok = t
		return tx.PutToken(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("token_id", tok.ID).Str("from", previous).Str("to", tok.Holder).Msg("token transferred")
	e.events.Publish(events.NewEvent(events.TypeTokenTransferred, e.clock.Now(), map[string]string{
		"token_id": tok.ID,
		"from":     previous,
		"to":       tok.Holder,
	}))
	return tok, nil
}

// BurnExpiredToken destroys a token once it is past its own expiry. Anyone
// may call it, so policy membership is left alone. Tokens without an expiry
// can never be burned.
func (e *Engine) BurnExpiredToken(ctx context.Context, tokenID string) error {
	now := e.clock.Now()
	var burned *models.SealToken
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if !t.IsExpired(now) {
			return fmt.Errorf("token %s is still live: %w", t.ID, apperr.ErrTokenExpired)
		}
		burned = t
		return tx.DeleteToken(ctx, t.ID)
	})
	if err != nil {
		return err
	}

	log.Info().Str("token_id", burned.ID).Str("policy_id", burned.PolicyRef).Msg("expired token burned")
	e.events.Publish(events.NewEvent(events.TypeTokenBurned, now, map[string]string{
		"token_id":  burned.ID,
		"policy_id": burned.PolicyRef,
	}))
	return nil
}

// releaseMembership drops addr from the set for kind. The creator's admin
// seat is protected.
func releaseMembership(p *models.ReportAccessPolicy, kind models.AccessKind, addr string) {
	if kind == models.AccessAdmin && p.IsCreator(addr) {
		return
	}
	p.Members(kind).Remove(addr)
}

// holdsLiveToken reports whether holder has an unexpired token of kind among
// toks other than skipID.
func holdsLiveToken(toks []*models.SealToken, holder string, kind models.AccessKind, skipID string, now time.Time) bool {
	for _, t := range toks {
		if t.ID != skipID && t.Holder == holder && t.AccessKind == kind && !t.IsExpired(now) {
			return true
		}
	}
	return false
}

// GetToken returns the token with id.
func (e *Engine) GetToken(ctx context.Context, id string) (*models.SealToken, error) {
	return e.store.GetToken(ctx, id)
}

// ListTokens returns the tokens granted on a policy, oldest first.
func (e *Engine) ListTokens(ctx context.Context, policyID string) ([]*models.SealToken, error) {
	if _, err := e.store.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	return e.store.ListTokens(ctx, policyID)
}

// ListAccessLog returns up to limit access records of a policy in insertion order.
func (e *Engine) ListAccessLog(ctx context.Context, policyID string, limit int) ([]*models.AccessRecord, error) {
	if _, err := e.store.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	return e.store.ListAccessRecords(ctx, policyID, limit)
}

// SealApprove loads the policy and runs the key-release check. It never
// writes: key servers only simulate it.
func (e *Engine) SealApprove(ctx context.Context, sender, policyID string, idBytes []byte) error {
	p, err := e.store.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	err = SealApprove(sender, idBytes, p, e.clock.Now())
	metrics.AccessDecisions.WithLabelValues(StageSealApprove, metrics.Result(err == nil)).Inc()
	if err != nil {
		log.Debug().Err(err).Str("policy_id", policyID).Str("sender", sender).Msg("seal_approve denied")
	}
	return err
}

type AccessRequest struct {
	PolicyID string
	Accessor string
	Kind     models.AccessKind
	// TokenRef, when set, must name an unexpired token of Kind held by
	// Accessor on this policy.
	TokenRef *string
}

// CheckAccess makes the time-aware decision and appends the attempt to the
// policy's access log. Allowed attempts bump the access counters. A nil
// error means access is granted.
func (e *Engine) CheckAccess(ctx context.Context, req AccessRequest) error {
	now := e.clock.Now()
	var decision error
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetPolicy(ctx, req.PolicyID)
		if err != nil {
			return err
		}
		decision = AccessError(p, req.Accessor, req.Kind, now)
		if decision == nil && req.TokenRef != nil {
			decision = e.checkToken(ctx, tx, p, req, now)
		}

		rec := &models.AccessRecord{
			PolicyRef:  p.ID,
			Accessor:   models.NormalizeAddress(req.Accessor),
			AccessKind: req.Kind,
			Timestamp:  now,
			TokenRef:   req.TokenRef,
			Success:    decision == nil,
			Stage:      StageCheckAccess,
		}
		if decision != nil {
			rec.Reason = apperr.Code(decision)
		}
		if err := tx.AppendAccessRecord(ctx, rec); err != nil {
			return err
		}
		if decision != nil {
			return nil
		}
		p.TotalAccesses++
		p.LastAccessedAt = &now
		return tx.PutPolicy(ctx, p)
	})
	if err != nil {
		return err
	}
	metrics.AccessDecisions.WithLabelValues(StageCheckAccess, metrics.Result(decision == nil)).Inc()
	if decision != nil {
		log.Info().Str("policy_id", req.PolicyID).Str("accessor", req.Accessor).
			Str("reason", apperr.Code(decision)).Msg("access denied")
	}
	return decision
}

func (e *Engine) checkToken(ctx context.Context, tx storage.Tx, p *models.ReportAccessPolicy, req AccessRequest, now time.Time) error {
	t, err := tx.GetToken(ctx, *req.TokenRef)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("token %s: %w", *req.TokenRef, apperr.ErrUnauthorizedAccess)
		}
		return err
	}
	switch {
	case t.PolicyRef != p.ID:
		return fmt.Errorf("token %s belongs to another policy: %w", t.ID, apperr.ErrUnauthorizedAccess)
	case t.Holder != models.NormalizeAddress(req.Accessor):
		return fmt.Errorf("token %s is held by someone else: %w", t.ID, apperr.ErrUnauthorizedAccess)
	case t.AccessKind != req.Kind:
		return fmt.Errorf("token %s grants %s, not %s: %w", t.ID, t.AccessKind, req.Kind, apperr.ErrUnauthorizedAccess)
	case t.IsExpired(now):
		return fmt.Errorf("token %s expired: %w", t.ID, apperr.ErrUnauthorizedAccess)
	}
	return nil
}
