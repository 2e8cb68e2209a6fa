package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() *models.ReportAccessPolicy {
	exp := t0.Add(24 * time.Hour)
	return &models.ReportAccessPolicy{
		ID:        "p1",
		ReportID:  models.NewU256(0x0201),
		Creator:   "0xcreator",
		Readers:   models.NewAddressSet("0xreader"),
		Auditors:  models.NewAddressSet("0xauditor"),
		Admins:    models.NewAddressSet("0xcreator", "0xadmin"),
		CreatedAt: t0,
		ExpiresAt: &exp,
		IsActive:  true,
	}
}

var reportIDBytes = []byte{0x01, 0x02}

func TestSealApproveMembership(t *testing.T) {
	p := testPolicy()
	cases := []struct {
		sender string
		want   error
	}{
		{"0xcreator", nil},
		{"0xreader", nil},
		{"0xauditor", nil},
		{"0xadmin", nil},
		{"0xstranger", apperr.ErrUnauthorizedAccess},
	}
	for _, tc := range cases {
		err := SealApprove(tc.sender, reportIDBytes, p, t0)
		if tc.want == nil && err != nil {
			t.Errorf("sender=%s: unexpected error %v", tc.sender, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("sender=%s: expected %v, got %v", tc.sender, tc.want, err)
		}
	}
}

func TestSealApproveIDMismatch(t *testing.T) {
	p := testPolicy()
	// big-endian reading of the same bytes must not match
	err := SealApprove("0xcreator", []byte{0x02, 0x01}, p, t0)
	if !errors.Is(err, apperr.ErrReportNotFound) {
		t.Fatalf("expected ErrReportNotFound, got %v", err)
	}
}

func TestSealApproveOversizedID(t *testing.T) {
	p := testPolicy()
	err := SealApprove("0xcreator", make([]byte, 33), p, t0)
	if !errors.Is(err, apperr.ErrInvalidAccessType) {
		t.Fatalf("expected ErrInvalidAccessType, got %v", err)
	}
}

func TestSealApproveRevokedDeniesCreator(t *testing.T) {
	p := testPolicy()
	p.IsActive = false
	for _, sender := range []string{"0xcreator", "0xreader", "0xadmin"} {
		if err := SealApprove(sender, reportIDBytes, p, t0); !errors.Is(err, apperr.ErrPolicyRevoked) {
			t.Errorf("sender=%s: expected ErrPolicyRevoked, got %v", sender, err)
		}
	}
}

func TestSealApproveEnforcesExpiry(t *testing.T) {
	p := testPolicy()
	late := p.ExpiresAt.Add(time.Minute)
	if err := SealApprove("0xreader", reportIDBytes, p, late); !errors.Is(err, apperr.ErrPolicyExpired) {
		t.Errorf("expected ErrPolicyExpired for reader after expiry, got %v", err)
	}
	if err := SealApprove("0xcreator", reportIDBytes, p, late); err != nil {
		t.Errorf("creator should pass after expiry, got %v", err)
	}
}

func TestCheckAccessKindSpecific(t *testing.T) {
	p := testPolicy()
	cases := []struct {
		who  string
		kind models.AccessKind
		want bool
	}{
		{"0xreader", models.AccessRead, true},
		{"0xreader", models.AccessAudit, false},
		{"0xauditor", models.AccessAudit, true},
		{"0xauditor", models.AccessRead, false},
		{"0xadmin", models.AccessAdmin, true},
		{"0xadmin", models.AccessRead, false},
		{"0xstranger", models.AccessRead, false},
	}
	for _, tc := range cases {
		if got := CheckAccess(p, tc.who, tc.kind, t0); got != tc.want {
			t.Errorf("who=%s kind=%s: expected %v got %v", tc.who, tc.kind, tc.want, got)
		}
	}
}

func TestCheckAccessCreatorBypassesExpiry(t *testing.T) {
	p := testPolicy()
	farFuture := t0.Add(365 * 24 * time.Hour)
	for _, kind := range models.AccessKinds {
		if !CheckAccess(p, "0xcreator", kind, farFuture) {
			t.Errorf("creator denied %s after expiry", kind)
		}
	}
	if CheckAccess(p, "0xreader", models.AccessRead, farFuture) {
		t.Error("reader allowed after expiry")
	}
	err := AccessError(p, "0xreader", models.AccessRead, farFuture)
	if !errors.Is(err, apperr.ErrPolicyExpired) {
		t.Errorf("expected ErrPolicyExpired, got %v", err)
	}
}

func TestCheckAccessExpiryBoundary(t *testing.T) {
	p := testPolicy()
	if !CheckAccess(p, "0xreader", models.AccessRead, *p.ExpiresAt) {
		t.Error("access at exactly expires_at should be allowed")
	}
	if CheckAccess(p, "0xreader", models.AccessRead, p.ExpiresAt.Add(time.Nanosecond)) {
		t.Error("access after expires_at should be denied")
	}
}

func TestCheckAccessRevokedDeniesCreator(t *testing.T) {
	p := testPolicy()
	p.IsActive = false
	for _, kind := range models.AccessKinds {
		if CheckAccess(p, "0xcreator", kind, t0) {
			t.Errorf("creator allowed %s on revoked policy", kind)
		}
	}
	if err := AccessError(p, "0xcreator", models.AccessRead, t0); !errors.Is(err, apperr.ErrPolicyRevoked) {
		t.Errorf("expected ErrPolicyRevoked, got %v", err)
	}
}

func TestCheckAccessInvalidKind(t *testing.T) {
	p := testPolicy()
	if err := AccessError(p, "0xcreator", models.AccessKind(9), t0); !errors.Is(err, apperr.ErrInvalidAccessType) {
		t.Errorf("expected ErrInvalidAccessType, got %v", err)
	}
}

func TestAddressesCompareCaseInsensitively(t *testing.T) {
	p := testPolicy()
	if !CheckAccess(p, "0xREADER", models.AccessRead, t0) {
		t.Error("upper-case address should match")
	}
}
