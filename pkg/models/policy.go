package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AccessKind is the role a token or membership grants on a policy.
type AccessKind uint8

const (
	AccessRead  AccessKind = 1
	AccessAudit AccessKind = 2
	AccessAdmin AccessKind = 3
)

// AccessKinds lists every valid kind in wire order.
var AccessKinds = []AccessKind{AccessRead, AccessAudit, AccessAdmin}

func (k AccessKind) Valid() bool {
	return k >= AccessRead && k <= AccessAdmin
}

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessAudit:
		return "audit"
	case AccessAdmin:
		return "admin"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseAccessKind accepts the wire integer ("1".."3") or the name.
func ParseAccessKind(s string) (AccessKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "read":
		return AccessRead, true
	case "2", "audit":
		return AccessAudit, true
	case "3", "admin":
		return AccessAdmin, true
	}
	return 0, false
}

func (k AccessKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid access kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *AccessKind) UnmarshalText(text []byte) error {
	v, ok := ParseAccessKind(string(text))
	if !ok {
		return fmt.Errorf("invalid access kind %q", string(text))
	}
	*k = v
	return nil
}

// UnmarshalJSON also accepts a bare number so that on-chain style payloads
// ({"access_kind": 1}) decode.
func (k *AccessKind) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return k.UnmarshalText([]byte(s))
	}
	return k.UnmarshalText(data)
}

// AddressSet is a set of principal addresses. It marshals as a sorted array.
type AddressSet map[string]struct{}

func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

func (s AddressSet) Add(addr string)    { s[NormalizeAddress(addr)] = struct{}{} }
func (s AddressSet) Remove(addr string) { delete(s, NormalizeAddress(addr)) }

func (s AddressSet) Has(addr string) bool {
	_, ok := s[NormalizeAddress(addr)]
	return ok
}

func (s AddressSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s AddressSet) Clone() AddressSet {
	c := make(AddressSet, len(s))
	for a := range s {
		c[a] = struct{}{}
	}
	return c
}

func (s AddressSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *AddressSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewAddressSet(list...)
	return nil
}

// NormalizeAddress lower-cases a 0x address so set lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ReportAccessPolicy decides who may decrypt one encrypted report. Policies
// are never deleted; revocation flips IsActive and is irreversible.
type ReportAccessPolicy struct {
	ID               string     `json:"id"`
	ReportID         U256       `json:"report_id"`
	AuditRecordRef   string     `json:"audit_record_ref"`
	Creator          string     `json:"creator"`
	Readers          AddressSet `json:"readers"`
	Auditors         AddressSet `json:"auditors"`
	Admins           AddressSet `json:"admins"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsActive         bool       `json:"is_active"`
	RevocationReason *string    `json:"revocation_reason,omitempty"`
	TotalAccesses    uint64     `json:"total_accesses"`
	LastAccessedAt   *time.Time `json:"last_accessed_at,omitempty"`
}

// Members returns the membership set for kind, allocating it if needed.
func (p *ReportAccessPolicy) Members(kind AccessKind) AddressSet {
	var set *AddressSet
	switch kind {
	case AccessRead:
		set = &p.Readers
	case AccessAudit:
		set = &p.Auditors
	case AccessAdmin:
		set = &p.Admins
	default:
		return nil
	}
	if *set == nil {
		*set = AddressSet{}
	}
	return *set
}

func (p *ReportAccessPolicy) IsCreator(addr string) bool {
	return NormalizeAddress(addr) == NormalizeAddress(p.Creator)
}

// IsAdmin reports whether addr may administer the policy. The creator is
// always an admin.
func (p *ReportAccessPolicy) IsAdmin(addr string) bool {
	return p.IsCreator(addr) || p.Admins.Has(addr)
}

// IsMember checks the set that matches kind.
func (p *ReportAccessPolicy) IsMember(addr string, kind AccessKind) bool {
	if kind == AccessAdmin {
		return p.IsAdmin(addr)
	}
	s := p.Members(kind)
	return s != nil && s.Has(addr)
}

// IsAnyMember checks all three sets.
func (p *ReportAccessPolicy) IsAnyMember(addr string) bool {
	return p.Readers.Has(addr) || p.Auditors.Has(addr) || p.Admins.Has(addr)
}

func (p *ReportAccessPolicy) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

func (p *ReportAccessPolicy) Clone() *ReportAccessPolicy {
	c := *p
	c.Readers = p.Readers.Clone()
	c.Auditors = p.Auditors.Clone()
	c.Admins = p.Admins.Clone()
	c.ExpiresAt = cloneTime(p.ExpiresAt)
	c.LastAccessedAt = cloneTime(p.LastAccessedAt)
	if p.RevocationReason != nil {
		r := *p.RevocationReason
		c.RevocationReason = &r
	}
	return &c
}

// SealToken is a delegated access credential bound to one policy.
type SealToken struct {
	ID             string     `json:"id"`
	PolicyRef      string     `json:"policy_ref"`
	Holder         string     `json:"holder"`
	AccessKind     AccessKind `json:"access_kind"`
	GrantedAt      time.Time  `json:"granted_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsTransferable bool       `json:"is_transferable"`
	// GrantsMembership is set when this token put Holder into the policy's
	// set for AccessKind, as opposed to joining a set Holder was already in.
	GrantsMembership bool `json:"grants_membership"`
}

// IsExpired is false for tokens without an expiry.
func (t *SealToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

func (t *SealToken) Clone() *SealToken {
	c := *t
	c.ExpiresAt = cloneTime(t.ExpiresAt)
	return &c
}

// AccessRecord is one entry of a policy's append-only access log.
type AccessRecord struct {
	ID         int64      `json:"id"`
	PolicyRef  string     `json:"policy_ref"`
	Accessor   string     `json:"accessor"`
	AccessKind AccessKind `json:"access_kind"`
	Timestamp  time.Time  `json:"timestamp"`
	TokenRef   *string    `json:"token_ref,omitempty"`
	Success    bool       `json:"success"`
	Stage      string     `json:"stage"`
	Reason     string     `json:"reason,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IsObjectID reports whether s is a 0x-prefixed 32-byte hex identifier, the
// form of account addresses and package ids.
func IsObjectID(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
