package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/org/sealaudit/pkg/models"
)

type memState struct {
	policies     map[string]*models.ReportAccessPolicy
	tokens       map[string]*models.SealToken
	accessLog    []*models.AccessRecord
	config       *models.AuditConfig
	auditRecords map[string]*models.AuditRecord
	histories    map[string]*models.BlobAuditHistory
	requestLog   []*models.RequestLogEntry
}

// MemoryBackend keeps everything in process memory. Transactions take a
// single writer lock and stage their writes, so a failed transaction leaves
// no trace.
type MemoryBackend struct {
	mu    sync.RWMutex
	state memState
	seq   int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: memState{
		policies:     make(map[string]*models.ReportAccessPolicy),
		tokens:       make(map[string]*models.SealToken),
		auditRecords: make(map[string]*models.AuditRecord),
		histories:    make(map[string]*models.BlobAuditHistory),
	}}
}

func (m *MemoryBackend) Close() {}

func (m *MemoryBackend) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// write runs fn in a transaction; used by the implicit single-call methods.
func (m *MemoryBackend) write(ctx context.Context, fn func(tx *memTx) error) error {
	return m.InTx(ctx, func(tx Tx) error { return fn(tx.(*memTx)) })
}

func (m *MemoryBackend) GetPolicy(_ context.Context, id string) (*models.ReportAccessPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryBackend) PutPolicy(ctx context.Context, p *models.ReportAccessPolicy) error {
	return m.write(ctx, func(tx *memTx) error { return tx.PutPolicy(ctx, p) })
}

func (m *MemoryBackend) GetToken(_ context.Context, id string) (*models.SealToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.state.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryBackend) PutToken(ctx context.Context, t *models.SealToken) error {
	return m.write(ctx, func(tx *memTx) error { return tx.PutToken(ctx, t) })
}

func (m *MemoryBackend) DeleteToken(ctx context.Context, id string) error {
	return m.write(ctx, func(tx *memTx) error { return tx.DeleteToken(ctx, id) })
}

func (m *MemoryBackend) AppendAccessRecord(ctx context.Context, rec *models.AccessRecord) error {
	return m.write(ctx, func(tx *memTx) error { return tx.AppendAccessRecord(ctx, rec) })
}

func (m *MemoryBackend) GetAuditConfig(_ context.Context) (*models.AuditConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.config == nil {
		return nil, fmt.Errorf("audit config: %w", ErrNotFound)
	}
	return m.state.config.Clone(), nil
}

func (m *MemoryBackend) PutAuditConfig(ctx context.Context, c *models.AuditConfig) error {
	return m.write(ctx, func(tx *memTx) error { return tx.PutAuditConfig(ctx, c) })
}

func (m *MemoryBackend) GetAuditRecord(_ context.Context, id string) (*models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.state.auditRecords[id]
	if !ok {
		return nil, fmt.Errorf("audit record %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryBackend) InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error {
	return m.write(ctx, func(tx *memTx) error { return tx.InsertAuditRecord(ctx, r) })
}

func (m *MemoryBackend) GetBlobHistory(_ context.Context, blobRef models.U256) (*models.BlobAuditHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state.histories[blobRef.String()]
	if !ok {
		return nil, fmt.Errorf("blob history %s: %w", blobRef, ErrNotFound)
	}
	return h.Clone(), nil
}

func (m *MemoryBackend) PutBlobHistory(ctx context.Context, h *models.BlobAuditHistory) error {
	return m.write(ctx, func(tx *memTx) error { return tx.PutBlobHistory(ctx, h) })
}

func (m *MemoryBackend) ListTokens(_ context.Context, policyID string) ([]*models.SealToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SealToken
	for _, t := range m.state.tokens {
		if t.PolicyRef == policyID {
			out = append(out, t.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func sortTokens(out []*models.SealToken) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
}

func (m *MemoryBackend) ListAccessRecords(_ context.Context, policyID string, limit int) ([]*models.AccessRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AccessRecord
	for _, r := range m.state.accessLog {
		if r.PolicyRef != policyID {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBackend) WriteRequestLog(_ context.Context, entry *models.RequestLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	entry.ID = m.seq
	cp := *entry
	m.state.requestLog = append(m.state.requestLog, &cp)
	return nil
}

func (m *MemoryBackend) QueryRequestLog(_ context.Context, f RequestLogFilter) ([]*models.RequestLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*models.RequestLogEntry
	// newest first, like the SQL backend
	for i := len(m.state.requestLog) - 1; i >= 0; i-- {
		e := m.state.requestLog[i]
		if f.Path != "" && !strings.HasPrefix(e.Path, f.Path) {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// memTx stages writes on top of the committed state. The backend's writer
// lock is held for the lifetime of the transaction.
type memTx struct {
	b             *MemoryBackend
	policies      map[string]*models.ReportAccessPolicy
	tokens        map[string]*models.SealToken
	deletedTokens map[string]bool
	accessLog     []*models.AccessRecord
	config        *models.AuditConfig
	auditRecords  map[string]*models.AuditRecord
	histories     map[string]*models.BlobAuditHistory
	seq           int64
}

func newMemTx(b *MemoryBackend) *memTx {
	return &memTx{
		b:             b,
		policies:      make(map[string]*models.ReportAccessPolicy),
		tokens:        make(map[string]*models.SealToken),
		deletedTokens: make(map[string]bool),
		auditRecords:  make(map[string]*models.AuditRecord),
		histories:     make(map[string]*models.BlobAuditHistory),
		seq:           b.seq,
	}
}

func (t *memTx) commit() {
	s := &t.b.state
	for id, p := range t.policies {
		s.policies[id] = p
	}
	for id := range t.deletedTokens {
		delete(s.tokens, id)
	}
	for id, tok := range t.tokens {
		s.tokens[id] = tok
	}
	s.accessLog = append(s.accessLog, t.accessLog...)
	if t.config != nil {
		s.config = t.config
	}
	for id, r := range t.auditRecords {
		s.auditRecords[id] = r
	}
	for k, h := range t.histories {
		s.histories[k] = h
	}
	t.b.seq = t.seq
}

func (t *memTx) GetPolicy(_ context.Context, id string) (*models.ReportAccessPolicy, error) {
	if p, ok := t.policies[id]; ok {
		return p.Clone(), nil
	}
	p, ok := t.b.state.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (t *memTx) PutPolicy(_ context.Context, p *models.ReportAccessPolicy) error {
	if other := t.policyForReport(p.ReportID); other != "" && other != p.ID {
		return fmt.Errorf("report %s is guarded by policy %s: %w", p.ReportID, other, ErrAlreadyExists)
	}
	t.policies[p.ID] = p.Clone()
	return nil
}

// policyForReport returns the id of the policy guarding reportID, staged
// writes included, or "".
func (t *memTx) policyForReport(reportID models.U256) string {
	for id, p := range t.policies {
		if p.ReportID.Equal(reportID) {
			return id
		}
	}
	for id, p := range t.b.state.policies {
		if _, staged := t.policies[id]; !staged && p.ReportID.Equal(reportID) {
			return id
		}
	}
	return ""
}

func (t *memTx) GetToken(_ context.Context, id string) (*models.SealToken, error) {
	if t.deletedTokens[id] {
		return nil, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	if tok, ok := t.tokens[id]; ok {
		return tok.Clone(), nil
	}
	tok, ok := t.b.state.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	return tok.Clone(), nil
}

func (t *memTx) PutToken(_ context.Context, tok *models.SealToken) error {
	if _, ok := t.b.state.policies[tok.PolicyRef]; !ok {
		if _, staged := t.policies[tok.PolicyRef]; !staged {
			return fmt.Errorf("token %s references policy %s: %w", tok.ID, tok.PolicyRef, ErrNotFound)
		}
	}
	delete(t.deletedTokens, tok.ID)
	t.tokens[tok.ID] = tok.Clone()
	return nil
}

func (t *memTx) DeleteToken(ctx context.Context, id string) error {
	if _, err := t.GetToken(ctx, id); err != nil {
		return err
	}
	delete(t.tokens, id)
	t.deletedTokens[id] = true
	return nil
}

func (t *memTx) ListTokens(_ context.Context, policyID string) ([]*models.SealToken, error) {
	var out []*models.SealToken
	for id, tok := range t.b.state.tokens {
		if _, staged := t.tokens[id]; staged || t.deletedTokens[id] {
			continue
		}
		if tok.PolicyRef == policyID {
			out = append(out, tok.Clone())
		}
	}
	for _, tok := range t.tokens {
		if tok.PolicyRef == policyID {
			out = append(out, tok.Clone())
		}
	}
	sortTokens(out)
	return out, nil
}

func (t *memTx) AppendAccessRecord(_ context.Context, rec *models.AccessRecord) error {
	t.seq++
	rec.ID = t.seq
	cp := *rec
	t.accessLog = append(t.accessLog, &cp)
	return nil
}

func (t *memTx) GetAuditConfig(_ context.Context) (*models.AuditConfig, error) {
	if t.config != nil {
		return t.config.Clone(), nil
	}
	if t.b.state.config == nil {
		return nil, fmt.Errorf("audit config: %w", ErrNotFound)
	}
	return t.b.state.config.Clone(), nil
}

func (t *memTx) PutAuditConfig(_ context.Context, c *models.AuditConfig) error {
	t.config = c.Clone()
	return nil
}

func (t *memTx) GetAuditRecord(_ context.Context, id string) (*models.AuditRecord, error) {
	r, ok := t.auditRecords[id]
	if !ok {
		r, ok = t.b.state.auditRecords[id]
	}
	if !ok {
		return nil, fmt.Errorf("audit record %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) InsertAuditRecord(_ context.Context, r *models.AuditRecord) error {
	_, staged := t.auditRecords[r.ID]
	_, committed := t.b.state.auditRecords[r.ID]
	if staged || committed {
		return fmt.Errorf("audit record %s: %w", r.ID, ErrAlreadyExists)
	}
	cp := *r
	t.auditRecords[r.ID] = &cp
	return nil
}

func (t *memTx) GetBlobHistory(_ context.Context, blobRef models.U256) (*models.BlobAuditHistory, error) {
	key := blobRef.String()
	if h, ok := t.histories[key]; ok {
		return h.Clone(), nil
	}
	h, ok := t.b.state.histories[key]
	if !ok {
		return nil, fmt.Errorf("blob history %s: %w", key, ErrNotFound)
	}
	return h.Clone(), nil
}

func (t *memTx) PutBlobHistory(_ context.Context, h *models.BlobAuditHistory) error {
	t.histories[h.BlobRef.String()] = h.Clone()
	return nil
}
