package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/sealaudit/pkg/models"
)

func samplePolicy(id string) *models.ReportAccessPolicy {
	return &models.ReportAccessPolicy{
		ID:             id,
		ReportID:       models.NewU256(42),
		AuditRecordRef: "0xaudit",
		Creator:        "0xcreator",
		Readers:        models.NewAddressSet(),
		Auditors:       models.NewAddressSet(),
		Admins:         models.NewAddressSet("0xcreator"),
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:       true,
	}
}

func TestMemoryPolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	require.NoError(t, m.PutPolicy(ctx, samplePolicy("p1")))

	got, err := m.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.ReportID.Equal(models.NewU256(42)))
	assert.True(t, got.Admins.Has("0xCREATOR"))

	// returned values are copies
	got.Readers.Add("0xintruder")
	again, err := m.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, again.Readers.Has("0xintruder"))

	_, err = m.GetPolicy(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.PutPolicy(ctx, samplePolicy("p1")))

	boom := errors.New("boom")
	err := m.InTx(ctx, func(tx Tx) error {
		p, err := tx.GetPolicy(ctx, "p1")
		if err != nil {
			return err
		}
		p.Readers.Add("0xreader")
		if err := tx.PutPolicy(ctx, p); err != nil {
			return err
		}
		if err := tx.PutToken(ctx, &models.SealToken{ID: "t1", PolicyRef: "p1", Holder: "0xreader", AccessKind: models.AccessRead}); err != nil {
			return err
		}
		// staged writes are visible inside the transaction
		staged, err := tx.GetPolicy(ctx, "p1")
		if err != nil {
			return err
		}
		if !staged.Readers.Has("0xreader") {
			t.Error("staged write not visible inside tx")
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := m.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.Readers.Has("0xreader"))
	_, err = m.GetToken(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOnePolicyPerReport(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.PutPolicy(ctx, samplePolicy("p1")))

	assert.ErrorIs(t, m.PutPolicy(ctx, samplePolicy("p2")), ErrAlreadyExists)
	// updating the owner is fine
	require.NoError(t, m.PutPolicy(ctx, samplePolicy("p1")))

	other := samplePolicy("p3")
	other.ReportID = models.NewU256(43)
	require.NoError(t, m.PutPolicy(ctx, other))
}

func TestMemoryTxListTokensSeesStagedWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.PutPolicy(ctx, samplePolicy("p1")))
	require.NoError(t, m.PutToken(ctx, &models.SealToken{ID: "t1", PolicyRef: "p1", Holder: "0xa", AccessKind: models.AccessRead}))

	err := m.InTx(ctx, func(tx Tx) error {
		if err := tx.DeleteToken(ctx, "t1"); err != nil {
			return err
		}
		if err := tx.PutToken(ctx, &models.SealToken{ID: "t2", PolicyRef: "p1", Holder: "0xb", AccessKind: models.AccessRead}); err != nil {
			return err
		}
		toks, err := tx.ListTokens(ctx, "p1")
		if err != nil {
			return err
		}
		require.Len(t, toks, 1)
		assert.Equal(t, "t2", toks[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryTokenRequiresPolicy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	err := m.PutToken(ctx, &models.SealToken{ID: "t1", PolicyRef: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteToken(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.PutPolicy(ctx, samplePolicy("p1")))
	require.NoError(t, m.PutToken(ctx, &models.SealToken{ID: "t1", PolicyRef: "p1", Holder: "0xa", AccessKind: models.AccessRead}))

	toks, err := m.ListTokens(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, toks, 1)

	require.NoError(t, m.DeleteToken(ctx, "t1"))
	_, err = m.GetToken(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteToken(ctx, "t1"), ErrNotFound)
}

func TestMemoryAccessLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.PutPolicy(ctx, samplePolicy("p1")))

	for i := 0; i < 3; i++ {
		rec := &models.AccessRecord{PolicyRef: "p1", Accessor: "0xa", AccessKind: models.AccessRead, Success: i%2 == 0}
		require.NoError(t, m.AppendAccessRecord(ctx, rec))
		assert.Equal(t, int64(i+1), rec.ID)
	}
	recs, err := m.ListAccessRecords(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Success)
	assert.False(t, recs[1].Success)

	limited, err := m.ListAccessRecords(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryAuditRecordsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	rec := &models.AuditRecord{ID: "r1", BlobRef: models.NewU256(7), TotalChallenges: 10}
	require.NoError(t, m.InsertAuditRecord(ctx, rec))
	assert.ErrorIs(t, m.InsertAuditRecord(ctx, rec), ErrAlreadyExists)

	h := &models.BlobAuditHistory{BlobRef: models.NewU256(7), Records: []string{"r1"}, TotalAudits: 1}
	require.NoError(t, m.PutBlobHistory(ctx, h))
	got, err := m.GetBlobHistory(ctx, models.NewU256(7))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, got.Records)
}

func TestMemoryRequestLogQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range []string{"/decrypt", "/v1/policies", "/decrypt"} {
		require.NoError(t, m.WriteRequestLog(ctx, &models.RequestLogEntry{
			Path:      p,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	got, err := m.QueryRequestLog(ctx, RequestLogFilter{Path: "/decrypt"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp), "newest first")

	since := base.Add(90 * time.Second)
	got, err = m.QueryRequestLog(ctx, RequestLogFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
