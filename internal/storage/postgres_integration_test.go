//go:build integration

package storage

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/org/sealaudit/pkg/models"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func startPostgres(t *testing.T) *PostgresBackend {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("sealaudit"),
		postgres.WithUsername("sealaudit"),
		postgres.WithPassword("sealaudit"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dsn, migrationsDir(t)))

	b, err := NewPostgresBackend(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestPostgresPolicyAndTokens(t *testing.T) {
	b := startPostgres(t)
	ctx := context.Background()

	p := &models.ReportAccessPolicy{
		ID:             "p1",
		ReportID:       models.NewU256(0x0201),
		AuditRecordRef: "0xaudit",
		Creator:        "0xcreator",
		Readers:        models.NewAddressSet(),
		Auditors:       models.NewAddressSet("0xauditor"),
		Admins:         models.NewAddressSet("0xcreator"),
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
		IsActive:       true,
	}
	require.NoError(t, b.PutPolicy(ctx, p))

	err := b.InTx(ctx, func(tx Tx) error {
		got, err := tx.GetPolicy(ctx, "p1")
		if err != nil {
			return err
		}
		got.Readers.Add("0xreader")
		if err := tx.PutPolicy(ctx, got); err != nil {
			return err
		}
		return tx.PutToken(ctx, &models.SealToken{
			ID: "t1", PolicyRef: "p1", Holder: "0xreader",
			AccessKind: models.AccessRead, GrantedAt: time.Now().UTC(),
			GrantsMembership: true,
		})
	})
	require.NoError(t, err)

	dup := *p
	dup.ID = "p2"
	assert.ErrorIs(t, b.PutPolicy(ctx, &dup), ErrAlreadyExists, "report already guarded by p1")

	got, err := b.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Readers.Has("0xreader"))
	assert.True(t, got.Auditors.Has("0xauditor"))
	assert.True(t, got.ReportID.Equal(models.NewU256(0x0201)))

	toks, err := b.ListTokens(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, models.AccessRead, toks[0].AccessKind)
	assert.True(t, toks[0].GrantsMembership)

	require.NoError(t, b.AppendAccessRecord(ctx, &models.AccessRecord{
		PolicyRef: "p1", Accessor: "0xreader", AccessKind: models.AccessRead,
		Timestamp: time.Now().UTC(), Success: true, Stage: "check_access",
	}))
	recs, err := b.ListAccessRecords(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPostgresAuditLedgerTables(t *testing.T) {
	b := startPostgres(t)
	ctx := context.Background()

	cfg := &models.AuditConfig{
		Admin:              "0xadmin",
		MinChallengeCount:  10,
		MaxChallengeCount:  100,
		ChallengeInterval:  time.Hour,
		AuthorizedAuditors: models.NewAddressSet("0xauditor"),
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, b.PutAuditConfig(ctx, cfg))
	gotCfg, err := b.GetAuditConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), gotCfg.MinChallengeCount)
	assert.Equal(t, time.Hour, gotCfg.ChallengeInterval)

	rec := &models.AuditRecord{
		ID: "r1", BlobRef: models.NewU256(9), BlobObjectRef: "0xblob", Auditor: "0xauditor",
		ChallengeEpoch: 3, TotalChallenges: 20, SuccessfulVerifications: 19, FailedVerifications: 1,
		IntegrityHash: []byte{1, 2}, PQCSignature: []byte{3}, PQCAlgorithm: models.PQCDilithium3,
		IsValid: true, Timestamp: time.Now().UTC(),
	}
	require.NoError(t, b.InsertAuditRecord(ctx, rec))
	assert.ErrorIs(t, b.InsertAuditRecord(ctx, rec), ErrAlreadyExists)

	require.NoError(t, b.PutBlobHistory(ctx, &models.BlobAuditHistory{
		BlobRef: models.NewU256(9), Records: []string{"r1"}, LastAuditEpoch: 3, TotalAudits: 1,
	}))
	h, err := b.GetBlobHistory(ctx, models.NewU256(9))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h.LastAuditEpoch)
}
