package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/events"
	"github.com/org/sealaudit/internal/storage"
	"github.com/org/sealaudit/pkg/models"
)

type capturePublisher struct {
	mu   sync.Mutex
	seen []events.Event
}

func (c *capturePublisher) Publish(evt events.Event) {
	c.mu.Lock()
	c.seen = append(c.seen, evt)
	c.mu.Unlock()
}

func (c *capturePublisher) ofType(typ string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.seen {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newLedger(t *testing.T) (*Ledger, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	l := NewLedger(storage.NewMemoryBackend(), clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)), pub)
	_, err := l.Bootstrap(context.Background(), BootstrapInput{
		Admin:    "0xadmin",
		Auditors: []string{"0xauditor"},
	})
	require.NoError(t, err)
	return l, pub
}

func submission(total, ok uint16, epoch uint32) Submission {
	return Submission{
		BlobRef:                 models.NewU256(77),
		BlobObjectRef:           "0xblobobj",
		Auditor:                 "0xauditor",
		ChallengeEpoch:          epoch,
		TotalChallenges:         total,
		SuccessfulVerifications: ok,
		IntegrityHash:           []byte{0xde, 0xad},
		PQCSignature:            []byte{0xbe, 0xef},
		PQCAlgorithm:            models.PQCDilithium3,
	}
}

func TestValidityThreshold(t *testing.T) {
	cases := []struct {
		total, ok uint16
		want      bool
	}{
		{20, 19, true},
		{20, 18, false},
		{10, 10, true},
		{10, 9, false},
		{100, 95, true},
		{100, 94, false},
		{11, 11, true},
		{11, 10, false}, // ceil(10.45) = 11
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsValidAudit(tc.total, tc.ok), "total=%d ok=%d", tc.total, tc.ok)
	}
}

func TestConsecutiveFailureTrace(t *testing.T) {
	h := &models.BlobAuditHistory{}
	outcomes := []bool{true, false, false, true}
	want := []uint32{0, 1, 2, 0}
	for i, valid := range outcomes {
		require.NoError(t, UpdateBlobAuditHistory(h, "r", uint32(i+1), valid))
		assert.Equal(t, want[i], h.ConsecutiveFailures, "step %d", i)
	}
	assert.Equal(t, uint64(4), h.TotalAudits)
	assert.Equal(t, uint32(4), h.LastAuditEpoch)
	assert.Len(t, h.Records, 4)
}

func TestHistoryRejectsStaleEpoch(t *testing.T) {
	h := &models.BlobAuditHistory{}
	require.NoError(t, UpdateBlobAuditHistory(h, "r1", 5, true))
	require.NoError(t, UpdateBlobAuditHistory(h, "r2", 5, false), "same epoch is allowed")
	err := UpdateBlobAuditHistory(h, "r3", 4, true)
	assert.ErrorIs(t, err, apperr.ErrStaleAuditEpoch)
	assert.Equal(t, uint64(2), h.TotalAudits)
	assert.Equal(t, uint32(1), h.ConsecutiveFailures)
}

func TestSubmitCheckOrder(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	// every check fails: the auditor check wins
	bad := submission(5, 5, 1)
	bad.Auditor = "0xnobody"
	bad.PQCAlgorithm = 9
	_, err := l.SubmitAuditRecord(ctx, bad)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	// count and algorithm wrong: count wins
	bad.Auditor = "0xauditor"
	_, err = l.SubmitAuditRecord(ctx, bad)
	assert.ErrorIs(t, err, apperr.ErrInvalidChallengeCount)

	bad.TotalChallenges, bad.SuccessfulVerifications = 101, 100
	_, err = l.SubmitAuditRecord(ctx, bad)
	assert.ErrorIs(t, err, apperr.ErrInvalidChallengeCount)

	bad.TotalChallenges, bad.SuccessfulVerifications = 20, 20
	_, err = l.SubmitAuditRecord(ctx, bad)
	assert.ErrorIs(t, err, apperr.ErrInvalidSignatureAlgorithm)

	bad.PQCAlgorithm = models.PQCFalcon512
	bad.SuccessfulVerifications = 21
	_, err = l.SubmitAuditRecord(ctx, bad)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	cfg, err := l.Config(ctx)
	require.NoError(t, err)
	assert.Zero(t, cfg.TotalAudits, "rejected submissions leave no trace")
}

func TestSubmitValidAndInvalid(t *testing.T) {
	l, pub := newLedger(t)
	ctx := context.Background()

	ok, err := l.SubmitAuditRecord(ctx, submission(20, 19, 1))
	require.NoError(t, err)
	assert.True(t, ok.IsValid)
	assert.Equal(t, uint16(1), ok.FailedVerifications)
	assert.Nil(t, ok.FailureReason)
	assert.Empty(t, pub.ofType(events.TypeAuditFailureAlert))

	bad, err := l.SubmitAuditRecord(ctx, submission(20, 18, 2))
	require.NoError(t, err)
	assert.False(t, bad.IsValid)
	require.NotNil(t, bad.FailureReason)
	assert.Equal(t, FailureReason, *bad.FailureReason)

	alerts := pub.ofType(events.TypeAuditFailureAlert)
	require.Len(t, alerts, 1)
	var alert events.FailureAlert
	require.NoError(t, json.Unmarshal(alerts[0].Data, &alert))
	assert.Equal(t, uint16(2), alert.Failed)
	assert.Equal(t, uint16(20), alert.Total)
	assert.Equal(t, FailureReason, alert.Reason)

	cfg, err := l.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cfg.TotalAudits)
	assert.Equal(t, uint64(1), cfg.TotalFailures)

	h, err := l.GetHistory(ctx, models.NewU256(77))
	require.NoError(t, err)
	assert.Equal(t, []string{ok.ID, bad.ID}, h.Records)
	assert.Equal(t, uint32(1), h.ConsecutiveFailures)

	stored, err := l.GetRecord(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, bad.IntegrityHash, stored.IntegrityHash)
}

func TestSubmitStaleEpochRejected(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.SubmitAuditRecord(ctx, submission(20, 20, 10))
	require.NoError(t, err)
	_, err = l.SubmitAuditRecord(ctx, submission(20, 20, 9))
	assert.ErrorIs(t, err, apperr.ErrStaleAuditEpoch)

	cfg, err := l.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.TotalAudits)
}

func TestConfigAdminOnly(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.AuthorizeAuditor(ctx, "0xauditor", "0xnew")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	cfg, err := l.AuthorizeAuditor(ctx, "0xadmin", "0xnew")
	require.NoError(t, err)
	assert.True(t, cfg.AuthorizedAuditors.Has("0xnew"))

	cfg, err = l.DeauthorizeAuditor(ctx, "0xadmin", "0xauditor")
	require.NoError(t, err)
	assert.False(t, cfg.AuthorizedAuditors.Has("0xauditor"))

	_, err = l.UpdateChallengeBounds(ctx, "0xadmin", 50, 40)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	cfg, err = l.UpdateChallengeBounds(ctx, "0xadmin", 5, 40)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), cfg.MinChallengeCount)
}

func TestBootstrapOnce(t *testing.T) {
	l, _ := newLedger(t)
	cfg, err := l.Config(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultMinChallenges), cfg.MinChallengeCount)
	assert.Equal(t, uint16(DefaultMaxChallenges), cfg.MaxChallengeCount)
	assert.Equal(t, DefaultChallengeInterval, cfg.ChallengeInterval)

	_, err = l.Bootstrap(context.Background(), BootstrapInput{Admin: "0xother"})
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

func TestRequestLoggerStampsTime(t *testing.T) {
	store := storage.NewMemoryBackend()
	at := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	rl := NewRequestLogger(store, clock.NewManual(at))
	rl.LogRequest(context.Background(), &models.RequestLogEntry{RequestID: "r1", Path: "/decrypt"})

	got, err := rl.Query(context.Background(), storage.RequestLogFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, at, got[0].Timestamp)
}
