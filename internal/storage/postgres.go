package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/sealaudit/pkg/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pgStore
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pgStore: pgStore{q: pool}, pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgStore{q: tx, lock: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgStore implements Tx over a pool (implicit transactions) or an explicit
// transaction, in which case aggregate reads take row locks.
type pgStore struct {
	q    querier
	lock bool
}

func (s *pgStore) forUpdate(sql string) string {
	if s.lock {
		return sql + " FOR UPDATE"
	}
	return sql
}

// --- Policies ---

const policyColumns = `id, report_id, audit_record_ref, creator, readers, auditors, admins,
	created_at, expires_at, is_active, revocation_reason, total_accesses, last_accessed_at`

func (s *pgStore) GetPolicy(ctx context.Context, id string) (*models.ReportAccessPolicy, error) {
	row := s.q.QueryRow(ctx, s.forUpdate(`SELECT `+policyColumns+` FROM report_policies WHERE id = $1`), id)
	var (
		p                         models.ReportAccessPolicy
		reportID                  string
		readers, auditors, admins []string
		totalAccesses             int64
	)
	err := row.Scan(&p.ID, &reportID, &p.AuditRecordRef, &p.Creator, &readers, &auditors, &admins,
		&p.CreatedAt, &p.ExpiresAt, &p.IsActive, &p.RevocationReason, &totalAccesses, &p.LastAccessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if p.ReportID, err = models.ParseU256(reportID); err != nil {
		return nil, fmt.Errorf("policy %s: %w", id, err)
	}
	p.Readers = models.NewAddressSet(readers...)
	p.Auditors = models.NewAddressSet(auditors...)
	p.Admins = models.NewAddressSet(admins...)
	p.TotalAccesses = uint64(totalAccesses)
	return &p, nil
}

func (s *pgStore) PutPolicy(ctx context.Context, p *models.ReportAccessPolicy) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO report_policies (`+policyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   readers = EXCLUDED.readers,
		   auditors = EXCLUDED.auditors,
		   admins = EXCLUDED.admins,
		   expires_at = EXCLUDED.expires_at,
		   is_active = EXCLUDED.is_active,
		   revocation_reason = EXCLUDED.revocation_reason,
		   total_accesses = EXCLUDED.total_accesses,
		   last_accessed_at = EXCLUDED.last_accessed_at`,
		p.ID, p.ReportID.String(), p.AuditRecordRef, p.Creator,
		p.Readers.Sorted(), p.Auditors.Sorted(), p.Admins.Sorted(),
		p.CreatedAt, p.ExpiresAt, p.IsActive, p.RevocationReason, int64(p.TotalAccesses), p.LastAccessedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("report %s already has a policy: %w", p.ReportID, ErrAlreadyExists)
		}
		return fmt.Errorf("writing policy %s: %w", p.ID, err)
	}
	return nil
}

// --- Tokens ---

const tokenColumns = `id, policy_id, holder, access_kind, granted_at, expires_at, is_transferable, grants_membership`

func scanToken(row pgx.Row) (*models.SealToken, error) {
	var (
		t    models.SealToken
		kind int16
	)
	if err := row.Scan(&t.ID, &t.PolicyRef, &t.Holder, &kind, &t.GrantedAt, &t.ExpiresAt, &t.IsTransferable, &t.GrantsMembership); err != nil {
		return nil, err
	}
	t.AccessKind = models.AccessKind(kind)
	return &t, nil
}

func (s *pgStore) GetToken(ctx context.Context, id string) (*models.SealToken, error) {
	t, err := scanToken(s.q.QueryRow(ctx, s.forUpdate(`SELECT `+tokenColumns+` FROM seal_tokens WHERE id = $1`), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return t, nil
}

func (s *pgStore) PutToken(ctx context.Context, t *models.SealToken) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO seal_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET holder = EXCLUDED.holder, grants_membership = EXCLUDED.grants_membership`,
		t.ID, t.PolicyRef, t.Holder, int16(t.AccessKind), t.GrantedAt, t.ExpiresAt, t.IsTransferable, t.GrantsMembership,
	)
	if err != nil {
		return fmt.Errorf("writing token %s: %w", t.ID, err)
	}
	return nil
}

func (s *pgStore) DeleteToken(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM seal_tokens WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *pgStore) ListTokens(ctx context.Context, policyID string) ([]*models.SealToken, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tokenColumns+` FROM seal_tokens WHERE policy_id = $1 ORDER BY granted_at, id`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.SealToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Access log ---

func (s *pgStore) AppendAccessRecord(ctx context.Context, rec *models.AccessRecord) error {
	return s.q.QueryRow(ctx,
		`INSERT INTO access_log (policy_id, accessor, access_kind, ts, token_ref, success, stage, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rec.PolicyRef, rec.Accessor, int16(rec.AccessKind), rec.Timestamp, rec.TokenRef, rec.Success, rec.Stage, rec.Reason,
	).Scan(&rec.ID)
}

func (p *PostgresBackend) ListAccessRecords(ctx context.Context, policyID string, limit int) ([]*models.AccessRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, policy_id, accessor, access_kind, ts, token_ref, success, stage, reason
		 FROM access_log WHERE policy_id = $1 ORDER BY id LIMIT $2`, policyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AccessRecord
	for rows.Next() {
		var (
			r    models.AccessRecord
			kind int16
		)
		if err := rows.Scan(&r.ID, &r.PolicyRef, &r.Accessor, &kind, &r.Timestamp, &r.TokenRef, &r.Success, &r.Stage, &r.Reason); err != nil {
			return nil, err
		}
		r.AccessKind = models.AccessKind(kind)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Audit ledger ---

func (s *pgStore) GetAuditConfig(ctx context.Context) (*models.AuditConfig, error) {
	row := s.q.QueryRow(ctx, s.forUpdate(
		`SELECT admin, min_challenge_count, max_challenge_count, challenge_interval_ms,
		        authorized_auditors, total_audits, total_failures, created_at
		 FROM audit_config WHERE id = 1`))
	var (
		c                       models.AuditConfig
		minCount, maxCount      int32
		intervalMs              int64
		auditors                []string
		totalAudits, totalFails int64
	)
	err := row.Scan(&c.Admin, &minCount, &maxCount, &intervalMs, &auditors, &totalAudits, &totalFails, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("audit config: %w", ErrNotFound)
		}
		return nil, err
	}
	c.MinChallengeCount = uint16(minCount)
	c.MaxChallengeCount = uint16(maxCount)
	c.ChallengeInterval = time.Duration(intervalMs) * time.Millisecond
	c.AuthorizedAuditors = models.NewAddressSet(auditors...)
	c.TotalAudits = uint64(totalAudits)
	c.TotalFailures = uint64(totalFails)
	return &c, nil
}

func (s *pgStore) PutAuditConfig(ctx context.Context, c *models.AuditConfig) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO audit_config (id, admin, min_challenge_count, max_challenge_count, challenge_interval_ms,
		                           authorized_auditors, total_audits, total_failures, created_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   admin = EXCLUDED.admin,
		   min_challenge_count = EXCLUDED.min_challenge_count,
		   max_challenge_count = EXCLUDED.max_challenge_count,
		   challenge_interval_ms = EXCLUDED.challenge_interval_ms,
		   authorized_auditors = EXCLUDED.authorized_auditors,
		   total_audits = EXCLUDED.total_audits,
		   total_failures = EXCLUDED.total_failures`,
		c.Admin, int32(c.MinChallengeCount), int32(c.MaxChallengeCount), c.ChallengeInterval.Milliseconds(),
		c.AuthorizedAuditors.Sorted(), int64(c.TotalAudits), int64(c.TotalFailures), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("writing audit config: %w", err)
	}
	return nil
}

func (s *pgStore) GetAuditRecord(ctx context.Context, id string) (*models.AuditRecord, error) {
	row := s.q.QueryRow(ctx,
		`SELECT id, blob_ref, blob_object_ref, auditor, challenge_epoch, total_challenges,
		        successful_verifications, failed_verifications, integrity_hash, pqc_signature,
		        pqc_algorithm, is_valid, failure_reason, created_at
		 FROM audit_records WHERE id = $1`, id)
	var (
		r                         models.AuditRecord
		blobRef                   string
		epoch                     int64
		total, successful, failed int32
		alg                       int16
	)
	err := row.Scan(&r.ID, &blobRef, &r.BlobObjectRef, &r.Auditor, &epoch, &total, &successful, &failed,
		&r.IntegrityHash, &r.PQCSignature, &alg, &r.IsValid, &r.FailureReason, &r.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("audit record %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	if r.BlobRef, err = models.ParseU256(blobRef); err != nil {
		return nil, err
	}
	r.ChallengeEpoch = uint32(epoch)
	r.TotalChallenges = uint16(total)
	r.SuccessfulVerifications = uint16(successful)
	r.FailedVerifications = uint16(failed)
	r.PQCAlgorithm = models.PQCAlgorithm(alg)
	return &r, nil
}

func (s *pgStore) InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO audit_records (id, blob_ref, blob_object_ref, auditor, challenge_epoch, total_challenges,
		                            successful_verifications, failed_verifications, integrity_hash, pqc_signature,
		                            pqc_algorithm, is_valid, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.BlobRef.String(), r.BlobObjectRef, r.Auditor, int64(r.ChallengeEpoch), int32(r.TotalChallenges),
		int32(r.SuccessfulVerifications), int32(r.FailedVerifications), r.IntegrityHash, r.PQCSignature,
		int16(r.PQCAlgorithm), r.IsValid, r.FailureReason, r.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("audit record %s: %w", r.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

func (s *pgStore) GetBlobHistory(ctx context.Context, blobRef models.U256) (*models.BlobAuditHistory, error) {
	row := s.q.QueryRow(ctx, s.forUpdate(
		`SELECT records, last_audit_epoch, total_audits, consecutive_failures
		 FROM blob_audit_history WHERE blob_ref = $1`), blobRef.String())
	h := models.BlobAuditHistory{BlobRef: blobRef}
	var epoch, tot, consecutive int64
	if err := row.Scan(&h.Records, &epoch, &tot, &consecutive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("blob history %s: %w", blobRef, ErrNotFound)
		}
		return nil, err
	}
	h.LastAuditEpoch = uint32(epoch)
	h.TotalAudits = uint64(tot)
	h.ConsecutiveFailures = uint32(consecutive)
	return &h, nil
}

func (s *pgStore) PutBlobHistory(ctx context.Context, h *models.BlobAuditHistory) error {
	records := h.Records
	if records == nil {
		records = []string{}
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO blob_audit_history (blob_ref, records, last_audit_epoch, total_audits, consecutive_failures)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (blob_ref) DO UPDATE SET
		   records = EXCLUDED.records,
		   last_audit_epoch = EXCLUDED.last_audit_epoch,
		   total_audits = EXCLUDED.total_audits,
		   consecutive_failures = EXCLUDED.consecutive_failures`,
		h.BlobRef.String(), records, int64(h.LastAuditEpoch), int64(h.TotalAudits), int64(h.ConsecutiveFailures),
	)
	if err != nil {
		return fmt.Errorf("writing blob history: %w", err)
	}
	return nil
}

// --- Request log ---

func (p *PostgresBackend) WriteRequestLog(ctx context.Context, e *models.RequestLogEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO request_log (request_id, ts, principal, operation, path, status,
		                          response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		e.RequestID, e.Timestamp, e.Principal, e.Operation, e.Path, e.Status,
		e.ResponseCode, e.ResponseTimeMs, e.ClientIP, meta,
	).Scan(&e.ID)
}

func (p *PostgresBackend) QueryRequestLog(ctx context.Context, f RequestLogFilter) ([]*models.RequestLogEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, request_id, ts, principal, operation, path, status,
	                 response_code, response_time_ms, client_ip, metadata
	          FROM request_log WHERE ($1 = '' OR path LIKE $1 || '%')
	            AND ($2::timestamptz IS NULL OR ts >= $2)
	          ORDER BY ts DESC, id DESC LIMIT $3 OFFSET $4`
	rows, err := p.pool.Query(ctx, query, f.Path, f.Since, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.RequestLogEntry
	for rows.Next() {
		var (
			e    models.RequestLogEntry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.Principal, &e.Operation, &e.Path,
			&e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
