package storage

import (
	"context"
	"time"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = apperr.ErrNotFound

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = apperr.ErrAlreadyExists

// Tx is the set of entity operations available inside a transaction. Reads
// of shared aggregates (policy, token, audit config, blob history) taken
// through a Tx lock the aggregate until the transaction ends.
type Tx interface {
	// Policies. A report is guarded by at most one policy: PutPolicy fails
	// with ErrAlreadyExists when another policy has the same report id.
	GetPolicy(ctx context.Context, id string) (*models.ReportAccessPolicy, error)
	PutPolicy(ctx context.Context, p *models.ReportAccessPolicy) error

	// Tokens
	GetToken(ctx context.Context, id string) (*models.SealToken, error)
	PutToken(ctx context.Context, t *models.SealToken) error
	DeleteToken(ctx context.Context, id string) error
	ListTokens(ctx context.Context, policyID string) ([]*models.SealToken, error)

	// Access log (append only)
	AppendAccessRecord(ctx context.Context, rec *models.AccessRecord) error

	// Audit ledger
	GetAuditConfig(ctx context.Context) (*models.AuditConfig, error)
	PutAuditConfig(ctx context.Context, c *models.AuditConfig) error
	GetAuditRecord(ctx context.Context, id string) (*models.AuditRecord, error)
	InsertAuditRecord(ctx context.Context, r *models.AuditRecord) error
	GetBlobHistory(ctx context.Context, blobRef models.U256) (*models.BlobAuditHistory, error)
	PutBlobHistory(ctx context.Context, h *models.BlobAuditHistory) error
}

// Backend defines the persistence interface for sealaudit. Calling the Tx
// methods directly on a Backend runs each in its own implicit transaction.
type Backend interface {
	Tx

	// InTx runs fn atomically. If fn returns an error nothing it wrote is
	// kept. Transactions touching the same aggregate serialize.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListAccessRecords(ctx context.Context, policyID string, limit int) ([]*models.AccessRecord, error)

	// Request log
	WriteRequestLog(ctx context.Context, entry *models.RequestLogEntry) error
	QueryRequestLog(ctx context.Context, filter RequestLogFilter) ([]*models.RequestLogEntry, error)

	// Lifecycle
	Close()
}

// RequestLogFilter specifies query parameters for request log retrieval.
type RequestLogFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}
