package audit

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/storage"
	"github.com/org/sealaudit/pkg/models"
)

// RequestLogger writes one entry per HTTP request.
type RequestLogger struct {
	store storage.Backend
	clock clock.Clock
}

func NewRequestLogger(store storage.Backend, clk clock.Clock) *RequestLogger {
	if clk == nil {
		clk = clock.Real()
	}
	return &RequestLogger{store: store, clock: clk}
}

// LogRequest records an API request. Key material, signatures and report
// plaintext must never be passed here, only metadata. Write failures are
// logged and do not fail the request.
func (l *RequestLogger) LogRequest(ctx context.Context, entry *models.RequestLogEntry) {
	entry.Timestamp = l.clock.Now()
	if err := l.store.WriteRequestLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("request_id", entry.RequestID).Msg("writing request log")
	}
}

// Query retrieves paginated request log entries, newest first.
func (l *RequestLogger) Query(ctx context.Context, filter storage.RequestLogFilter) ([]*models.RequestLogEntry, error) {
	return l.store.QueryRequestLog(ctx, filter)
}
