package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/events"
	"github.com/org/sealaudit/internal/storage"
	"github.com/org/sealaudit/pkg/models"
)

const version = "1.0.0"

// HealthHandler handles GET /v1/sys/health. Without a key-server quorum the
// service cannot decrypt and reports 503.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"version":         version,
		"active_sessions": s.sessions.Len(),
	}
	code := http.StatusOK
	if s.quorum == nil {
		code = http.StatusServiceUnavailable
		body["key_servers"] = 0
	} else {
		body["key_servers"] = s.quorum.Size()
		body["threshold"] = s.quorum.Threshold()
	}
	writeJSON(w, code, body)
}

// RequestLogHandler handles GET /v1/sys/request-log. Only the audit admin
// may read it.
func (s *Server) RequestLogHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.requests == nil || s.ledger == nil {
		writeError(w, r, fmt.Errorf("request log: %w", apperr.ErrNotFound))
		return
	}
	cfg, err := s.ledger.Config(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if caller := callerFromCtx(ctx); models.NormalizeAddress(caller) != cfg.Admin {
		writeError(w, r, fmt.Errorf("%s is not the audit admin: %w", caller, apperr.ErrUnauthorizedAccess))
		return
	}

	q := r.URL.Query()
	filter := storage.RequestLogFilter{
		Path:   q.Get("path"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}

	entries, err := s.requests.Query(ctx, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// EventsHandler handles GET /v1/events, streaming bus events over a
// websocket as JSON until either side closes.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, r, fmt.Errorf("event stream: %w", apperr.ErrDependencyUnavailable))
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.WSOriginPatterns) > 0 {
		opts.OriginPatterns = s.cfg.WSOriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, events.NewEvent("ready", s.clock.Now(), nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
