package api

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/auth"
	"github.com/org/sealaudit/pkg/models"
)

const sessionHeader = "X-Session-Key"

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// sessionMiddleware resolves X-Session-Key to a verified, unexpired session
// and makes its requester the caller.
func sessionMiddleware(sessions *auth.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pub := strings.TrimSpace(r.Header.Get(sessionHeader))
			if pub == "" {
				writeError(w, r, fmt.Errorf("missing %s header: %w", sessionHeader, apperr.ErrSignatureMismatch))
				return
			}
			k, err := sessions.Get(pub)
			if err == nil {
				k, err = sessions.Verify(pub, k.Requester())
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
			if h := principalHolderFromCtx(r.Context()); h != nil {
				h.addr = k.Requester()
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), k)))
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the recorder.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogMiddleware records method, path, status, latency and caller of
// every request. Bodies are never logged.
func requestLogMiddleware(logger RequestLog) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			holder := &principalHolder{}
			next.ServeHTTP(rr, r.WithContext(withPrincipalHolder(r.Context(), holder)))

			logger.LogRequest(r.Context(), &models.RequestLogEntry{
				RequestID:      requestIDFromCtx(r.Context()),
				Principal:      holder.addr,
				Operation:      r.Method,
				Path:           r.URL.Path,
				Status:         http.StatusText(rr.statusCode),
				ResponseCode:   rr.statusCode,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				ClientIP:       clientIP(r),
			})
		})
	}
}

func rateLimitMiddleware(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.Allow(r.Context(), ip) {
				log.Warn().Str("ip", ip).Msg("rate limit exceeded")
				writeJSON(w, http.StatusTooManyRequests, apperr.Body{Error: apperr.Detail{
					Code:    "rate_limited",
					Message: "rate limit exceeded",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP takes the first X-Forwarded-For hop, else the remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
