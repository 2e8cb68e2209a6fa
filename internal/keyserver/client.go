package keyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

// Client is one key server as seen by the decryption service.
type Client interface {
	ID() string
	FetchShare(ctx context.Context, req FetchRequest) (crypto.Share, error)
	StoreShare(ctx context.Context, policyID string, reportID models.U256, share crypto.Share) error
}

// LocalClient calls an in-process Server.
type LocalClient struct {
	Server *Server
}

func (c LocalClient) ID() string { return c.Server.ID() }

func (c LocalClient) FetchShare(ctx context.Context, req FetchRequest) (crypto.Share, error) {
	return c.Server.FetchShare(ctx, req)
}

func (c LocalClient) StoreShare(ctx context.Context, policyID string, reportID models.U256, share crypto.Share) error {
	return c.Server.StoreShare(ctx, policyID, reportID, share)
}

const (
	defaultTimeout    = 10 * time.Second
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 2 * time.Second
	maxResponseLength = 1 << 20
)

type HTTPClientConfig struct {
	ID         string
	BaseURL    string
	StoreToken string
	Timeout    time.Duration
	// Retries counts extra attempts after the first. Only transport errors
	// and 5xx responses are retried.
	Retries int
}

// HTTPClient talks to a remote key server.
type HTTPClient struct {
	cfg  HTTPClientConfig
	http *http.Client
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *HTTPClient) ID() string { return c.cfg.ID }

func (c *HTTPClient) FetchShare(ctx context.Context, req FetchRequest) (crypto.Share, error) {
	var resp shareResponse
	if err := c.post(ctx, "/v1/fetch_key", req, &resp); err != nil {
		return crypto.Share{}, err
	}
	return resp.Share, nil
}

func (c *HTTPClient) StoreShare(ctx context.Context, policyID string, reportID models.U256, share crypto.Share) error {
	return c.post(ctx, "/v1/shares", storeShareRequest{PolicyID: policyID, ReportID: reportID, Share: share}, nil)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("key server %s: %v: %w", c.cfg.ID, ctx.Err(), apperr.ErrDependencyUnavailable)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
		retry, err := c.once(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// once performs a single attempt and reports whether a failure is transient.
func (c *HTTPClient) once(ctx context.Context, path string, payload []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.StoreToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.StoreToken)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("key server %s: %v: %w", c.cfg.ID, err, apperr.ErrDependencyUnavailable)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseLength))
	if err != nil {
		return true, fmt.Errorf("key server %s: reading response: %v: %w", c.cfg.ID, err, apperr.ErrDependencyUnavailable)
	}
	switch {
	case res.StatusCode >= 500:
		return true, fmt.Errorf("key server %s: status %d: %w", c.cfg.ID, res.StatusCode, apperr.ErrDependencyUnavailable)
	case res.StatusCode >= 400:
		var body apperr.Body
		if err := json.Unmarshal(data, &body); err != nil || body.Error.Code == "" {
			return false, fmt.Errorf("key server %s: status %d", c.cfg.ID, res.StatusCode)
		}
		return false, fmt.Errorf("key server %s: %w", c.cfg.ID, body.Err())
	}
	if out == nil || len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("key server %s: decoding response: %w", c.cfg.ID, errors.Join(err, apperr.ErrDependencyUnavailable))
	}
	return false, nil
}
