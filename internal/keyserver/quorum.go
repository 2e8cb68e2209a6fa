package keyserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

// Quorum is the set of key servers holding shares of every report key and
// the number of shares needed to rebuild one.
type Quorum struct {
	clients   []Client
	threshold int
	timeout   time.Duration
}

func NewQuorum(clients []Client, threshold int, callTimeout time.Duration) (*Quorum, error) {
	if threshold < 1 || threshold > len(clients) {
		return nil, fmt.Errorf("threshold %d with %d key servers: %w", threshold, len(clients), apperr.ErrInvalidInput)
	}
	if callTimeout <= 0 {
		callTimeout = defaultTimeout
	}
	return &Quorum{clients: clients, threshold: threshold, timeout: callTimeout}, nil
}

func (q *Quorum) Size() int      { return len(q.clients) }
func (q *Quorum) Threshold() int { return q.threshold }

// Distribute hands shares[i] of policyID's report key to the i-th key
// server. Every server must accept its share.
func (q *Quorum) Distribute(ctx context.Context, policyID string, reportID models.U256, shares []crypto.Share) error {
	if len(shares) != len(q.clients) {
		return fmt.Errorf("%d shares for %d key servers: %w", len(shares), len(q.clients), apperr.ErrInvalidInput)
	}
	for i, c := range q.clients {
		cctx, cancel := context.WithTimeout(ctx, q.timeout)
		err := c.StoreShare(cctx, policyID, reportID, shares[i])
		cancel()
		if err != nil {
			return fmt.Errorf("storing share on %s: %w", c.ID(), err)
		}
	}
	return nil
}

type fetchResult struct {
	idx   int
	share crypto.Share
	err   error
}

// Collect asks every key server for its share concurrently and returns as
// soon as threshold shares arrived. When too few arrive it fails closed: a
// denial reported by a key server is returned as is, anything else is
// ErrDependencyUnavailable.
func (q *Quorum) Collect(ctx context.Context, req FetchRequest) ([]crypto.Share, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetchResult, len(q.clients))
	for i, c := range q.clients {
		go func(i int, c Client) {
			cctx, ccancel := context.WithTimeout(ctx, q.timeout)
			defer ccancel()
			share, err := c.FetchShare(cctx, req)
			results <- fetchResult{idx: i, share: share, err: err}
		}(i, c)
	}

	shares := make([]crypto.Share, 0, q.threshold)
	errs := make([]error, len(q.clients))
	for range q.clients {
		r := <-results
		if r.err != nil {
			errs[r.idx] = r.err
			log.Warn().Err(r.err).Str("server", q.clients[r.idx].ID()).Msg("key server did not release share")
			continue
		}
		shares = append(shares, r.share)
		if len(shares) == q.threshold {
			return shares, nil
		}
	}

	var failures []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if isDenial(err) {
			return nil, err
		}
		failures = append(failures, err)
	}
	return nil, fmt.Errorf("collected %d of %d required shares: %w", len(shares), q.threshold,
		errors.Join(append([]error{apperr.ErrDependencyUnavailable}, failures...)...))
}

// isDenial reports whether err is a decision by the key server rather than
// an outage.
func isDenial(err error) bool {
	status := apperr.HTTPStatus(err)
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}
