package keyserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/crypto"
	"github.com/org/sealaudit/pkg/models"
)

func TestHTTPClientRoundTrip(t *testing.T) {
	f := newFixture(t, 1, 1)
	srv := httptest.NewServer(Handler(f.servers[0], "upload-token"))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{ID: "remote", BaseURL: srv.URL + "/", StoreToken: "upload-token"})
	assert.Equal(t, "remote", c.ID())

	share, err := c.FetchShare(context.Background(), f.request(t, f.creator))
	require.NoError(t, err)
	secret, err := crypto.CombineShares([]crypto.Share{share})
	require.NoError(t, err)
	assert.Equal(t, f.secret, secret)

	next := crypto.Share{Index: 1, Value: make([]byte, crypto.KeySize)}
	next.Value[31] = 9
	require.NoError(t, c.StoreShare(context.Background(), f.policy.ID, f.reportID, next))
	share, err = c.FetchShare(context.Background(), f.request(t, f.creator))
	require.NoError(t, err)
	assert.Equal(t, next.Value, share.Value)
}

func TestHTTPClientCarriesDenials(t *testing.T) {
	f := newFixture(t, 1, 1)
	srv := httptest.NewServer(Handler(f.servers[0], ""))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{ID: "remote", BaseURL: srv.URL, Retries: 3})
	_, err := c.FetchShare(context.Background(), f.request(t, newWallet(t)))
	assert.ErrorIs(t, err, apperr.ErrUnauthorizedAccess)

	err = c.StoreShare(context.Background(), f.policy.ID, models.NewU256(1), crypto.Share{Index: 1, Value: []byte{1}})
	assert.Error(t, err, "upload route is not mounted without a token")
}

func TestHTTPClientRejectsBadUploadToken(t *testing.T) {
	f := newFixture(t, 1, 1)
	srv := httptest.NewServer(Handler(f.servers[0], "right"))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{ID: "remote", BaseURL: srv.URL, StoreToken: "wrong"})
	err := c.StoreShare(context.Background(), f.policy.ID, f.reportID, crypto.Share{Index: 1, Value: []byte{1}})
	assert.ErrorIs(t, err, apperr.ErrUnauthorizedAccess)
}

func TestHTTPClientRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, shareResponse{Server: "x", Share: crypto.Share{Index: 2, Value: []byte{5}}})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{ID: "flaky", BaseURL: srv.URL, Retries: 3})
	share, err := c.FetchShare(context.Background(), FetchRequest{})
	require.NoError(t, err)
	assert.Equal(t, byte(2), share.Index)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	denying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, apperr.ErrPolicyExpired)
	}))
	defer denying.Close()
	c = NewHTTPClient(HTTPClientConfig{ID: "denying", BaseURL: denying.URL, Retries: 3})
	_, err = c.FetchShare(context.Background(), FetchRequest{})
	assert.ErrorIs(t, err, apperr.ErrPolicyExpired)
	assert.Equal(t, int32(1), calls.Load(), "denials are not retried")
}

func TestHTTPClientGivesUpAsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{ID: "down", BaseURL: srv.URL, Retries: 1, Timeout: time.Second})
	_, err := c.FetchShare(context.Background(), FetchRequest{})
	assert.ErrorIs(t, err, apperr.ErrDependencyUnavailable)

	srv.Close()
	_, err = c.FetchShare(context.Background(), FetchRequest{})
	assert.ErrorIs(t, err, apperr.ErrDependencyUnavailable)
}

func TestFetchKeyHandlerRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, 1, 1)
	srv := httptest.NewServer(Handler(f.servers[0], ""))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/v1/fetch_key", "application/json", http.NoBody)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
