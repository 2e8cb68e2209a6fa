package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/sealaudit/internal/apperr"
	"github.com/org/sealaudit/internal/clock"
)

func newTestStore() (*Store, *clock.Manual) {
	clk := clock.NewManual(start)
	return NewStore(clk, StoreOptions{}), clk
}

func TestStoreCreateDefaultsTTL(t *testing.T) {
	s, _ := newTestStore()
	w := newWallet(t)
	k, err := s.Create(w.addr, testPackage, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTLMinutes, k.TTLMinutes())
	assert.Equal(t, 1, s.Len())

	got, err := s.Get(k.PublicKey())
	require.NoError(t, err)
	assert.Same(t, k, got)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, apperr.ErrSessionKeyNotFound)
}

func TestStoreAttachSignatureAndVerify(t *testing.T) {
	s, _ := newTestStore()
	w := newWallet(t)
	k, err := s.Create(w.addr, testPackage, 60)
	require.NoError(t, err)

	_, err = s.Verify(k.PublicKey(), w.addr)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch, "unsigned key is not usable")

	_, err = s.AttachSignature(w.addr, testPackage, w.sign("wrong"))
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)

	_, err = s.AttachSignature(w.addr, testPackage, w.sign(k.Message()))
	require.NoError(t, err)

	got, err := s.Verify(k.PublicKey(), w.addr)
	require.NoError(t, err)
	assert.Same(t, k, got)

	other := newWallet(t)
	_, err = s.Verify(k.PublicKey(), other.addr)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)
}

func TestStoreAttachSignatureMissingOrExpired(t *testing.T) {
	s, clk := newTestStore()
	w := newWallet(t)

	_, err := s.AttachSignature(w.addr, testPackage, "sig")
	assert.ErrorIs(t, err, apperr.ErrSessionKeyNotFound)

	k, err := s.Create(w.addr, testPackage, 1)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	_, err = s.AttachSignature(w.addr, testPackage, w.sign(k.Message()))
	assert.ErrorIs(t, err, apperr.ErrSessionKeyExpired)
	assert.Equal(t, 0, s.Len(), "expired key removed")
}

func TestStoreVerifyOrder(t *testing.T) {
	s, clk := newTestStore()
	w := newWallet(t)

	_, err := s.Verify("nope", w.addr)
	assert.ErrorIs(t, err, apperr.ErrSessionKeyNotFound)

	// expiry is checked before the signature and removes the key
	k, err := s.Create(w.addr, testPackage, 1)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = s.Verify(k.PublicKey(), w.addr)
	assert.ErrorIs(t, err, apperr.ErrSessionKeyExpired)
	_, err = s.Get(k.PublicKey())
	assert.ErrorIs(t, err, apperr.ErrSessionKeyNotFound)
	_, err = k.PrivateMaterial()
	assert.Error(t, err, "removed key is destroyed")
}

func TestStoreVerifyCertificate(t *testing.T) {
	s, _ := newTestStore()
	w := newWallet(t)
	k, err := s.Create(w.addr, testPackage, 60)
	require.NoError(t, err)
	_, err = s.AttachSignature(w.addr, testPackage, w.sign(k.Message()))
	require.NoError(t, err)

	cert := k.Certificate()
	_, err = s.VerifyCertificate(cert, w.addr)
	require.NoError(t, err)

	tampered := cert
	tampered.Message = cert.Message + " "
	_, err = s.VerifyCertificate(tampered, w.addr)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)

	forged := cert
	forged.Signature = newWallet(t).sign(cert.Message)
	_, err = s.VerifyCertificate(forged, w.addr)
	assert.ErrorIs(t, err, apperr.ErrSignatureMismatch)
}

func TestStoreSweep(t *testing.T) {
	s, clk := newTestStore()
	w := newWallet(t)
	short, err := s.Create(w.addr, testPackage, 5)
	require.NoError(t, err)
	long, err := s.Create(w.addr, testPackage, 120)
	require.NoError(t, err)
	require.True(t, short.VerifySignature(w.sign(short.Message()), w.addr))

	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
	_, err = s.Get(long.PublicKey())
	assert.NoError(t, err)
	_, err = short.PrivateMaterial()
	assert.ErrorIs(t, err, apperr.ErrSessionKeyNotFound, "swept key is destroyed")
}

func TestStoreDelete(t *testing.T) {
	s, _ := newTestStore()
	w := newWallet(t)
	k, err := s.Create(w.addr, testPackage, 5)
	require.NoError(t, err)
	assert.True(t, s.Delete(k.PublicKey()))
	assert.False(t, s.Delete(k.PublicKey()))
	assert.Equal(t, 0, s.Len())
}

func TestStoreRunSweepsUntilCancelled(t *testing.T) {
	clk := clock.NewManual(start)
	s := NewStore(clk, StoreOptions{SweepInterval: 5 * time.Millisecond})
	w := newWallet(t)
	_, err := s.Create(w.addr, testPackage, 1)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s, _ := newTestStore()
	w := newWallet(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := s.Create(w.addr, testPackage, 30)
			if err != nil {
				t.Error(err)
				return
			}
			_, _ = s.Verify(k.PublicKey(), w.addr)
			s.Sweep()
			s.Delete(k.PublicKey())
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, s.Len())
}
