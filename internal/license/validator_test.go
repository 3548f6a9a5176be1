// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postarchive/postarchive/internal/docstore"
)

// verifyCounter serves successful subscription verifications and counts
// calls. fail simulates a transport outage, reject a provider rejection.
type verifyCounter struct {
	calls  atomic.Int32
	fail   atomic.Bool
	reject atomic.Bool
}

func (vc *verifyCounter) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vc.calls.Add(1)
		if vc.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("down"))
			return
		}
		if vc.reject.Load() {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(gumroadResponse{
				Success: false,
				Message: "This license key has been refunded.",
			})
			return
		}
		json.NewEncoder(w).Encode(gumroadResponse{
			Success: true,
			Purchase: gumroadPurchase{
				SaleID:         "sale-v",
				Email:          "buyer@example.com",
				CreatedAt:      time.Now().Add(-time.Hour).Format(time.RFC3339),
				SubscriptionID: "sub-v",
			},
		})
	}
}

func newTestValidator(t *testing.T, gw *docstore.Gateway, serverURL string) *Validator {
	t.Helper()

	if gw == nil {
		gw = docstore.NewGateway(docstore.NewMemoryStore())
	}

	cfg := DefaultConfig("test-product")

	clientCfg := DefaultClientConfig("test-product")
	clientCfg.BaseURL = serverURL
	clientCfg.RetryBaseDelay = time.Millisecond
	clientCfg.RequestTimeout = 2 * time.Second

	v := NewValidator(NewGumroadClient(clientCfg), NewStorage(gw, cfg), cfg)
	require.NoError(t, v.Initialize(context.Background()))
	t.Cleanup(v.Shutdown)

	return v
}

func TestValidateLicenseOnlineAndCache(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	v := newTestValidator(t, nil, srv.URL)
	ctx := context.Background()

	info, err := v.ValidateLicense(ctx, "CACHE-KEY", false)
	require.NoError(t, err)
	assert.True(t, info.IsActive)
	assert.Equal(t, int32(1), vc.calls.Load())

	// Fresh cache answers without another network call
	info2, err := v.ValidateLicense(ctx, "CACHE-KEY", false)
	require.NoError(t, err)
	assert.Equal(t, info.Email, info2.Email)
	assert.Equal(t, int32(1), vc.calls.Load())

	// forceOnline bypasses the cache
	_, err = v.ValidateLicense(ctx, "CACHE-KEY", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), vc.calls.Load())
}

func TestValidateLicenseStaleCacheRevalidates(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	v := newTestValidator(t, nil, srv.URL)
	ctx := context.Background()

	base := time.Now()
	v.now = func() time.Time { return base }

	_, err := v.ValidateLicense(ctx, "STALE-KEY", false)
	require.NoError(t, err)
	require.Equal(t, int32(1), vc.calls.Load())

	// Past the cache duration the fast path must not answer
	v.now = func() time.Time { return base.Add(v.cfg.CacheDuration + time.Minute) }

	_, err = v.ValidateLicense(ctx, "STALE-KEY", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), vc.calls.Load())
}

func TestValidateLicenseOfflineFallback(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	gw := docstore.NewGateway(docstore.NewMemoryStore())
	v := newTestValidator(t, gw, srv.URL)
	ctx := context.Background()

	base := time.Now()
	v.now = func() time.Time { return base }
	v.storage.now = func() time.Time { return base }

	_, err := v.ValidateLicense(ctx, "OFFLINE-KEY", false)
	require.NoError(t, err)

	// Provider goes dark
	vc.fail.Store(true)

	t.Run("within_offline_grace", func(t *testing.T) {
		at := base.Add(v.cfg.OfflineGracePeriod() - time.Hour)
		v.now = func() time.Time { return at }
		v.storage.now = func() time.Time { return at }

		info, err := v.ValidateLicense(ctx, "OFFLINE-KEY", true)
		require.NoError(t, err)
		assert.Equal(t, "buyer@example.com", info.Email)
	})

	t.Run("beyond_offline_grace", func(t *testing.T) {
		at := base.Add(v.cfg.OfflineGracePeriod() + time.Hour)
		v.now = func() time.Time { return at }
		v.storage.now = func() time.Time { return at }

		_, err := v.ValidateLicense(ctx, "OFFLINE-KEY", true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cached license expired")
	})
}

func TestValidateLicenseRejectionNotMaskedByCache(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	gw := docstore.NewGateway(docstore.NewMemoryStore())
	v := newTestValidator(t, gw, srv.URL)
	ctx := context.Background()

	_, err := v.ValidateLicense(ctx, "REVOKED-KEY", false)
	require.NoError(t, err)

	// The provider now answers "refunded": a classified rejection, not an
	// outage, so the fresh cached record must not win
	vc.reject.Store(true)

	_, err = v.ValidateLicense(ctx, "REVOKED-KEY", true)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeRefunded, verr.Code)
}

func TestNewValidatorRefreshInterval(t *testing.T) {
	gw := docstore.NewGateway(docstore.NewMemoryStore())

	cfg := DefaultConfig("test-product")
	cfg.AutoRefreshInterval = 6 * time.Hour

	v := NewValidator(NewGumroadClient(DefaultClientConfig("test-product")), NewStorage(gw, cfg), cfg)
	assert.Equal(t, 6*time.Hour, v.refreshInterval)

	cfg.AutoRefreshInterval = 0
	v = NewValidator(NewGumroadClient(DefaultClientConfig("test-product")), NewStorage(gw, cfg), cfg)
	assert.Equal(t, defaultRefreshInterval, v.refreshInterval)
}

func TestValidateLicenseOfflineModeDisabled(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	gw := docstore.NewGateway(docstore.NewMemoryStore())

	cfg := DefaultConfig("test-product")
	cfg.EnableOfflineMode = false

	clientCfg := DefaultClientConfig("test-product")
	clientCfg.BaseURL = srv.URL
	clientCfg.RetryBaseDelay = time.Millisecond

	v := NewValidator(NewGumroadClient(clientCfg), NewStorage(gw, cfg), cfg)
	require.NoError(t, v.Initialize(context.Background()))
	t.Cleanup(v.Shutdown)

	ctx := context.Background()
	_, err := v.ValidateLicense(ctx, "STRICT-KEY", false)
	require.NoError(t, err)

	vc.fail.Store(true)

	_, err = v.ValidateLicense(ctx, "STRICT-KEY", true)
	require.Error(t, err, "offline fallback must not apply when disabled")
}

func TestInitializeLoadsCachedLicense(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	gw := docstore.NewGateway(docstore.NewMemoryStore())

	v1 := newTestValidator(t, gw, srv.URL)
	_, err := v1.ValidateLicense(context.Background(), "PERSIST-KEY", false)
	require.NoError(t, err)
	v1.Shutdown()

	// A second process start finds the license without going online
	vc.fail.Store(true)
	v2 := newTestValidator(t, gw, srv.URL)

	info := v2.CurrentLicense()
	require.NotNil(t, info)
	assert.Equal(t, "PERSIST-KEY", info.LicenseKey)
	assert.True(t, v2.IsLicenseValid())
}

func TestIsLicenseValid(t *testing.T) {
	gw := docstore.NewGateway(docstore.NewMemoryStore())
	cfg := DefaultConfig("test-product")

	v := NewValidator(NewGumroadClient(DefaultClientConfig("test-product")), NewStorage(gw, cfg), cfg)
	require.NoError(t, v.Initialize(context.Background()))
	t.Cleanup(v.Shutdown)

	assert.False(t, v.IsLicenseValid(), "no license held")

	now := time.Now()
	v.now = func() time.Time { return now }

	set := func(info *Info) {
		v.mu.Lock()
		v.current = info
		v.cachedAt = now
		v.mu.Unlock()
	}

	set(&Info{IsActive: true})
	assert.True(t, v.IsLicenseValid())

	past := now.Add(-time.Hour)
	set(&Info{IsActive: true, ExpiresAt: &past})
	assert.False(t, v.IsLicenseValid(), "expired and out of grace")

	set(&Info{IsActive: true, ExpiresAt: &past, InGracePeriod: true})
	assert.True(t, v.IsLicenseValid(), "expired but in grace")

	set(&Info{IsActive: false})
	assert.False(t, v.IsLicenseValid(), "inactive and out of grace")

	set(&Info{IsActive: false, InGracePeriod: true})
	assert.True(t, v.IsLicenseValid(), "inactive but in grace")

	// Offline trust decays even for otherwise valid records
	set(&Info{IsActive: true})
	v.mu.Lock()
	v.cachedAt = now.Add(-cfg.OfflineGracePeriod() - time.Hour)
	v.mu.Unlock()
	assert.False(t, v.IsLicenseValid(), "record older than offline grace")
}

func TestRefreshLicenseWithoutHeld(t *testing.T) {
	v := newTestValidator(t, nil, "http://127.0.0.1:0")

	_, err := v.RefreshLicense(context.Background())
	assert.ErrorIs(t, err, ErrNoLicenseHeld)
}

func TestClearLicense(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	gw := docstore.NewGateway(docstore.NewMemoryStore())
	v := newTestValidator(t, gw, srv.URL)
	ctx := context.Background()

	_, err := v.ValidateLicense(ctx, "DROP-KEY", false)
	require.NoError(t, err)
	require.NotNil(t, v.CurrentLicense())

	require.NoError(t, v.ClearLicense(ctx))

	assert.Nil(t, v.CurrentLicense())
	assert.False(t, v.IsLicenseValid())

	// Storage is cleared too, not just memory
	stored, err := v.storage.GetCachedInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestBackupRestoreThroughValidator(t *testing.T) {
	vc := &verifyCounter{}
	srv := httptest.NewServer(vc.handler())
	defer srv.Close()

	gw := docstore.NewGateway(docstore.NewMemoryStore())
	v := newTestValidator(t, gw, srv.URL)
	ctx := context.Background()

	_, err := v.ValidateLicense(ctx, "ROUNDTRIP-KEY", false)
	require.NoError(t, err)

	backup, err := v.CreateBackup(ctx)
	require.NoError(t, err)

	require.NoError(t, v.ClearLicense(ctx))
	require.Nil(t, v.CurrentLicense())

	require.NoError(t, v.RestoreBackup(ctx, backup))

	info := v.CurrentLicense()
	require.NotNil(t, info)
	assert.Equal(t, "ROUNDTRIP-KEY", info.LicenseKey)
}

func TestValidateLicenseNotInitialized(t *testing.T) {
	gw := docstore.NewGateway(docstore.NewMemoryStore())
	cfg := DefaultConfig("test-product")
	v := NewValidator(NewGumroadClient(DefaultClientConfig("test-product")), NewStorage(gw, cfg), cfg)

	_, err := v.ValidateLicense(context.Background(), "KEY", false)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
