// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package license

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultRefreshInterval = 24 * time.Hour

// Validator orchestrates the remote client and storage: online-first
// validation with an offline-cache fallback bounded by the offline grace
// period, plus background auto-refresh of the held license.
type Validator struct {
	client  *GumroadClient
	storage *Storage
	cfg     Config

	refreshInterval time.Duration

	mu          sync.RWMutex
	initialized bool
	current     *Info
	cachedAt    time.Time
	deviceInfo  *DeviceInfo

	refreshStop chan struct{}
	refreshWG   sync.WaitGroup

	now func() time.Time
}

func NewValidator(client *GumroadClient, storage *Storage, cfg Config) *Validator {
	interval := cfg.AutoRefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	return &Validator{
		client:          client,
		storage:         storage,
		cfg:             cfg,
		refreshInterval: interval,
		now:             time.Now,
	}
}

// Initialize brings up storage, loads device info, and attempts to load a
// previously cached license. A failed cache load is logged, not fatal:
// startup proceeds license-less rather than crashing. When a cached license
// exists, auto-refresh starts.
func (v *Validator) Initialize(ctx context.Context) error {
	v.mu.Lock()
	if v.initialized {
		v.mu.Unlock()
		log.Warn().Msg("License validator already initialized")
		return nil
	}
	v.mu.Unlock()

	if err := v.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	deviceID, err := v.storage.GetDeviceID(ctx)
	if err != nil {
		return err
	}

	device := &DeviceInfo{
		ID:          deviceID,
		Name:        defaultDeviceName(),
		Platform:    runtime.GOOS,
		ActivatedAt: v.now(),
		LastSeenAt:  v.now(),
		IsCurrent:   true,
	}

	v.mu.Lock()
	v.deviceInfo = device
	v.initialized = true
	v.mu.Unlock()

	// Best-effort cache load; a corrupt cache must not prevent startup
	cached, err := v.storage.RetrieveLicense(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load cached license on startup")
		return nil
	}

	if cached != nil {
		envelope, err := v.storage.GetCachedInfo(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read cached license envelope on startup")
			return nil
		}

		v.mu.Lock()
		v.current = cached
		v.cachedAt = time.UnixMilli(envelope.CachedAt)
		v.mu.Unlock()

		v.startAutoRefresh()
		log.Info().Str("licenseKey", maskKey(cached.LicenseKey)).Msg("Cached license loaded")
	}

	return nil
}

// Shutdown stops auto-refresh and returns the validator to the
// uninitialized state. The timer handle is always cancelled; nothing is
// left for garbage collection to clean up.
func (v *Validator) Shutdown() {
	v.stopAutoRefresh()

	v.mu.Lock()
	v.initialized = false
	v.current = nil
	v.mu.Unlock()

	v.storage.Shutdown()
	log.Debug().Msg("License validator shut down")
}

// ValidateLicense validates a key. The cached fast path answers without any
// network call when fresh info is held and forceOnline is false. Online
// verification failures fall back to the cached record only while it is
// within the offline grace window, and only for transport-level failures;
// provider rejections always propagate.
func (v *Validator) ValidateLicense(ctx context.Context, licenseKey string, forceOnline bool) (*Info, error) {
	v.mu.RLock()
	if !v.initialized {
		v.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	current := v.current
	cachedAt := v.cachedAt
	device := v.deviceInfo
	v.mu.RUnlock()

	if forceOnline || current == nil {
		return v.validateOnline(ctx, licenseKey, device)
	}

	// Fast path: fresh cache answers without a network call
	if v.now().Sub(cachedAt) <= v.cfg.CacheDuration {
		return current, nil
	}

	return v.ValidateLicense(ctx, licenseKey, true)
}

func (v *Validator) validateOnline(ctx context.Context, licenseKey string, device *DeviceInfo) (*Info, error) {
	info, err := v.client.VerifyLicense(ctx, licenseKey, device)
	if err == nil {
		if storeErr := v.storage.StoreLicense(ctx, licenseKey, *info); storeErr != nil {
			log.Error().Err(storeErr).Msg("Failed to persist verified license")
		}

		v.mu.Lock()
		v.current = info
		v.cachedAt = v.now()
		v.mu.Unlock()

		v.startAutoRefresh()
		return info, nil
	}

	// A provider-classified rejection is an answer, not an outage; the
	// cached record must not mask a refund or dispute.
	var verr *ValidationError
	if errors.As(err, &verr) {
		return nil, err
	}

	if !v.cfg.EnableOfflineMode {
		return nil, err
	}

	envelope, cacheErr := v.storage.GetCachedInfo(ctx)
	if cacheErr != nil || envelope == nil {
		return nil, err
	}

	cacheAge := v.now().Sub(time.UnixMilli(envelope.CachedAt))
	if cacheAge > v.cfg.OfflineGracePeriod() {
		return nil, fmt.Errorf("cached license expired and cannot validate online: %w", err)
	}

	cached, retrieveErr := v.storage.RetrieveLicense(ctx)
	if retrieveErr != nil || cached == nil {
		return nil, err
	}

	log.Warn().
		Err(err).
		Dur("cacheAge", cacheAge).
		Msg("Online validation failed, using cached license within offline grace period")

	v.mu.Lock()
	v.current = cached
	v.cachedAt = time.UnixMilli(envelope.CachedAt)
	v.mu.Unlock()

	return cached, nil
}

// IsLicenseValid is the cheap synchronous gate checked before every premium
// action. It never performs I/O: the answer comes from in-memory state only.
func (v *Validator) IsLicenseValid() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.initialized || v.current == nil {
		return false
	}

	info := v.current
	now := v.now()

	valid := true
	if !info.IsActive {
		valid = info.InGracePeriod
	} else if info.Expired(now) {
		valid = info.InGracePeriod
	}

	if valid && v.cfg.EnableOfflineMode {
		valid = now.Sub(v.cachedAt) <= v.cfg.OfflineGracePeriod()
	}

	return valid
}

// CacheAge returns how old the held license record is, and false when no
// license is held. Used by the metrics collector.
func (v *Validator) CacheAge() (time.Duration, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.current == nil {
		return 0, false
	}
	return v.now().Sub(v.cachedAt), true
}

// CurrentLicense returns the held license record, or nil.
func (v *Validator) CurrentLicense() *Info {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// RefreshLicense forces an online re-validation of the currently held key.
func (v *Validator) RefreshLicense(ctx context.Context) (*Info, error) {
	v.mu.RLock()
	initialized := v.initialized
	current := v.current
	v.mu.RUnlock()

	if !initialized {
		return nil, ErrNotInitialized
	}
	if current == nil {
		return nil, ErrNoLicenseHeld
	}

	return v.ValidateLicense(ctx, current.LicenseKey, true)
}

// ClearLicense stops auto-refresh, clears storage, and drops in-memory state.
func (v *Validator) ClearLicense(ctx context.Context) error {
	v.mu.RLock()
	initialized := v.initialized
	v.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}

	v.stopAutoRefresh()

	if err := v.storage.ClearLicense(ctx); err != nil {
		return err
	}

	v.mu.Lock()
	v.current = nil
	v.cachedAt = time.Time{}
	v.mu.Unlock()

	return nil
}

// startAutoRefresh starts the background refresh loop if it is not already
// running. At most one loop may be active at a time; the loop must not stop
// itself when a successful refresh re-enters validateOnline.
func (v *Validator) startAutoRefresh() {
	v.mu.Lock()
	if v.refreshStop != nil {
		v.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	v.refreshStop = stop
	v.mu.Unlock()

	v.refreshWG.Add(1)
	go func() {
		defer v.refreshWG.Done()

		ticker := time.NewTicker(v.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				// Fire-and-forget maintenance: failures are logged, never
				// surfaced to callers
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := v.RefreshLicense(ctx); err != nil {
					log.Warn().Err(err).Msg("Auto-refresh of license failed")
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()

	log.Debug().Dur("interval", v.refreshInterval).Msg("License auto-refresh started")
}

func (v *Validator) stopAutoRefresh() {
	v.mu.Lock()
	stop := v.refreshStop
	v.refreshStop = nil
	v.mu.Unlock()

	if stop != nil {
		close(stop)
		v.refreshWG.Wait()
	}
}

// CreateBackup exports the stored license as a portable backup string.
func (v *Validator) CreateBackup(ctx context.Context) (string, error) {
	v.mu.RLock()
	initialized := v.initialized
	v.mu.RUnlock()

	if !initialized {
		return "", ErrNotInitialized
	}
	return v.storage.CreateBackup(ctx)
}

// RestoreBackup installs a backup and reloads the in-memory license from it.
func (v *Validator) RestoreBackup(ctx context.Context, backup string) error {
	v.mu.RLock()
	initialized := v.initialized
	v.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}

	if err := v.storage.RestoreBackup(ctx, backup); err != nil {
		return err
	}

	info, err := v.storage.RetrieveLicense(ctx)
	if err != nil {
		return fmt.Errorf("backup restored but license unreadable: %w", err)
	}

	v.mu.Lock()
	v.current = info
	v.cachedAt = v.now()
	v.mu.Unlock()

	if info != nil {
		v.startAutoRefresh()
	}
	return nil
}

// DeviceInfoForActivation returns this install's device record.
func (v *Validator) DeviceInfoForActivation() *DeviceInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.deviceInfo
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "postarchive-" + runtime.GOOS
}
