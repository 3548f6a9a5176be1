// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package license

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/postarchive/postarchive/internal/crypto"
	"github.com/postarchive/postarchive/internal/docstore"
)

const (
	// storageDocKey names this subsystem's subtree in the shared document.
	storageDocKey = "licenseStorage"

	// schemaVersion is the current version of the persisted license subtree
	// and of backup envelopes.
	schemaVersion = 1
)

// storageDocument is the licenseStorage subtree of the shared document.
type storageDocument struct {
	License  *StoredLicenseData `json:"license,omitempty"`
	DeviceID string             `json:"deviceId,omitempty"`
	Version  int                `json:"version"`
}

// backupEnvelope is the decoded form of a portable backup string.
type backupEnvelope struct {
	Version   int                `json:"version"`
	CreatedAt int64              `json:"createdAt"`
	DeviceID  string             `json:"deviceId"`
	License   *StoredLicenseData `json:"license"`
}

// Storage persists one encrypted license record plus the per-install device
// id. All access goes through the document gateway, so concurrent writers
// from other subsystems cannot clobber this subtree.
type Storage struct {
	gw  *docstore.Gateway
	cfg Config

	mu          sync.Mutex
	initialized bool
	deviceID    string

	now func() time.Time
}

func NewStorage(gw *docstore.Gateway, cfg Config) *Storage {
	return &Storage{
		gw:  gw,
		cfg: cfg,
		now: time.Now,
	}
}

// Initialize loads the persisted subtree, seeding an empty structure at the
// current schema version when none exists. The device id is generated and
// persisted before anything else: no encryption key can be derived without
// it. Calling Initialize twice warns and returns nil.
func (s *Storage) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		log.Warn().Msg("License storage already initialized")
		return nil
	}

	var deviceID string
	err := s.gw.Update(ctx, storageDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeStorageDoc(raw)
		if err != nil {
			return nil, err
		}

		if doc.Version == 0 {
			doc.Version = schemaVersion
		}

		if doc.DeviceID == "" {
			doc.DeviceID = crypto.GenerateDeviceID()
			log.Info().Str("deviceId", doc.DeviceID).Msg("Generated new device id")
		}

		deviceID = doc.DeviceID
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize license storage: %w", err)
	}

	s.deviceID = deviceID
	s.initialized = true

	log.Debug().Msg("License storage initialized")
	return nil
}

// Shutdown returns the storage to the uninitialized state.
func (s *Storage) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = false
	log.Debug().Msg("License storage shut down")
}

func (s *Storage) requireInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// StoreLicense encrypts the license key under the device-bound key, stamps
// an integrity hash over encrypted:iv:deviceId, and persists the replacing
// envelope immediately.
func (s *Storage) StoreLicense(ctx context.Context, licenseKey string, info Info) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}

	deviceID := s.currentDeviceID()
	key := crypto.DeriveKey(deviceID)

	encrypted, iv, err := crypto.Encrypt(licenseKey, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt license key: %w", err)
	}

	stored := &StoredLicenseData{
		EncryptedKey:  encrypted,
		IV:            iv,
		CachedInfo:    info,
		CachedAt:      s.now().UnixMilli(),
		DeviceID:      deviceID,
		IntegrityHash: integrityHash(encrypted, iv, deviceID),
	}
	// The persisted copy never carries the plaintext key
	stored.CachedInfo.LicenseKey = ""

	err = s.gw.Update(ctx, storageDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeStorageDoc(raw)
		if err != nil {
			return nil, err
		}
		doc.License = stored
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist license: %w", err)
	}

	log.Info().Str("licenseKey", maskKey(licenseKey)).Msg("License stored")
	return nil
}

// RetrieveLicense returns the decrypted license record, or nil when nothing
// is stored. The integrity hash is verified on every read, even though the
// cipher is authenticated: decryption success alone is not treated as proof
// of authenticity. Stale cache data warns but is still returned; staleness
// policy belongs to the Validator.
func (s *Storage) RetrieveLicense(ctx context.Context) (*Info, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	stored, err := s.GetCachedInfo(ctx)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}

	if integrityHash(stored.EncryptedKey, stored.IV, stored.DeviceID) != stored.IntegrityHash {
		return nil, ErrIntegrity
	}

	key := crypto.DeriveKey(stored.DeviceID)
	licenseKey, err := crypto.Decrypt(stored.EncryptedKey, stored.IV, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt license key: %w", err)
	}

	age := s.now().Sub(time.UnixMilli(stored.CachedAt))
	if age > s.cfg.CacheDuration {
		log.Warn().
			Dur("age", age).
			Dur("cacheDuration", s.cfg.CacheDuration).
			Msg("Cached license info is stale")
	}

	info := stored.CachedInfo
	info.LicenseKey = licenseKey
	return &info, nil
}

// GetCachedInfo exposes the stored envelope without decrypting it. Used for
// diagnostics and for the validator's offline cache-age check.
func (s *Storage) GetCachedInfo(ctx context.Context) (*StoredLicenseData, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	var doc storageDocument
	found, err := s.gw.Read(ctx, storageDocKey, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to read license storage: %w", err)
	}
	if !found || doc.License == nil {
		return nil, nil
	}

	return doc.License, nil
}

// ClearLicense removes the license envelope. The device id is preserved:
// device identity must outlive license state.
func (s *Storage) ClearLicense(ctx context.Context) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}

	err := s.gw.Update(ctx, storageDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeStorageDoc(raw)
		if err != nil {
			return nil, err
		}
		doc.License = nil
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear license: %w", err)
	}

	log.Info().Msg("License cleared")
	return nil
}

// GetDeviceID returns the per-install device id.
func (s *Storage) GetDeviceID(ctx context.Context) (string, error) {
	if err := s.requireInitialized(); err != nil {
		return "", err
	}
	return s.currentDeviceID(), nil
}

// StoreDeviceID replaces the device id. Existing license envelopes remain
// bound to the id they were encrypted under.
func (s *Storage) StoreDeviceID(ctx context.Context, deviceID string) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}

	err := s.gw.Update(ctx, storageDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeStorageDoc(raw)
		if err != nil {
			return nil, err
		}
		doc.DeviceID = deviceID
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to store device id: %w", err)
	}

	s.mu.Lock()
	s.deviceID = deviceID
	s.mu.Unlock()

	return nil
}

// CreateBackup serializes the stored envelope into a portable opaque string.
// The payload is already encrypted, so the wire format is plain base64 JSON.
func (s *Storage) CreateBackup(ctx context.Context) (string, error) {
	if err := s.requireInitialized(); err != nil {
		return "", err
	}

	stored, err := s.GetCachedInfo(ctx)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", ErrNoLicense
	}

	envelope := backupEnvelope{
		Version:   schemaVersion,
		CreatedAt: s.now().UnixMilli(),
		DeviceID:  s.currentDeviceID(),
		License:   stored,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to serialize backup: %w", err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// RestoreBackup installs a backup created by CreateBackup on this device.
// Backups from other devices are rejected: license material is bound to one
// device. Backups with a newer schema version are rejected unmodified.
// After installation the envelope must still self-verify.
func (s *Storage) RestoreBackup(ctx context.Context, backup string) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(backup)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedBackup, "not valid base64")
	}

	var envelope backupEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedBackup, "not valid JSON")
	}

	if envelope.Version == 0 || envelope.License == nil || envelope.DeviceID == "" {
		return fmt.Errorf("%w: missing required fields", ErrMalformedBackup)
	}

	if envelope.Version > schemaVersion {
		return fmt.Errorf("%w: backup version %d, current version %d",
			ErrBackupVersion, envelope.Version, schemaVersion)
	}

	if envelope.DeviceID != s.currentDeviceID() {
		return ErrDeviceMismatch
	}

	err = s.gw.Update(ctx, storageDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeStorageDoc(raw)
		if err != nil {
			return nil, err
		}
		doc.License = envelope.License
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to install backup: %w", err)
	}

	// The restored envelope must self-verify before the restore counts
	restored, err := s.GetCachedInfo(ctx)
	if err != nil {
		return err
	}
	if restored == nil ||
		integrityHash(restored.EncryptedKey, restored.IV, restored.DeviceID) != restored.IntegrityHash {
		return fmt.Errorf("restored backup failed integrity check: %w", ErrIntegrity)
	}

	log.Info().Int("backupVersion", envelope.Version).Msg("License backup restored")
	return nil
}

// Migrate bumps the stored schema version. Idempotent: calling it with the
// current version is a no-op.
func (s *Storage) Migrate(ctx context.Context, oldVersion int) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}

	if oldVersion >= schemaVersion {
		return nil
	}

	err := s.gw.Update(ctx, storageDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeStorageDoc(raw)
		if err != nil {
			return nil, err
		}
		// Field transformations for future versions slot in here
		doc.Version = schemaVersion
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to migrate license storage: %w", err)
	}

	log.Info().Int("from", oldVersion).Int("to", schemaVersion).Msg("License storage migrated")
	return nil
}

func (s *Storage) currentDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func decodeStorageDoc(raw json.RawMessage) (*storageDocument, error) {
	doc := &storageDocument{Version: schemaVersion}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("failed to decode license storage subtree: %w", err)
		}
	}
	return doc, nil
}

func integrityHash(encryptedKey, iv, deviceID string) string {
	return crypto.SHA256Hex(encryptedKey + ":" + iv + ":" + deviceID)
}

// maskKey masks a license key for logging (shows first 8 chars + ***)
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}
