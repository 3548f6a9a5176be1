// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

// Package license implements the premium license subsystem: encrypted local
// storage of the license record, online verification against the provider,
// and the validator that reconciles online results with offline trust.
package license

import "time"

// Provider identifies the license provider.
type Provider string

const ProviderGumroad Provider = "gumroad"

// Type is the commercial shape of the license.
type Type string

const (
	TypeSubscription Type = "subscription"
	TypeCreditPack   Type = "credit_pack"
	TypeFreeTier     Type = "free_tier"
)

// DeviceInfo describes one activation of the license.
type DeviceInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	ActivatedAt time.Time `json:"activatedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	IsCurrent   bool      `json:"isCurrent"`
}

// Info is the validated license record.
type Info struct {
	LicenseKey          string       `json:"licenseKey"`
	Provider            Provider     `json:"provider"`
	LicenseType         Type         `json:"licenseType"`
	ProductID           string       `json:"productId"`
	Email               string       `json:"email"`
	PurchaseDate        time.Time    `json:"purchaseDate"`
	ExpiresAt           *time.Time   `json:"expiresAt,omitempty"`
	Devices             []DeviceInfo `json:"devices"`
	IsActive            bool         `json:"isActive"`
	InGracePeriod       bool         `json:"inGracePeriod"`
	GracePeriodEndsAt   *time.Time   `json:"gracePeriodEndsAt,omitempty"`
	InitialCredits      int          `json:"initialCredits,omitempty"`
	CreditsResetMonthly bool         `json:"creditsResetMonthly,omitempty"`
}

// Expired reports whether the license is past its expiry at the given time.
// A license without an expiry never expires.
func (i *Info) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// StoredLicenseData is the at-rest envelope. The license key is encrypted
// under a device-bound key; IntegrityHash covers encryptedKey:iv:deviceId so
// tampering is detectable independent of decryption.
type StoredLicenseData struct {
	EncryptedKey  string `json:"encryptedKey"`
	IV            string `json:"iv"`
	CachedInfo    Info   `json:"cachedInfo"`
	CachedAt      int64  `json:"cachedAt"` // epoch milliseconds
	DeviceID      string `json:"deviceId"`
	IntegrityHash string `json:"integrityHash"`
}

// Config is operator-tunable licensing policy, not user data.
type Config struct {
	// CacheDuration is how long cached info is considered fresh. Stale info
	// is still usable; staleness only forces an online revalidation.
	CacheDuration time.Duration

	MaxDevices int

	// GracePeriodDays extends validity past expiry while verification works.
	GracePeriodDays int

	// OfflineGracePeriodDays bounds how old the cached record may be when the
	// verification server is unreachable.
	OfflineGracePeriodDays int

	ProductID string

	// EnableOfflineMode allows falling back to the cached record when the
	// provider cannot be reached.
	EnableOfflineMode bool

	// AutoRefreshInterval is how often the background refresh re-validates
	// the held key. Zero means the default.
	AutoRefreshInterval time.Duration
}

// DefaultConfig returns the policy used when the operator tunes nothing.
func DefaultConfig(productID string) Config {
	return Config{
		CacheDuration:          24 * time.Hour,
		MaxDevices:             3,
		GracePeriodDays:        3,
		OfflineGracePeriodDays: 7,
		ProductID:              productID,
		EnableOfflineMode:      true,
		AutoRefreshInterval:    24 * time.Hour,
	}
}

// OfflineGracePeriod returns the configured offline grace as a duration.
func (c Config) OfflineGracePeriod() time.Duration {
	return time.Duration(c.OfflineGracePeriodDays) * 24 * time.Hour
}
