// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
)

const (
	defaultVerifyBaseURL = "https://api.gumroad.com"
	verifyPath           = "/v2/licenses/verify"

	// connectionTestKey is a throwaway sentinel: any provider response to it,
	// including "invalid key", proves the API is reachable.
	connectionTestKey = "connection-test-00000000"

	creditPackValidity = 365 * 24 * time.Hour
)

// creditVariantPattern matches product variant names like "100 Credits".
var creditVariantPattern = regexp.MustCompile(`(?i)(\d+)\s*credits`)

// ClientConfig tunes the Gumroad verification client.
type ClientConfig struct {
	ProductID       string
	MaxDevices      int
	GracePeriodDays int

	// MaxRetries bounds attempts for transport-level failures. Provider-
	// classified business failures are never retried.
	MaxRetries uint

	// RequestTimeout caps each individual attempt; hitting it counts as a
	// retryable failure, not a terminal one.
	RequestTimeout time.Duration

	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	RetryBaseDelay time.Duration

	// BaseURL overrides the provider endpoint, for tests.
	BaseURL string
}

func DefaultClientConfig(productID string) ClientConfig {
	return ClientConfig{
		ProductID:       productID,
		MaxDevices:      3,
		GracePeriodDays: 3,
		MaxRetries:      3,
		RequestTimeout:  10 * time.Second,
		RetryBaseDelay:  time.Second,
	}
}

// GumroadClient verifies license keys against the Gumroad API. Stateless
// aside from configuration.
type GumroadClient struct {
	httpClient *http.Client
	cfg        ClientConfig
	baseURL    string
	now        func() time.Time
}

func NewGumroadClient(cfg ClientConfig) *GumroadClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultVerifyBaseURL
	}

	return &GumroadClient{
		httpClient: &http.Client{},
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		now:        time.Now,
	}
}

// gumroadResponse is the provider's verification response shape. External
// boundary: Gumroad controls this format, not us.
type gumroadResponse struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Uses     int             `json:"uses,omitempty"`
	Purchase gumroadPurchase `json:"purchase"`
}

type gumroadPurchase struct {
	SaleID                  string            `json:"sale_id"`
	ProductID               string            `json:"product_id"`
	ProductPermalink        string            `json:"product_permalink"`
	Email                   string            `json:"email"`
	CreatedAt               string            `json:"created_at"`
	Refunded                bool              `json:"refunded"`
	Disputed                bool              `json:"disputed"`
	Chargebacked            bool              `json:"chargebacked"`
	SubscriptionID          string            `json:"subscription_id,omitempty"`
	SubscriptionEndedAt     *string           `json:"subscription_ended_at,omitempty"`
	SubscriptionCancelledAt *string           `json:"subscription_cancelled_at,omitempty"`
	SubscriptionFailedAt    *string           `json:"subscription_failed_at,omitempty"`
	Variants                string            `json:"variants,omitempty"`
	CustomFields            map[string]string `json:"custom_fields,omitempty"`
}

// VerifyLicense verifies a key online and normalizes the provider response
// into an Info. When device is non-nil the provider is told to increment its
// device-usage count and the device is recorded as the current activation.
//
// Transport failures (network errors, timeouts, non-2xx) are retried with
// exponential backoff; provider-classified failures are terminal.
func (c *GumroadClient) VerifyLicense(ctx context.Context, licenseKey string, device *DeviceInfo) (*Info, error) {
	resp, err := c.postVerify(ctx, licenseKey, device != nil)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		verr := classifyFailure(resp.Message)
		log.Debug().
			Str("licenseKey", maskKey(licenseKey)).
			Str("code", string(verr.Code)).
			Str("providerMessage", resp.Message).
			Msg("Provider rejected license")
		return nil, verr
	}

	info := c.parseLicenseInfo(licenseKey, resp, device)

	if err := c.ValidateLicenseInfo(info); err != nil {
		return nil, err
	}

	log.Info().
		Str("licenseKey", maskKey(licenseKey)).
		Str("licenseType", string(info.LicenseType)).
		Bool("inGracePeriod", info.InGracePeriod).
		Msg("License verified online")

	return info, nil
}

// TestConnection fires a throwaway verification. A provider-side rejection
// still proves reachability; only transport errors count as disconnected.
func (c *GumroadClient) TestConnection(ctx context.Context) bool {
	_, err := c.VerifyLicense(ctx, connectionTestKey, nil)
	if err == nil {
		return true
	}

	var verr *ValidationError
	return errors.As(err, &verr)
}

// postVerify performs the form-encoded POST with retry. Each attempt runs
// under its own timeout.
func (c *GumroadClient) postVerify(ctx context.Context, licenseKey string, incrementUses bool) (*gumroadResponse, error) {
	form := url.Values{}
	form.Set("product_permalink", c.cfg.ProductID)
	form.Set("license_key", licenseKey)
	form.Set("increment_uses_count", strconv.FormatBool(incrementUses))
	body := form.Encode()

	var resp *gumroadResponse

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
				c.baseURL+verifyPath, strings.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			httpResp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("license verification request failed: %w", err)
			}
			defer httpResp.Body.Close()

			// Gumroad returns 404 with a JSON body for unknown keys; any
			// JSON-decodable body is a provider answer, not a transport
			// failure.
			var decoded gumroadResponse
			if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
				return fmt.Errorf("license verification returned status %d: %w", httpResp.StatusCode, err)
			}

			resp = &decoded
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.MaxRetries),
		retry.Delay(c.cfg.RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().
				Uint("attempt", attempt+1).
				Err(err).
				Msg("License verification attempt failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// parseLicenseInfo normalizes a successful provider response. License type
// comes from custom fields first, then from variant naming patterns. Expiry
// comes from an explicit subscription end, or purchase+365d for credit packs.
func (c *GumroadClient) parseLicenseInfo(licenseKey string, resp *gumroadResponse, device *DeviceInfo) *Info {
	purchase := resp.Purchase
	now := c.now()

	purchaseDate, err := time.Parse(time.RFC3339, purchase.CreatedAt)
	if err != nil {
		purchaseDate = now
	}

	licenseType, initialCredits, resetMonthly := inferLicenseType(purchase)

	var expiresAt *time.Time
	if ended := firstTimestamp(purchase.SubscriptionEndedAt, purchase.SubscriptionCancelledAt, purchase.SubscriptionFailedAt); ended != nil {
		expiresAt = ended
	} else if licenseType == TypeCreditPack && purchase.SubscriptionID == "" {
		t := purchaseDate.Add(creditPackValidity)
		expiresAt = &t
	}

	info := &Info{
		LicenseKey:          licenseKey,
		Provider:            ProviderGumroad,
		LicenseType:         licenseType,
		ProductID:           firstNonEmpty(purchase.ProductPermalink, purchase.ProductID),
		Email:               purchase.Email,
		PurchaseDate:        purchaseDate,
		ExpiresAt:           expiresAt,
		IsActive:            !purchase.Refunded && !purchase.Disputed && !purchase.Chargebacked,
		InitialCredits:      initialCredits,
		CreditsResetMonthly: resetMonthly,
	}

	if device != nil {
		d := *device
		d.IsCurrent = true
		if d.LastSeenAt.IsZero() {
			d.LastSeenAt = now
		}
		info.Devices = []DeviceInfo{d}
	}

	// Grace is the half-open interval [expiresAt, expiresAt+grace)
	if expiresAt != nil {
		graceEnd := expiresAt.Add(time.Duration(c.cfg.GracePeriodDays) * 24 * time.Hour)
		if !now.Before(*expiresAt) && now.Before(graceEnd) {
			info.InGracePeriod = true
			info.GracePeriodEndsAt = &graceEnd
		}
	}

	return info
}

// ValidateLicenseInfo applies local policy to a parsed record. Inactive and
// out of grace, expired and out of grace, or over the device limit all make
// the license invalid with a distinct code.
func (c *GumroadClient) ValidateLicenseInfo(info *Info) error {
	if !info.IsActive && !info.InGracePeriod {
		return &ValidationError{
			Code:    CodeInvalidKey,
			Message: "license is inactive (refunded, disputed, or charged back)",
		}
	}

	if info.Expired(c.now()) && !info.InGracePeriod {
		return &ValidationError{
			Code:    CodeExpired,
			Message: "license has expired",
		}
	}

	if len(info.Devices) > c.cfg.MaxDevices {
		return &ValidationError{
			Code:    CodeDeviceLimitExceeded,
			Message: fmt.Sprintf("license is activated on %d devices, limit is %d", len(info.Devices), c.cfg.MaxDevices),
		}
	}

	return nil
}

// classifyFailure maps a provider failure message to an error code via
// substring matching. Best-effort: new provider wording falls through to
// CodeUnknown rather than misclassifying.
func classifyFailure(message string) *ValidationError {
	lower := strings.ToLower(message)

	var code ErrorCode
	switch {
	case strings.Contains(lower, "refund"):
		code = CodeRefunded
	case strings.Contains(lower, "disput"):
		code = CodeDisputed
	case strings.Contains(lower, "chargeback"):
		code = CodeChargebacked
	case strings.Contains(lower, "not exist"),
		strings.Contains(lower, "invalid"),
		strings.Contains(lower, "unable to find"):
		code = CodeInvalidKey
	default:
		code = CodeUnknown
	}

	if message == "" {
		message = "provider reported failure without a message"
	}

	return &ValidationError{Code: code, Message: message}
}

// inferLicenseType reads custom fields first, then variant naming patterns.
func inferLicenseType(purchase gumroadPurchase) (licenseType Type, initialCredits int, resetMonthly bool) {
	switch Type(strings.ToLower(purchase.CustomFields["license_type"])) {
	case TypeSubscription:
		return TypeSubscription, 0, false
	case TypeCreditPack:
		credits, _ := strconv.Atoi(purchase.CustomFields["credits"])
		return TypeCreditPack, credits, false
	case TypeFreeTier:
		return TypeFreeTier, 0, false
	}

	if m := creditVariantPattern.FindStringSubmatch(purchase.Variants); m != nil {
		credits, _ := strconv.Atoi(m[1])
		return TypeCreditPack, credits, false
	}

	if purchase.SubscriptionID != "" {
		return TypeSubscription, 0, true
	}

	return TypeFreeTier, 0, false
}

func firstTimestamp(candidates ...*string) *time.Time {
	for _, c := range candidates {
		if c == nil || *c == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, *c); err == nil {
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
