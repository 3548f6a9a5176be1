// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

// Package services bridges provider webhook events to license state.
package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/postarchive/postarchive/internal/license"
	"github.com/postarchive/postarchive/internal/webhook"
)

// LicenseEventService reacts to provider push events: revocations (refund,
// dispute, subscription end) clear a matching held license immediately
// instead of waiting for the next cache expiry.
type LicenseEventService struct {
	validator *license.Validator
}

func NewLicenseEventService(validator *license.Validator) *LicenseEventService {
	return &LicenseEventService{validator: validator}
}

// Handlers returns the webhook handler set backed by this service.
func (s *LicenseEventService) Handlers() webhook.Handlers {
	return webhook.Handlers{
		OnSale:                s.handleSale,
		OnRefund:              s.revokeIfHeld("refund"),
		OnDispute:             s.revokeIfHeld("dispute"),
		OnSubscriptionUpdated: s.handleSubscriptionUpdated,
		OnSubscriptionEnded:   s.revokeIfHeld("subscription ended"),
	}
}

func (s *LicenseEventService) handleSale(ctx context.Context, ev *webhook.Event) error {
	log.Info().
		Str("saleId", ev.SaleID).
		Str("email", ev.Email).
		Msg("Sale event received")
	return nil
}

// handleSubscriptionUpdated re-verifies the held license so plan changes
// (renewals, upgrades) take effect without waiting for auto-refresh.
func (s *LicenseEventService) handleSubscriptionUpdated(ctx context.Context, ev *webhook.Event) error {
	current := s.validator.CurrentLicense()
	if current == nil || !matchesLicense(current, ev) {
		return nil
	}

	if _, err := s.validator.RefreshLicense(ctx); err != nil {
		return fmt.Errorf("failed to refresh license after subscription update: %w", err)
	}

	log.Info().Str("saleId", ev.SaleID).Msg("License refreshed after subscription update")
	return nil
}

func (s *LicenseEventService) revokeIfHeld(reason string) func(ctx context.Context, ev *webhook.Event) error {
	return func(ctx context.Context, ev *webhook.Event) error {
		current := s.validator.CurrentLicense()
		if current == nil || !matchesLicense(current, ev) {
			log.Debug().
				Str("saleId", ev.SaleID).
				Str("reason", reason).
				Msg("Revocation event does not match held license, ignoring")
			return nil
		}

		if err := s.validator.ClearLicense(ctx); err != nil {
			return fmt.Errorf("failed to clear license after %s: %w", reason, err)
		}

		log.Warn().
			Str("saleId", ev.SaleID).
			Str("reason", reason).
			Msg("Held license revoked by provider event")
		return nil
	}
}

// matchesLicense reports whether the event refers to the held license. The
// license key is authoritative; email is a fallback for events that omit it.
func matchesLicense(current *license.Info, ev *webhook.Event) bool {
	if ev.LicenseKey != "" {
		return ev.LicenseKey == current.LicenseKey
	}
	if ev.Email != "" && current.Email != "" {
		return ev.Email == current.Email
	}
	return false
}
