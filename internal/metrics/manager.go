// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/postarchive/postarchive/internal/license"
	"github.com/postarchive/postarchive/internal/webhook"
)

type Manager struct {
	registry         *prometheus.Registry
	licenseCollector *LicenseCollector
}

func NewManager(validator *license.Validator, processor *webhook.Processor) *Manager {
	registry := prometheus.NewRegistry()

	licenseCollector := NewLicenseCollector(validator, processor)
	registry.MustRegister(licenseCollector)

	log.Info().Msg("Metrics manager initialized with license collector")

	return &Manager{
		registry:         registry,
		licenseCollector: licenseCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
