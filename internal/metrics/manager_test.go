// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postarchive/postarchive/internal/docstore"
	"github.com/postarchive/postarchive/internal/license"
	"github.com/postarchive/postarchive/internal/webhook"
)

func TestNewManager(t *testing.T) {
	manager := NewManager(nil, nil)

	assert.NotNil(t, manager)
	assert.NotNil(t, manager.registry)
	assert.NotNil(t, manager.licenseCollector)
}

func TestManager_GetRegistry(t *testing.T) {
	manager := NewManager(nil, nil)

	registry := manager.GetRegistry()

	assert.NotNil(t, registry)
	assert.IsType(t, &prometheus.Registry{}, registry)
}

func TestManager_RegistryIsolation(t *testing.T) {
	manager1 := NewManager(nil, nil)
	manager2 := NewManager(nil, nil)

	assert.NotSame(t, manager1.registry, manager2.registry, "Each manager should have its own registry")
	assert.NotSame(t, manager1.licenseCollector, manager2.licenseCollector, "Each manager should have its own collector")
}

func TestManager_MetricsCanBeScraped(t *testing.T) {
	manager := NewManager(nil, nil)

	metricCount := testutil.CollectAndCount(manager.GetRegistry())
	assert.Equal(t, 0, metricCount, "Should collect 0 metrics with nil dependencies")
}

func TestLicenseCollector_Describe(t *testing.T) {
	collector := NewLicenseCollector(nil, nil)

	descChan := make(chan *prometheus.Desc, 20)
	collector.Describe(descChan)
	close(descChan)

	var descs []*prometheus.Desc
	for desc := range descChan {
		descs = append(descs, desc)
	}

	assert.Len(t, descs, 8, "Should have 8 metric descriptors")
}

func TestLicenseCollector_CollectWithNilDependencies(t *testing.T) {
	collector := NewLicenseCollector(nil, nil)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	metricCount := testutil.CollectAndCount(registry)
	assert.Equal(t, 0, metricCount, "Should collect 0 metrics with nil dependencies")
}

func TestLicenseCollector_CollectWithProcessor(t *testing.T) {
	gw := docstore.NewGateway(docstore.NewMemoryStore())

	processor := webhook.NewProcessor(gw, "secret", webhook.DefaultRetryConfig(), webhook.Handlers{})
	require.NoError(t, processor.Initialize(context.Background()))
	t.Cleanup(processor.Shutdown)

	manager := NewManager(nil, processor)

	count := testutil.CollectAndCount(manager.GetRegistry())
	assert.Equal(t, 6, count, "queue depth plus five stat metrics")

	depth := gatheredValue(t, manager, "postarchive_webhook_queue_depth")
	assert.Equal(t, 0.0, depth)
}

func TestLicenseCollector_CollectWithValidator(t *testing.T) {
	gw := docstore.NewGateway(docstore.NewMemoryStore())

	cfg := license.DefaultConfig("test-product")
	validator := license.NewValidator(
		license.NewGumroadClient(license.DefaultClientConfig("test-product")),
		license.NewStorage(gw, cfg),
		cfg,
	)
	require.NoError(t, validator.Initialize(context.Background()))
	t.Cleanup(validator.Shutdown)

	manager := NewManager(validator, nil)

	// No license held: valid gauge only, no cache age
	count := testutil.CollectAndCount(manager.GetRegistry())
	assert.Equal(t, 1, count)

	valid := gatheredValue(t, manager, "postarchive_license_valid")
	assert.Equal(t, 0.0, valid)
}

// gatheredValue reads a single-sample metric family off the registry.
func gatheredValue(t *testing.T, manager *Manager, name string) float64 {
	t.Helper()

	families, err := manager.GetRegistry().Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		require.Len(t, fam.GetMetric(), 1)

		m := fam.GetMetric()[0]
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
		return m.GetCounter().GetValue()
	}

	t.Fatalf("metric %s not found", name)
	return 0
}
