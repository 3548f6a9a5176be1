// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/postarchive/postarchive/internal/license"
	"github.com/postarchive/postarchive/internal/webhook"
)

type LicenseCollector struct {
	validator *license.Validator
	processor *webhook.Processor

	licenseValidDesc         *prometheus.Desc
	licenseCacheAgeDesc      *prometheus.Desc
	webhookQueueDepthDesc    *prometheus.Desc
	webhookReceivedDesc      *prometheus.Desc
	webhookProcessedDesc     *prometheus.Desc
	webhookFailedDesc        *prometheus.Desc
	webhookSignatureFailDesc *prometheus.Desc
	webhookAvgProcessingDesc *prometheus.Desc
}

func NewLicenseCollector(validator *license.Validator, processor *webhook.Processor) *LicenseCollector {
	return &LicenseCollector{
		validator: validator,
		processor: processor,

		licenseValidDesc: prometheus.NewDesc(
			"postarchive_license_valid",
			"Whether the held license currently passes the local validity gate (1=valid, 0=invalid)",
			nil,
			nil,
		),
		licenseCacheAgeDesc: prometheus.NewDesc(
			"postarchive_license_cache_age_seconds",
			"Age of the cached license record",
			nil,
			nil,
		),
		webhookQueueDepthDesc: prometheus.NewDesc(
			"postarchive_webhook_queue_depth",
			"Number of events in the live webhook queue",
			nil,
			nil,
		),
		webhookReceivedDesc: prometheus.NewDesc(
			"postarchive_webhook_events_received_total",
			"Total webhook events accepted into the queue",
			nil,
			nil,
		),
		webhookProcessedDesc: prometheus.NewDesc(
			"postarchive_webhook_events_processed_total",
			"Total webhook events processed successfully",
			nil,
			nil,
		),
		webhookFailedDesc: prometheus.NewDesc(
			"postarchive_webhook_events_failed_total",
			"Total webhook events that permanently failed",
			nil,
			nil,
		),
		webhookSignatureFailDesc: prometheus.NewDesc(
			"postarchive_webhook_signature_failures_total",
			"Total webhook deliveries rejected for an invalid signature",
			nil,
			nil,
		),
		webhookAvgProcessingDesc: prometheus.NewDesc(
			"postarchive_webhook_avg_processing_milliseconds",
			"Incremental average processing time of completed webhook events",
			nil,
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.licenseValidDesc
	ch <- c.licenseCacheAgeDesc
	ch <- c.webhookQueueDepthDesc
	ch <- c.webhookReceivedDesc
	ch <- c.webhookProcessedDesc
	ch <- c.webhookFailedDesc
	ch <- c.webhookSignatureFailDesc
	ch <- c.webhookAvgProcessingDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.validator != nil {
		valid := 0.0
		if c.validator.IsLicenseValid() {
			valid = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.licenseValidDesc, prometheus.GaugeValue, valid)

		if age, ok := c.validator.CacheAge(); ok {
			ch <- prometheus.MustNewConstMetric(c.licenseCacheAgeDesc, prometheus.GaugeValue, age.Seconds())
		}
	}

	if c.processor == nil {
		return
	}

	depth, err := c.processor.QueueDepth(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook queue depth for metrics")
	} else {
		ch <- prometheus.MustNewConstMetric(c.webhookQueueDepthDesc, prometheus.GaugeValue, float64(depth))
	}

	stats, err := c.processor.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook stats for metrics")
		return
	}

	ch <- prometheus.MustNewConstMetric(c.webhookReceivedDesc, prometheus.CounterValue, float64(stats.TotalReceived))
	ch <- prometheus.MustNewConstMetric(c.webhookProcessedDesc, prometheus.CounterValue, float64(stats.TotalProcessed))
	ch <- prometheus.MustNewConstMetric(c.webhookFailedDesc, prometheus.CounterValue, float64(stats.TotalFailed))
	ch <- prometheus.MustNewConstMetric(c.webhookSignatureFailDesc, prometheus.CounterValue, float64(stats.SignatureFailures))
	ch <- prometheus.MustNewConstMetric(c.webhookAvgProcessingDesc, prometheus.GaugeValue, stats.AvgProcessingMs)
}
