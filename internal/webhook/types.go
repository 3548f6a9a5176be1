// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

// Package webhook consumes provider push events (sales, refunds, disputes,
// subscription lifecycle) with signature verification, idempotent handling,
// and a durable retry queue in the shared document.
package webhook

import (
	"encoding/json"
	"net/url"
	"time"
)

// EventType classifies a provider event.
type EventType string

const (
	EventSale                EventType = "sale"
	EventRefund              EventType = "refund"
	EventDispute             EventType = "dispute"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionEnded   EventType = "subscription_ended"
)

// Status is the queue state of an event record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// EventRecord is one queued provider event.
type EventRecord struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Payload       string    `json:"payload"` // raw provider payload
	ReceivedAt    int64     `json:"receivedAt"` // epoch milliseconds
	Attempts      int       `json:"attempts"`
	Status        Status    `json:"status"`
	LastAttemptAt int64     `json:"lastAttemptAt,omitempty"`
	NextRetryAt   int64     `json:"nextRetryAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// MsgInvalidSignature marks deliveries rejected before queueing. Transports
// key their status code off it.
const MsgInvalidSignature = "invalid signature"

// HandlerResult is the recorded outcome of handling one event. Replays of
// the same event id receive this exact result.
type HandlerResult struct {
	Success     bool      `json:"success"`
	EventID     string    `json:"eventId"`
	EventType   EventType `json:"eventType,omitempty"`
	Message     string    `json:"message,omitempty"`
	ProcessedAt int64     `json:"processedAt,omitempty"` // epoch milliseconds
}

// Stats tracks running processing totals. AvgProcessingMs is an incremental
// average over completed events.
type Stats struct {
	TotalReceived     int64   `json:"totalReceived"`
	TotalProcessed    int64   `json:"totalProcessed"`
	TotalFailed       int64   `json:"totalFailed"`
	SignatureFailures int64   `json:"signatureFailures"`
	ParseFailures     int64   `json:"parseFailures"`
	AvgProcessingMs   float64 `json:"avgProcessingMs"`
}

// handlerDocument is the webhookHandler subtree of the shared document.
type handlerDocument struct {
	ProcessedEvents map[string]HandlerResult `json:"processedEvents"`
	EventQueue      []EventRecord            `json:"eventQueue"`
	Stats           Stats                    `json:"stats"`
	Version         int                      `json:"version"`
}

// Event is the parsed provider payload handed to business handlers.
type Event struct {
	SaleID              string            `json:"sale_id"`
	SaleTimestamp       string            `json:"sale_timestamp"`
	LicenseKey          string            `json:"license_key"`
	Email               string            `json:"email"`
	ProductPermalink    string            `json:"product_permalink"`
	Refunded            bool              `json:"refunded"`
	Disputed            bool              `json:"disputed"`
	SubscriptionID      string            `json:"subscription_id"`
	SubscriptionEndedAt string            `json:"subscription_ended_at"`
	Variants            string            `json:"variants"`
	CustomFields        map[string]string `json:"custom_fields"`
}

// parseEvent decodes a provider payload. Gumroad pings arrive form-encoded;
// JSON bodies are accepted too.
func parseEvent(raw []byte) (*Event, error) {
	trimmed := firstNonSpace(raw)

	if trimmed == '{' {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, err
	}

	ev := &Event{
		SaleID:              values.Get("sale_id"),
		SaleTimestamp:       values.Get("sale_timestamp"),
		LicenseKey:          values.Get("license_key"),
		Email:               values.Get("email"),
		ProductPermalink:    values.Get("product_permalink"),
		Refunded:            values.Get("refunded") == "true",
		Disputed:            values.Get("disputed") == "true",
		SubscriptionID:      values.Get("subscription_id"),
		SubscriptionEndedAt: values.Get("subscription_ended_at"),
		Variants:            values.Get("variants"),
	}

	return ev, nil
}

func firstNonSpace(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}

// determineEventType classifies an event. Priority order, not mutually
// exclusive detection: a refunded+disputed event is a refund.
func determineEventType(ev *Event) EventType {
	switch {
	case ev.Refunded:
		return EventRefund
	case ev.Disputed:
		return EventDispute
	case ev.SubscriptionID != "" && ev.SubscriptionEndedAt != "":
		return EventSubscriptionEnded
	case ev.SubscriptionID != "":
		return EventSubscriptionUpdated
	default:
		return EventSale
	}
}

// RetryConfig tunes the bounded-retry policy for failed handlers.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	Multiplier    float64
	MaxRetryDelay time.Duration

	// ScanInterval is how often the background driver re-checks pending
	// events whose retry time has passed.
	ScanInterval time.Duration

	// EventRetention bounds how long completed results are kept for
	// idempotency lookups.
	EventRetention time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialDelay:   30 * time.Second,
		Multiplier:     2,
		MaxRetryDelay:  time.Hour,
		ScanInterval:   60 * time.Second,
		EventRetention: 30 * 24 * time.Hour,
	}
}
