// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/postarchive/postarchive/internal/crypto"
	"github.com/postarchive/postarchive/internal/docstore"
)

const (
	// handlerDocKey names this subsystem's subtree in the shared document.
	handlerDocKey = "webhookHandler"

	handlerSchemaVersion = 1
)

// Handlers are the per-type business side effects. A nil handler is a no-op;
// tests inject counters here.
type Handlers struct {
	OnSale                func(ctx context.Context, ev *Event) error
	OnRefund              func(ctx context.Context, ev *Event) error
	OnDispute             func(ctx context.Context, ev *Event) error
	OnSubscriptionUpdated func(ctx context.Context, ev *Event) error
	OnSubscriptionEnded   func(ctx context.Context, ev *Event) error
}

// Processor runs each inbound event through signature verification,
// idempotency check, classification, processing, and retry-or-complete.
//
// Unlike the scheduling model of a single-threaded host, HTTP handlers here
// run on separate goroutines, so the idempotency check and queue insertion
// happen under one mutex: two concurrent first deliveries of the same event
// id serialize instead of both dispatching the business handler.
type Processor struct {
	gw       *docstore.Gateway
	secret   string
	cfg      RetryConfig
	handlers Handlers

	mu          sync.Mutex
	initialized bool

	stop chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

func NewProcessor(gw *docstore.Gateway, secret string, cfg RetryConfig, handlers Handlers) *Processor {
	return &Processor{
		gw:       gw,
		secret:   secret,
		cfg:      cfg,
		handlers: handlers,
		now:      time.Now,
	}
}

// Initialize loads the persisted queue, prunes expired processed results,
// and starts the background retry driver.
func (p *Processor) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		log.Warn().Msg("Webhook processor already initialized")
		return nil
	}

	cutoff := p.now().Add(-p.cfg.EventRetention).UnixMilli()

	err := p.gw.Update(ctx, handlerDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeHandlerDoc(raw)
		if err != nil {
			return nil, err
		}

		// Ids still referenced by queued work are never pruned: in-flight
		// lookups use the queue, not processedEvents
		queued := make(map[string]bool, len(doc.EventQueue))
		for i := range doc.EventQueue {
			queued[doc.EventQueue[i].ID] = true

			// Events stuck in processing belong to a previous run
			if doc.EventQueue[i].Status == StatusProcessing {
				doc.EventQueue[i].Status = StatusPending
			}
		}

		pruned := 0
		for id, result := range doc.ProcessedEvents {
			if result.ProcessedAt < cutoff && !queued[id] {
				delete(doc.ProcessedEvents, id)
				pruned++
			}
		}

		if pruned > 0 {
			log.Debug().Int("pruned", pruned).Msg("Pruned expired processed webhook events")
		}

		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize webhook processor: %w", err)
	}

	p.stop = make(chan struct{})
	p.wg.Add(1)
	go p.retryLoop(p.stop)

	p.initialized = true
	log.Debug().Msg("Webhook processor initialized")
	return nil
}

// Shutdown stops the retry driver.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.initialized = false
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		p.wg.Wait()
	}

	log.Debug().Msg("Webhook processor shut down")
}

// HandleWebhook processes one inbound delivery. The returned result is what
// the transport reports back to the provider; a queued event's later retry
// failures are observable through stats, never through this return.
func (p *Processor) HandleWebhook(ctx context.Context, rawPayload []byte, signature string) *HandlerResult {
	if !p.isInitialized() {
		return &HandlerResult{Success: false, Message: "webhook processor not initialized"}
	}

	// An unauthenticated request must never be queued or retried
	if !crypto.VerifyHMACSignature(rawPayload, signature, p.secret) {
		log.Warn().Msg("Webhook rejected: invalid signature")
		p.bumpStat(ctx, func(s *Stats) { s.SignatureFailures++ })
		return &HandlerResult{Success: false, Message: MsgInvalidSignature}
	}

	ev, err := parseEvent(rawPayload)
	if err != nil || ev.SaleID == "" {
		log.Warn().Err(err).Msg("Webhook rejected: unparseable payload")
		p.bumpStat(ctx, func(s *Stats) { s.ParseFailures++ })
		return &HandlerResult{Success: false, Message: "malformed payload"}
	}

	eventID := EventID(ev.SaleID, ev.SaleTimestamp)
	eventType := determineEventType(ev)

	// Idempotency check and queue insertion are one critical section
	p.mu.Lock()

	var existing *HandlerResult
	var alreadyQueued bool

	err = p.gw.Update(ctx, handlerDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeHandlerDoc(raw)
		if err != nil {
			return nil, err
		}

		if result, ok := doc.ProcessedEvents[eventID]; ok {
			existing = &result
			return doc, nil
		}

		for i := range doc.EventQueue {
			if doc.EventQueue[i].ID == eventID {
				alreadyQueued = true
				return doc, nil
			}
		}

		doc.EventQueue = append(doc.EventQueue, EventRecord{
			ID:         eventID,
			Type:       eventType,
			Payload:    string(rawPayload),
			ReceivedAt: p.now().UnixMilli(),
			Status:     StatusPending,
		})
		doc.Stats.TotalReceived++
		return doc, nil
	})

	p.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("eventId", eventID).Msg("Failed to queue webhook event")
		return &HandlerResult{Success: false, EventID: eventID, Message: "failed to queue event"}
	}

	if existing != nil {
		// Exact replay of the recorded result, no reprocessing
		log.Debug().Str("eventId", eventID).Msg("Webhook replay, returning recorded result")
		return existing
	}

	if alreadyQueued {
		log.Debug().Str("eventId", eventID).Msg("Webhook event already queued")
		return &HandlerResult{Success: true, EventID: eventID, EventType: eventType, Message: "event already queued"}
	}

	log.Info().
		Str("eventId", eventID).
		Str("type", string(eventType)).
		Msg("Webhook event queued")

	return p.processEvent(ctx, eventID)
}

// EventID derives the deterministic idempotency id for a provider event.
func EventID(saleID, saleTimestamp string) string {
	return crypto.SHA256Hex(saleID + ":" + saleTimestamp)
}

// processEvent runs one attempt for a queued event: pending → processing →
// completed, or back to pending with a retry time, or terminally failed.
func (p *Processor) processEvent(ctx context.Context, eventID string) *HandlerResult {
	var record *EventRecord

	err := p.gw.Update(ctx, handlerDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeHandlerDoc(raw)
		if err != nil {
			return nil, err
		}

		for i := range doc.EventQueue {
			if doc.EventQueue[i].ID == eventID {
				doc.EventQueue[i].Status = StatusProcessing
				doc.EventQueue[i].Attempts++
				doc.EventQueue[i].LastAttemptAt = p.now().UnixMilli()
				r := doc.EventQueue[i]
				record = &r
				break
			}
		}
		return doc, nil
	})
	if err != nil || record == nil {
		return &HandlerResult{Success: false, EventID: eventID, Message: "event not found in queue"}
	}

	started := p.now()
	ev, parseErr := parseEvent([]byte(record.Payload))

	var handlerErr error
	if parseErr != nil {
		handlerErr = fmt.Errorf("stored payload unparseable: %w", parseErr)
	} else {
		handlerErr = p.dispatch(ctx, record.Type, ev)
	}

	elapsed := p.now().Sub(started)

	if handlerErr == nil {
		return p.completeEvent(ctx, record, elapsed)
	}
	return p.failAttempt(ctx, record, handlerErr)
}

func (p *Processor) dispatch(ctx context.Context, eventType EventType, ev *Event) error {
	var handler func(ctx context.Context, ev *Event) error

	switch eventType {
	case EventSale:
		handler = p.handlers.OnSale
	case EventRefund:
		handler = p.handlers.OnRefund
	case EventDispute:
		handler = p.handlers.OnDispute
	case EventSubscriptionUpdated:
		handler = p.handlers.OnSubscriptionUpdated
	case EventSubscriptionEnded:
		handler = p.handlers.OnSubscriptionEnded
	}

	if handler == nil {
		return nil
	}
	return handler(ctx, ev)
}

func (p *Processor) completeEvent(ctx context.Context, record *EventRecord, elapsed time.Duration) *HandlerResult {
	result := HandlerResult{
		Success:     true,
		EventID:     record.ID,
		EventType:   record.Type,
		Message:     "processed",
		ProcessedAt: p.now().UnixMilli(),
	}

	err := p.gw.Update(ctx, handlerDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeHandlerDoc(raw)
		if err != nil {
			return nil, err
		}

		doc.EventQueue = removeFromQueue(doc.EventQueue, record.ID)
		doc.ProcessedEvents[record.ID] = result

		doc.Stats.TotalProcessed++
		ms := float64(elapsed.Milliseconds())
		doc.Stats.AvgProcessingMs += (ms - doc.Stats.AvgProcessingMs) / float64(doc.Stats.TotalProcessed)

		return doc, nil
	})
	if err != nil {
		log.Error().Err(err).Str("eventId", record.ID).Msg("Failed to record completed webhook event")
	}

	log.Info().
		Str("eventId", record.ID).
		Str("type", string(record.Type)).
		Dur("elapsed", elapsed).
		Msg("Webhook event processed")

	return &result
}

func (p *Processor) failAttempt(ctx context.Context, record *EventRecord, handlerErr error) *HandlerResult {
	terminal := record.Attempts >= p.cfg.MaxRetries

	var nextRetryAt int64
	if !terminal {
		nextRetryAt = p.now().Add(p.retryDelay(record.Attempts)).UnixMilli()
	}

	err := p.gw.Update(ctx, handlerDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeHandlerDoc(raw)
		if err != nil {
			return nil, err
		}

		for i := range doc.EventQueue {
			if doc.EventQueue[i].ID != record.ID {
				continue
			}
			doc.EventQueue[i].LastError = handlerErr.Error()
			if terminal {
				doc.EventQueue[i].Status = StatusFailed
				doc.Stats.TotalFailed++
			} else {
				doc.EventQueue[i].Status = StatusPending
				doc.EventQueue[i].NextRetryAt = nextRetryAt
			}
			break
		}
		return doc, nil
	})
	if err != nil {
		log.Error().Err(err).Str("eventId", record.ID).Msg("Failed to record webhook attempt failure")
	}

	if terminal {
		log.Error().
			Err(handlerErr).
			Str("eventId", record.ID).
			Int("attempts", record.Attempts).
			Msg("Webhook event permanently failed")

		return &HandlerResult{
			Success:   false,
			EventID:   record.ID,
			EventType: record.Type,
			Message:   fmt.Sprintf("permanently failed after %d attempts: %v", record.Attempts, handlerErr),
		}
	}

	log.Warn().
		Err(handlerErr).
		Str("eventId", record.ID).
		Int("attempts", record.Attempts).
		Msg("Webhook event handler failed, queued for retry")

	return &HandlerResult{
		Success:   false,
		EventID:   record.ID,
		EventType: record.Type,
		Message:   "handler failed, queued for retry",
	}
}

// retryDelay computes initialDelay * multiplier^(attempts-1), capped.
func (p *Processor) retryDelay(attempts int) time.Duration {
	delay := p.cfg.InitialDelay
	for i := 1; i < attempts; i++ {
		delay = time.Duration(float64(delay) * p.cfg.Multiplier)
		if delay >= p.cfg.MaxRetryDelay {
			return p.cfg.MaxRetryDelay
		}
	}
	if delay > p.cfg.MaxRetryDelay {
		return p.cfg.MaxRetryDelay
	}
	return delay
}

// retryLoop is the background retry driver: it re-dispatches pending events
// whose retry time has passed.
func (p *Processor) retryLoop(stop chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ScanInterval)
			p.RetryDueEvents(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// RetryDueEvents processes every pending event whose NextRetryAt has passed.
// Exposed so tests and operators can drive retries without waiting for the
// scan interval.
func (p *Processor) RetryDueEvents(ctx context.Context) {
	var due []string
	nowMs := p.now().UnixMilli()

	var doc handlerDocument
	found, err := p.gw.Read(ctx, handlerDocKey, &doc)
	if err != nil {
		log.Error().Err(err).Msg("Failed to scan webhook queue for retries")
		return
	}
	if !found {
		return
	}

	for i := range doc.EventQueue {
		rec := &doc.EventQueue[i]
		if rec.Status == StatusPending && rec.NextRetryAt != 0 && rec.NextRetryAt <= nowMs {
			due = append(due, rec.ID)
		}
	}

	for _, id := range due {
		p.processEvent(ctx, id)
	}
}

// Stats returns the running processing totals.
func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	var doc handlerDocument
	if _, err := p.gw.Read(ctx, handlerDocKey, &doc); err != nil {
		return Stats{}, err
	}
	return doc.Stats, nil
}

// QueueDepth returns the number of events still in the live queue.
func (p *Processor) QueueDepth(ctx context.Context) (int, error) {
	var doc handlerDocument
	if _, err := p.gw.Read(ctx, handlerDocKey, &doc); err != nil {
		return 0, err
	}
	return len(doc.EventQueue), nil
}

func (p *Processor) isInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

func (p *Processor) bumpStat(ctx context.Context, fn func(s *Stats)) {
	err := p.gw.Update(ctx, handlerDocKey, func(raw json.RawMessage) (any, error) {
		doc, err := decodeHandlerDoc(raw)
		if err != nil {
			return nil, err
		}
		fn(&doc.Stats)
		return doc, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to update webhook stats")
	}
}

func decodeHandlerDoc(raw json.RawMessage) (*handlerDocument, error) {
	doc := &handlerDocument{Version: handlerSchemaVersion}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("failed to decode webhook handler subtree: %w", err)
		}
	}
	if doc.ProcessedEvents == nil {
		doc.ProcessedEvents = map[string]HandlerResult{}
	}
	return doc, nil
}

func removeFromQueue(queue []EventRecord, id string) []EventRecord {
	out := queue[:0]
	for _, rec := range queue {
		if rec.ID != id {
			out = append(out, rec)
		}
	}
	return out
}
