// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/postarchive/postarchive/internal/webhook"
)

// maxWebhookBody bounds inbound payload size; provider pings are tiny.
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider push events over HTTP
type WebhookHandler struct {
	processor *webhook.Processor
}

func NewWebhookHandler(processor *webhook.Processor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/gumroad", h.HandleGumroad)
}

// HandleGumroad processes one inbound Gumroad delivery. The provider retries
// on any non-2xx, so accepted and replayed events both answer 200; only a
// bad signature earns a 401.
func (h *WebhookHandler) HandleGumroad(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook body")
		RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	signature := r.Header.Get("X-Gumroad-Signature")
	if signature == "" {
		signature = r.URL.Query().Get("signature")
	}

	result := h.processor.HandleWebhook(r.Context(), body, signature)

	if !result.Success && result.Message == webhook.MsgInvalidSignature {
		RespondJSON(w, http.StatusUnauthorized, result)
		return
	}

	// A queued event's later retry failure is an async outcome, not an
	// error on this delivery
	RespondJSON(w, http.StatusOK, result)
}
