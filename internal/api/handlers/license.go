// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/postarchive/postarchive/internal/license"
)

// LicenseHandler handles license related HTTP requests
type LicenseHandler struct {
	validator *license.Validator
}

func NewLicenseHandler(validator *license.Validator) *LicenseHandler {
	return &LicenseHandler{validator: validator}
}

// ValidateLicenseRequest is the request body for license validation
type ValidateLicenseRequest struct {
	LicenseKey  string `json:"licenseKey"`
	ForceOnline bool   `json:"forceOnline,omitempty"`
}

// ValidateLicenseResponse is the response for license validation
type ValidateLicenseResponse struct {
	Valid       bool       `json:"valid"`
	LicenseType string     `json:"licenseType,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	Code        string     `json:"code,omitempty"`
}

// LicenseStatusResponse is the response for the status endpoint
type LicenseStatusResponse struct {
	Valid         bool       `json:"valid"`
	LicenseType   string     `json:"licenseType,omitempty"`
	Email         string     `json:"email,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	InGracePeriod bool       `json:"inGracePeriod,omitempty"`
}

// RegisterRoutes registers license routes
func (h *LicenseHandler) RegisterRoutes(r chi.Router) {
	r.Route("/license", func(r chi.Router) {
		r.Post("/validate", h.ValidateLicense)
		r.Get("/status", h.GetStatus)
		r.Post("/refresh", h.RefreshLicense)
		r.Delete("/", h.ClearLicense)
	})
}

// ValidateLicense validates and activates a license key
func (h *LicenseHandler) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req ValidateLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to decode validate license request")
		RespondJSON(w, http.StatusBadRequest, ValidateLicenseResponse{
			Valid: false,
			Error: "Invalid request body",
		})
		return
	}

	if req.LicenseKey == "" {
		RespondJSON(w, http.StatusBadRequest, ValidateLicenseResponse{
			Valid: false,
			Error: "License key is required",
		})
		return
	}

	info, err := h.validator.ValidateLicense(r.Context(), req.LicenseKey, req.ForceOnline)
	if err != nil {
		log.Error().Err(err).Msg("License validation failed")

		resp := ValidateLicenseResponse{Valid: false, Error: err.Error()}

		// Surface the provider-classified reason; the corrective action
		// differs per code
		var verr *license.ValidationError
		if errors.As(err, &verr) {
			resp.Error = verr.UserMessage()
			resp.Code = string(verr.Code)
		}

		RespondJSON(w, http.StatusUnauthorized, resp)
		return
	}

	RespondJSON(w, http.StatusOK, ValidateLicenseResponse{
		Valid:       true,
		LicenseType: string(info.LicenseType),
		ExpiresAt:   info.ExpiresAt,
		Message:     "License validated and activated successfully",
	})
}

// GetStatus returns the local validity gate and held license summary.
// No network call: this must stay cheap enough to poll.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	info := h.validator.CurrentLicense()

	resp := LicenseStatusResponse{Valid: h.validator.IsLicenseValid()}
	if info != nil {
		resp.LicenseType = string(info.LicenseType)
		resp.Email = info.Email
		resp.ExpiresAt = info.ExpiresAt
		resp.InGracePeriod = info.InGracePeriod
	}

	RespondJSON(w, http.StatusOK, resp)
}

// RefreshLicense forces an online re-validation of the held license
func (h *LicenseHandler) RefreshLicense(w http.ResponseWriter, r *http.Request) {
	info, err := h.validator.RefreshLicense(r.Context())
	if err != nil {
		if errors.Is(err, license.ErrNoLicenseHeld) {
			RespondError(w, http.StatusNotFound, "No license to refresh")
			return
		}

		log.Error().Err(err).Msg("License refresh failed")
		RespondError(w, http.StatusBadGateway, "Failed to refresh license")
		return
	}

	RespondJSON(w, http.StatusOK, ValidateLicenseResponse{
		Valid:       true,
		LicenseType: string(info.LicenseType),
		ExpiresAt:   info.ExpiresAt,
		Message:     "License refreshed",
	})
}

// ClearLicense deactivates the held license
func (h *LicenseHandler) ClearLicense(w http.ResponseWriter, r *http.Request) {
	if err := h.validator.ClearLicense(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to clear license")
		RespondError(w, http.StatusInternalServerError, "Failed to clear license")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "License cleared",
	})
}
