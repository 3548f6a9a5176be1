// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package license

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized means a method was called before Initialize completed.
	ErrNotInitialized = errors.New("license subsystem not initialized")

	// ErrIntegrity means the stored envelope failed its integrity check:
	// the data may be corrupted or tampered with. Always fatal to the read.
	ErrIntegrity = errors.New("license data failed integrity check: data may be corrupted or tampered with")

	// ErrNoLicense means no license data is stored.
	ErrNoLicense = errors.New("no license data to backup")

	// ErrNoLicenseHeld means the validator holds no license to refresh.
	ErrNoLicenseHeld = errors.New("no license to refresh")

	// ErrDeviceMismatch means a backup was created on a different device.
	// License material is bound to one device and is never portable.
	ErrDeviceMismatch = errors.New("backup belongs to a different device")

	// ErrBackupVersion means the backup schema is newer than this build
	// understands; forward-compatible parsing is never attempted.
	ErrBackupVersion = errors.New("backup is newer than current version")

	// ErrMalformedBackup means the backup string could not be decoded.
	ErrMalformedBackup = errors.New("invalid backup format")
)

// ErrorCode is the primary classification contract for provider-reported
// validation failures. Substring matching on provider messages is only the
// fallback heuristic that produces these codes.
type ErrorCode string

const (
	CodeInvalidKey          ErrorCode = "INVALID_KEY"
	CodeExpired             ErrorCode = "EXPIRED"
	CodeRefunded            ErrorCode = "REFUNDED"
	CodeDisputed            ErrorCode = "DISPUTED"
	CodeChargebacked        ErrorCode = "CHARGEBACKED"
	CodeDeviceLimitExceeded ErrorCode = "DEVICE_LIMIT_EXCEEDED"
	CodeUnknown             ErrorCode = "UNKNOWN_ERROR"
)

// ValidationError is a terminal, provider-classified failure. It is never
// retried by the remote client.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("license validation failed (%s): %s", e.Code, e.Message)
}

// UserMessage returns the corrective-action text shown to the user. The
// wording differs per code since the fix differs per code.
func (e *ValidationError) UserMessage() string {
	switch e.Code {
	case CodeExpired:
		return "License has expired"
	case CodeRefunded:
		return "License was refunded"
	case CodeDisputed:
		return "License purchase is disputed"
	case CodeChargebacked:
		return "License payment was charged back"
	case CodeDeviceLimitExceeded:
		return "Device limit exceeded"
	case CodeInvalidKey:
		return "Invalid license key"
	default:
		return "License validation failed"
	}
}
