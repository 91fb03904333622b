// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by the identity core and
// the edge layer.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error types
const (
	// ErrTenantUnresolved is returned when no tenant could be determined for a tenant-scoped operation
	ErrTenantUnresolved = "tenant_unresolved"

	// ErrKeyStoreFailure is returned when key generation, sealing or unsealing fails
	ErrKeyStoreFailure = "key_store_failure"

	// ErrInvalidGrant is returned for any rejected authorization code or refresh token
	ErrInvalidGrant = "invalid_grant"

	// ErrIssuerNotAllowed is returned when a token issuer matches no allow-listed pattern
	ErrIssuerNotAllowed = "issuer_not_allowed"

	// ErrTokenInvalid is returned when signature, expiry or audience checks fail
	ErrTokenInvalid = "token_invalid"

	// ErrQuotaExceeded is returned when a credential is over one of its rate windows
	ErrQuotaExceeded = "quota_exceeded"

	// ErrClientConfigurationMissing is returned when no client registration resolves for a tenant and provider
	ErrClientConfigurationMissing = "client_configuration_missing"

	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrInvalidClient is returned when a client is unknown or not allowed the requested operation
	ErrInvalidClient = "invalid_client"

	// ErrUnauthorized is returned when a caller presents no usable credential
	ErrUnauthorized = "unauthorized"

	// ErrForbidden is returned when an authenticated caller lacks the required role
	ErrForbidden = "forbidden"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewTenantUnresolvedError creates a new tenant unresolved error
func NewTenantUnresolvedError(message string, cause error) *Error {
	return NewError(ErrTenantUnresolved, message, cause)
}

// NewKeyStoreFailureError creates a new key store failure error
func NewKeyStoreFailureError(message string, cause error) *Error {
	return NewError(ErrKeyStoreFailure, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewIssuerNotAllowedError creates a new issuer not allowed error
func NewIssuerNotAllowedError(message string, cause error) *Error {
	return NewError(ErrIssuerNotAllowed, message, cause)
}

// NewTokenInvalidError creates a new token invalid error
func NewTokenInvalidError(message string, cause error) *Error {
	return NewError(ErrTokenInvalid, message, cause)
}

// NewClientConfigurationMissingError creates a new client configuration missing error
func NewClientConfigurationMissingError(message string, cause error) *Error {
	return NewError(ErrClientConfigurationMissing, message, cause)
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(ErrInvalidClient, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// Remaining is the per-window quota left for a credential. A negative value
// means the window is unlimited.
type Remaining struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
}

// QuotaError is a quota_exceeded error carrying the retry hint and the
// remaining counts for every window.
type QuotaError struct {
	base *Error

	// RetryAfter is the start of the window in which the caller may try again.
	RetryAfter time.Time

	// Remaining holds the per-window counts at the time of the decision.
	Remaining Remaining
}

// NewQuotaExceededError creates a new quota exceeded error
func NewQuotaExceededError(retryAfter time.Time, remaining Remaining) *QuotaError {
	return &QuotaError{
		base:       NewError(ErrQuotaExceeded, "rate limit exceeded", nil),
		RetryAfter: retryAfter,
		Remaining:  remaining,
	}
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.base.Error(), e.RetryAfter.UTC().Format(time.RFC3339))
}

// Unwrap exposes the underlying *Error so errors.As finds it.
func (e *QuotaError) Unwrap() error {
	return e.base
}

// TypeOf returns the taxonomy type of err, or the empty string when err is
// not (and does not wrap) an *Error.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

func isType(err error, errorType string) bool {
	return err != nil && TypeOf(err) == errorType
}

// IsTenantUnresolved checks if the error is a tenant unresolved error
func IsTenantUnresolved(err error) bool {
	return isType(err, ErrTenantUnresolved)
}

// IsKeyStoreFailure checks if the error is a key store failure error
func IsKeyStoreFailure(err error) bool {
	return isType(err, ErrKeyStoreFailure)
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return isType(err, ErrInvalidGrant)
}

// IsIssuerNotAllowed checks if the error is an issuer not allowed error
func IsIssuerNotAllowed(err error) bool {
	return isType(err, ErrIssuerNotAllowed)
}

// IsTokenInvalid checks if the error is a token invalid error
func IsTokenInvalid(err error) bool {
	return isType(err, ErrTokenInvalid)
}

// IsQuotaExceeded checks if the error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	return isType(err, ErrQuotaExceeded)
}

// IsClientConfigurationMissing checks if the error is a client configuration missing error
func IsClientConfigurationMissing(err error) bool {
	return isType(err, ErrClientConfigurationMissing)
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	return isType(err, ErrInvalidClient)
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return isType(err, ErrUnauthorized)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return isType(err, ErrForbidden)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
