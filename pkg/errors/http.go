// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ErrorBody is the JSON body of error responses outside the OAuth endpoints.
type ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// StatusCode maps err to an HTTP status code. Unknown errors are 500.
func StatusCode(err error) int {
	switch TypeOf(err) {
	case ErrTenantUnresolved, ErrInvalidArgument, ErrInvalidGrant:
		return http.StatusBadRequest
	case ErrUnauthorized, ErrIssuerNotAllowed, ErrTokenInvalid, ErrInvalidClient:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrClientConfigurationMissing:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTPError renders err as a JSON error body. Only the taxonomy type and
// the top-level message of client errors are exposed; server errors render
// as a bare internal error and causes stay in the logs. A quota error also
// sets Retry-After.
func WriteHTTPError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	body := ErrorBody{Error: ErrInternal, ErrorDescription: "internal error"}
	var e *Error
	if errors.As(err, &e) && status < http.StatusInternalServerError {
		body = ErrorBody{Error: e.Type, ErrorDescription: e.Message}
	}

	var quota *QuotaError
	if errors.As(err, &quota) {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(quota.RetryAfter, time.Now()), 10))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// retryAfterSeconds rounds up so a client never retries before the window opens.
func retryAfterSeconds(at, now time.Time) int64 {
	d := at.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
