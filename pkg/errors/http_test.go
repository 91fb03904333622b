// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   ErrorBody
	}{
		{
			name:       "tenant unresolved",
			err:        NewTenantUnresolvedError("no tenant could be resolved", nil),
			wantStatus: http.StatusBadRequest,
			wantBody:   ErrorBody{Error: ErrTenantUnresolved, ErrorDescription: "no tenant could be resolved"},
		},
		{
			name:       "wrapped token invalid",
			err:        fmt.Errorf("validate: %w", NewTokenInvalidError("token is expired", errors.New("exp"))),
			wantStatus: http.StatusUnauthorized,
			wantBody:   ErrorBody{Error: ErrTokenInvalid, ErrorDescription: "token is expired"},
		},
		{
			name:       "key store failure hides details",
			err:        NewKeyStoreFailureError("failed to decrypt signing key", errors.New("cipher: message authentication failed")),
			wantStatus: http.StatusInternalServerError,
			wantBody:   ErrorBody{Error: ErrInternal, ErrorDescription: "internal error"},
		},
		{
			name:       "plain error",
			err:        errors.New("redis: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   ErrorBody{Error: ErrInternal, ErrorDescription: "internal error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			WriteHTTPError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestWriteHTTPErrorQuota(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteHTTPError(rec, NewQuotaExceededError(time.Now().Add(90*time.Second), Remaining{}))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 10, 0, 30, 0, time.UTC)

	assert.Equal(t, int64(30), retryAfterSeconds(now.Add(30*time.Second), now))
	assert.Equal(t, int64(31), retryAfterSeconds(now.Add(30*time.Second+time.Millisecond), now))
	assert.Equal(t, int64(0), retryAfterSeconds(now.Add(-time.Second), now))
}
