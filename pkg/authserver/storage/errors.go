// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when a uniqueness rule rejects a write.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrAlreadyConsumed is returned when an authorization code was already exchanged.
	ErrAlreadyConsumed = errors.New("storage: already consumed")

	// ErrExpired is returned when a code or refresh token is past its expiry.
	ErrExpired = errors.New("storage: expired")

	// ErrRevoked is returned when a token record was revoked or rotated away.
	ErrRevoked = errors.New("storage: revoked")
)

// IsDomainOutcome reports whether err is one of the sentinels above. These
// are answers, not failures, and must never be retried.
func IsDomainOutcome(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrAlreadyConsumed) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrRevoked)
}
