// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMasterKey is returned when neither a master key nor a master
	// key file is configured.
	ErrMissingMasterKey = errors.New("master key is not configured")

	// ErrInvalidMasterKey is returned when the master key does not decode to
	// the required size.
	ErrInvalidMasterKey = errors.New("master key is invalid")
)

// FieldError reports an invalid configuration key.
type FieldError struct {
	// Field is the dotted config key, e.g. "issuer.base_url".
	Field string
	// Err is the underlying error
	Err error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldError(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

func fieldErrorf(field, format string, args ...any) error {
	return &FieldError{Field: field, Err: fmt.Errorf(format, args...)}
}
