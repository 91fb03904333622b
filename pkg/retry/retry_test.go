// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("not found")

func fastPolicy() Policy {
	return Policy{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Permanent:       func(err error) bool { return errors.Is(err, errNotFound) },
	}
}

func TestRead(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantCalls int
		wantErr   error
	}{
		{name: "succeeds first try", failures: 0, wantCalls: 1},
		{name: "recovers from transient failure", failures: 2, failWith: errors.New("connection reset"), wantCalls: 3},
		{name: "gives up after max tries", failures: 10, failWith: errors.New("timeout"), wantCalls: 3},
		{name: "permanent error is not retried", failures: 10, failWith: errNotFound, wantCalls: 1, wantErr: errNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			v, err := Read(context.Background(), fastPolicy(), "test", func(context.Context) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", tt.failWith
				}
				return "ok", nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.failures >= tt.wantCalls && tt.failures > 0:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, "ok", v)
			}
		})
	}
}

func TestReadStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Read(ctx, fastPolicy(), "test", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("transient")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
