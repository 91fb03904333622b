// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingStorage waits for the context on GetActiveKey and records the
// deadline it was given.
type blockingStorage struct {
	Storage
	deadline time.Time
}

func (b *blockingStorage) GetActiveKey(ctx context.Context, _ string) (*SigningKey, error) {
	b.deadline, _ = ctx.Deadline()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithOperationTimeout(t *testing.T) {
	t.Parallel()

	t.Run("zero timeout is a no-op", func(t *testing.T) {
		t.Parallel()
		st := NewMemoryStorage()
		t.Cleanup(func() { _ = st.Close() })
		assert.Same(t, Storage(st), WithOperationTimeout(st, 0))
	})

	t.Run("bounds slow calls", func(t *testing.T) {
		t.Parallel()
		slow := &blockingStorage{}
		st := WithOperationTimeout(slow, 20*time.Millisecond)

		start := time.Now()
		_, err := st.GetActiveKey(context.Background(), "acme")
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.WithinDuration(t, start.Add(20*time.Millisecond), slow.deadline, 15*time.Millisecond)
	})

	t.Run("keeps an earlier caller deadline", func(t *testing.T) {
		t.Parallel()
		slow := &blockingStorage{}
		st := WithOperationTimeout(slow, time.Hour)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		want, _ := ctx.Deadline()
		_, err := st.GetActiveKey(ctx, "acme")
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, want, slow.deadline)
	})

	t.Run("passes calls through", func(t *testing.T) {
		t.Parallel()
		mem := NewMemoryStorage()
		st := WithOperationTimeout(mem, time.Second)
		t.Cleanup(func() { _ = st.Close() })
		ctx := context.Background()

		require.NoError(t, st.Health(ctx))
		require.NoError(t, st.CreateClient(ctx, &RegisteredClient{ClientID: "c1", TenantID: "acme"}))
		got, err := st.GetClient(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "acme", got.TenantID)

		counts, err := st.IncrementCounters(ctx, []CounterIncrement{{Key: "k", TTL: time.Minute}})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, counts)
	})
}
