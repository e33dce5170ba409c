// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLoom/services/loom/graph"
)

// fakeEngine is a scriptable engine for handle tests.
type fakeEngine struct {
	pingErr  error
	execErr  error
	executed int
	closed   int
}

func (f *fakeEngine) Execute(_ context.Context, _ *graph.Graph) (Outputs, error) {
	f.executed++
	if f.execErr != nil {
		return nil, f.execErr
	}
	return Outputs{}, nil
}

func (f *fakeEngine) Ping(_ context.Context) error { return f.pingErr }
func (f *fakeEngine) Close() error                 { f.closed++; return nil }

func TestHandle_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("execute before validate is refused", func(t *testing.T) {
		h := NewHandle(&fakeEngine{})
		assert.Equal(t, StateUninitialized, h.State())

		_, err := h.Execute(ctx, graph.New())
		require.ErrorIs(t, err, ErrHandleNotReady)
	})

	t.Run("validate moves to ready", func(t *testing.T) {
		fe := &fakeEngine{}
		h := NewHandle(fe)
		require.NoError(t, h.Validate(ctx))
		assert.Equal(t, StateReady, h.State())

		_, err := h.Execute(ctx, graph.New())
		require.NoError(t, err)
		assert.Equal(t, 1, fe.executed)
	})

	t.Run("failed probe is retryable", func(t *testing.T) {
		fe := &fakeEngine{pingErr: errors.New("connection refused")}
		h := NewHandle(fe)

		require.Error(t, h.Validate(ctx))
		assert.Equal(t, StateFailed, h.State())
		_, err := h.Execute(ctx, graph.New())
		require.ErrorIs(t, err, ErrHandleNotReady)

		// Engine comes back.
		fe.pingErr = nil
		require.NoError(t, h.Validate(ctx))
		assert.Equal(t, StateReady, h.State())
	})

	t.Run("close is terminal and idempotent", func(t *testing.T) {
		fe := &fakeEngine{}
		h := NewHandle(fe)
		require.NoError(t, h.Validate(ctx))

		require.NoError(t, h.Close())
		require.NoError(t, h.Close())
		assert.Equal(t, 1, fe.closed, "underlying engine closed once")
		assert.Equal(t, StateClosed, h.State())

		_, err := h.Execute(ctx, graph.New())
		require.ErrorIs(t, err, ErrHandleClosed)
		require.ErrorIs(t, h.Validate(ctx), ErrHandleClosed)
	})
}

func TestHandle_ConcurrencyCapRespectsContext(t *testing.T) {
	// With a cap of 1 and the only slot held, a second Execute must give
	// up when its context is cancelled instead of waiting forever.
	eng := &blockingEngine{
		release: make(chan struct{}),
		running: make(chan struct{}),
	}
	h := NewHandle(eng, WithMaxConcurrent(1))
	require.NoError(t, h.Validate(context.Background()))

	go func() {
		_, _ = h.Execute(context.Background(), graph.New())
	}()
	<-eng.running

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Execute(ctx, graph.New())
	require.ErrorIs(t, err, context.Canceled)

	close(eng.release)
}

// blockingEngine parks Execute until released.
type blockingEngine struct {
	release chan struct{}
	running chan struct{}
}

func (b *blockingEngine) Execute(_ context.Context, _ *graph.Graph) (Outputs, error) {
	close(b.running)
	<-b.release
	return Outputs{}, nil
}
