//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package segment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

func TestGateNormalOperations(t *testing.T) {
	g := NewGate()

	require.NoError(t, g.TryEnterNormal())
	require.NoError(t, g.TryEnterNormal())
	assert.Equal(t, GateReady, g.State())
	g.ExitNormal()
	g.ExitNormal()

	assert.Panics(t, g.ExitNormal)
}

func TestGateExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("only one exclusive holder", func(t *testing.T) {
		g := NewGate()

		ok, err := g.TryEnterFreezeAndDrain(ctx)
		require.True(t, ok)
		require.NoError(t, err)
		assert.Equal(t, GateExclusive, g.State())

		ok, err = g.TryEnterFreezeAndDrain(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, segmentkv.ErrBusy)
		assert.ErrorIs(t, g.TryEnterNormal(), segmentkv.ErrBusy)

		g.ReleaseExclusive()
		assert.Equal(t, GateReady, g.State())
		require.NoError(t, g.TryEnterNormal())
		g.ExitNormal()
	})

	t.Run("waits for normal operations to drain", func(t *testing.T) {
		g := NewGate()
		require.NoError(t, g.TryEnterNormal())

		entered := make(chan struct{})
		go func() {
			ok, _ := g.TryEnterFreezeAndDrain(ctx)
			if ok {
				close(entered)
			}
		}()

		require.Eventually(t, func() bool {
			return g.State() == GateFreezing
		}, time.Second, time.Millisecond)
		assert.ErrorIs(t, g.TryEnterNormal(), segmentkv.ErrBusy)

		select {
		case <-entered:
			t.Fatal("entered exclusive mode before normal operation finished")
		default:
		}

		g.ExitNormal()
		<-entered
		assert.Equal(t, GateExclusive, g.State())
	})

	t.Run("gives up draining when ctx expires", func(t *testing.T) {
		g := NewGate()
		require.NoError(t, g.TryEnterNormal())

		ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		ok, err := g.TryEnterFreezeAndDrain(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, segmentkv.ErrBusy)
		assert.Equal(t, GateReady, g.State())

		g.ExitNormal()
		ok, err = g.TryEnterFreezeAndDrain(context.Background())
		assert.True(t, ok)
		assert.NoError(t, err)
	})
}

func TestGateRunExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("success releases", func(t *testing.T) {
		g := NewGate()
		require.NoError(t, g.RunExclusive(ctx, func() error {
			assert.Equal(t, GateExclusive, g.State())
			return nil
		}))
		assert.Equal(t, GateReady, g.State())
	})

	t.Run("contention and aborted splits release", func(t *testing.T) {
		for _, sentinel := range []error{
			segmentkv.ErrBusy,
			segmentkv.ErrSplitAborted,
			context.Canceled,
		} {
			g := NewGate()
			err := g.RunExclusive(ctx, func() error { return sentinel })
			assert.ErrorIs(t, err, sentinel)
			assert.Equal(t, GateReady, g.State())
		}
	})

	t.Run("other errors move into the error state", func(t *testing.T) {
		g := NewGate()
		failure := errors.New("disk on fire")

		err := g.RunExclusive(ctx, func() error { return failure })
		assert.Equal(t, failure, err)
		assert.Equal(t, GateError, g.State())
		assert.Equal(t, failure, g.Err())

		assert.ErrorIs(t, g.TryEnterNormal(), segmentkv.ErrSegmentFailed)
		ok, err := g.TryEnterFreezeAndDrain(ctx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, segmentkv.ErrSegmentFailed)
	})

	t.Run("panics move into the error state and are passed on", func(t *testing.T) {
		g := NewGate()

		assert.PanicsWithValue(t, "boom", func() {
			g.RunExclusive(ctx, func() error { panic("boom") })
		})
		assert.Equal(t, GateError, g.State())
	})

	t.Run("busy gate does not run fn", func(t *testing.T) {
		g := NewGate()
		require.NoError(t, g.TryEnterNormal())
		defer g.ExitNormal()

		ctx, cancel := context.WithCancel(ctx)
		cancel()

		ran := false
		err := g.RunExclusive(ctx, func() error {
			ran = true
			return nil
		})
		assert.ErrorIs(t, err, segmentkv.ErrBusy)
		assert.False(t, ran)
		assert.Equal(t, GateReady, g.State())
	})
}

func TestGateClose(t *testing.T) {
	g := NewGate()
	assert.ErrorIs(t, g.CloseExclusive(), segmentkv.ErrInvalidState)

	ok, _ := g.TryEnterFreezeAndDrain(context.Background())
	require.True(t, ok)
	require.NoError(t, g.CloseExclusive())
	assert.Equal(t, GateClosed, g.State())

	assert.ErrorIs(t, g.TryEnterNormal(), segmentkv.ErrSegmentClosed)

	g.Fail(errors.New("too late"))
	assert.Equal(t, GateClosed, g.State())
}
