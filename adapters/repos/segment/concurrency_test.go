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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

func TestWritesDuringMaintenance(t *testing.T) {
	const (
		writers      = 4
		putsPerWrite = 300
	)

	ctx := context.Background()
	s := openSegment(t, directory.NewInMemory(), 0,
		WithWriteCacheCapacity(32, 64),
		WithBusyTimeout(5*time.Second))

	writerKey := func(w, i int) string {
		return fmt.Sprintf("w%d-%04d", w, i)
	}

	var (
		wg   sync.WaitGroup
		done atomic.Bool
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < putsPerWrite; i++ {
				k := writerKey(w, i)
				res, err := s.Put(ctx, k, k)
				if !assert.NoError(t, err) || !assert.Equal(t, segmentkv.StatusOK, res.Status) {
					return
				}

				got, err := s.Get(ctx, k)
				if assert.NoError(t, err) && assert.Equal(t, segmentkv.StatusOK, got.Status) {
					assert.True(t, got.Found, "own write of %q not visible", k)
					assert.Equal(t, k, got.Value)
				}
			}
		}(w)
	}

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		for round := 0; !done.Load(); round++ {
			var (
				res segmentkv.Result[struct{}]
				err error
			)
			switch round % 3 {
			case 0:
				res, err = s.Flush(ctx)
			case 1:
				res, err = s.Compact(ctx)
			default:
				it, openErr := s.OpenIterator(ctx, FullIsolation)
				if !assert.NoError(t, openErr) {
					return
				}
				if it.Status != segmentkv.StatusOK {
					continue
				}
				var prev string
				for it.Value.Next() {
					k := it.Value.Entry().Key
					assert.Less(t, prev, k)
					prev = k
				}
				assert.NoError(t, it.Value.Err())
				assert.NoError(t, it.Value.Close())
				continue
			}
			if assert.NoError(t, err) {
				assert.Contains(t, []segmentkv.Status{segmentkv.StatusOK, segmentkv.StatusBusy}, res.Status)
			}
		}
	}()

	wg.Wait()
	done.Store(true)
	<-maintenanceDone

	require.Equal(t, GateReady, s.State())
	for w := 0; w < writers; w++ {
		for i := 0; i < putsPerWrite; i++ {
			k := writerKey(w, i)
			assertValue(t, s, k, k)
		}
	}

	mustOK(t)(s.Compact(ctx))
	all := collect(t, openIterator(t, s, FailFast))
	assert.Len(t, all, writers*putsPerWrite)
	mustOK(t)(s.Close(ctx))
}
