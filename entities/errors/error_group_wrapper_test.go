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

package errors

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorGroupWrapper(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("returns first error", func(t *testing.T) {
		eg := NewErrorGroupWrapper(logger, 2)
		for i := 0; i < 5; i++ {
			i := i
			eg.Go(func() error {
				if i == 3 {
					return fmt.Errorf("failed %d", i)
				}
				return nil
			})
		}
		assert.EqualError(t, eg.Wait(), "failed 3")
	})

	t.Run("turns panics into errors", func(t *testing.T) {
		eg := NewErrorGroupWrapper(logger, 0)
		var ran atomic.Int32
		eg.Go(func() error {
			ran.Add(1)
			panic("boom")
		})
		eg.Go(func() error {
			ran.Add(1)
			return nil
		})

		err := eg.Wait()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, int32(2), ran.Load())
	})
}
