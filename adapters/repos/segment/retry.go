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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

const (
	busyInitialInterval = 2 * time.Millisecond
	busyMaxInterval     = 100 * time.Millisecond
)

// After ctx is done the backoff.BackOff returns Stop. It never stops on
// elapsed time alone.
func newBusyBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = busyInitialInterval
	eb.MaxInterval = busyMaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(eb, ctx)
}

// retryBusy retries op for as long as it fails with ErrBusy and ctx is not
// done. Any other error ends the retries immediately. If ctx ends the retries,
// the last ErrBusy is returned.
func retryBusy(ctx context.Context, op func(ctx context.Context) error) error {
	var lastBusy error

	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, segmentkv.ErrBusy) {
			lastBusy = err
			return err
		}
		return backoff.Permanent(err)
	}, newBusyBackoff(ctx))

	if err != nil && ctx.Err() != nil && lastBusy != nil {
		return lastBusy
	}
	return err
}
