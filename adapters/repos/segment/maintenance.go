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

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/cyclemanager"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

// RegisterMaintenance lets cycles flush and compact the segment in the
// background. The registration ends when the segment is closed.
func (s *Segment[K, V]) RegisterMaintenance(cycles cyclemanager.CycleManager) error {
	if err := s.admit(); err != nil && !errors.Is(err, segmentkv.ErrBusy) {
		return err
	}

	s.unregisterLock.Lock()
	defer s.unregisterLock.Unlock()

	if s.unregister != nil {
		return errors.Wrapf(segmentkv.ErrInvalidState,
			"maintenance of segment %d is already registered", s.id)
	}
	s.cycles = cycles
	s.unregister = cycles.Register(fmt.Sprintf("segment-%d", s.id), s.maintenanceCycle)
	return nil
}

func (s *Segment[K, V]) triggerMaintenance() {
	s.unregisterLock.Lock()
	cycles := s.cycles
	s.unregisterLock.Unlock()

	if cycles != nil {
		cycles.Trigger()
	}
}

func (s *Segment[K, V]) unregisterMaintenance() {
	s.unregisterLock.Lock()
	unregister := s.unregister
	s.unregister = nil
	s.cycles = nil
	s.unregisterLock.Unlock()

	if unregister == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.busyTimeout)
	defer cancel()
	if err := unregister(ctx); err != nil {
		s.logger.WithField("action", "segment_maintenance").
			WithError(err).
			Warn("could not unregister maintenance cycle")
	}
}

// maintenanceCycle flushes a write cache that reached the flush threshold and
// compacts once the delta cache grew too large. Busy segments are skipped
// until the next cycle.
func (s *Segment[K, V]) maintenanceCycle(shouldAbort cyclemanager.ShouldAbortFunc) bool {
	if shouldAbort() || s.admit() != nil {
		return false
	}

	ctx := context.Background()
	executed := false

	if s.cache.WriteCacheSize() >= s.opts.flushThreshold || s.cache.HasFrozen() {
		if s.runCycleOp(ctx, "flush", s.flush) {
			executed = true
		}
	}

	if shouldAbort() {
		return executed
	}

	if s.cache.DeltaCacheSize() > s.opts.maxKeysInDeltaCache {
		if s.runCycleOp(ctx, "compact", s.compact) {
			executed = true
		}
	}
	return executed
}

func (s *Segment[K, V]) runCycleOp(ctx context.Context, op string,
	fn func(ctx context.Context) error,
) bool {
	err := fn(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, segmentkv.ErrBusy), errors.Is(err, segmentkv.ErrSegmentClosed):
		return false
	default:
		s.logger.WithField("action", "segment_maintenance").
			WithField("operation", op).
			WithError(err).
			Error("background maintenance failed")
		return false
	}
}
