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

package segmentkv

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is returned for bad arguments and invalid
	// configuration. It is never retryable.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfOrder is returned when keys are fed to a sorted writer in
	// anything but strictly ascending order.
	ErrOutOfOrder = errors.New("keys out of order")

	// ErrCorrupted marks a structural integrity violation, such as a CRC
	// mismatch, a bad magic number, a malformed diff-key stream or an active
	// version mismatch that could not be recovered.
	ErrCorrupted = errors.New("data corrupted")

	// ErrFilterMismatch is returned when a chunk is decoded with a filter list
	// that is not the exact inverse of the one it was encoded with.
	ErrFilterMismatch = errors.New("chunk filter mismatch")

	// ErrInvalidState marks a lifecycle programming error, e.g. writing to a
	// closed writer or opening a segment twice.
	ErrInvalidState = errors.New("invalid state")

	// ErrSegmentClosed is returned for any operation on a closed segment.
	ErrSegmentClosed = errors.New("segment is closed")

	// ErrSegmentFailed is returned for operations on a segment that is in the
	// ERROR state.
	ErrSegmentFailed = errors.New("segment is in error state")

	// ErrBusy signals contention or backpressure. The caller may retry.
	ErrBusy = errors.New("busy")

	// ErrSplitAborted is returned when a split could not complete. Partial
	// state has been discarded and the original segment is untouched; callers
	// must not retry into the abandoned attempt.
	ErrSplitAborted = errors.New("split aborted")

	// ErrConcurrentModification is reported by fail-fast iterators when the
	// segment changed underneath them.
	ErrConcurrentModification = errors.New("segment modified during iteration")
)

// IsRetryable reports whether err represents contention rather than a hard
// failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrConcurrentModification)
}
