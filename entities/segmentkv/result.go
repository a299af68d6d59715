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

// Status is the outcome class of a segment operation. Callers must treat
// StatusBusy as retryable and StatusError as terminal for the segment.
type Status int

const (
	StatusOK Status = iota
	StatusBusy
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "BUSY"
	case StatusClosed:
		return "CLOSED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Result carries the status of an operation and an optional value. Found is
// only meaningful for lookups.
type Result[T any] struct {
	Status Status
	Value  T
	Found  bool
}

func OK[T any](v T) Result[T] {
	return Result[T]{Status: StatusOK, Value: v, Found: true}
}

func NotFound[T any]() Result[T] {
	return Result[T]{Status: StatusOK}
}

func Busy[T any]() Result[T] {
	return Result[T]{Status: StatusBusy}
}

func Closed[T any]() Result[T] {
	return Result[T]{Status: StatusClosed}
}

func Failed[T any]() Result[T] {
	return Result[T]{Status: StatusError}
}

func (r Result[T]) IsOK() bool {
	return r.Status == StatusOK
}

func (r Result[T]) IsBusy() bool {
	return r.Status == StatusBusy
}
