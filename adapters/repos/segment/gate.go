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

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

type GateState int

const (
	// GateReady admits normal operations.
	GateReady GateState = iota
	// GateFreezing means an exclusive operation was admitted and waits for
	// in-flight normal operations to drain.
	GateFreezing
	// GateExclusive means the holder has sole access.
	GateExclusive
	GateClosed
	GateError
)

func (s GateState) String() string {
	switch s {
	case GateReady:
		return "READY"
	case GateFreezing:
		return "FREEZING"
	case GateExclusive:
		return "EXCLUSIVE"
	case GateClosed:
		return "CLOSED"
	case GateError:
		return "ERROR"
	default:
		return fmt.Sprintf("GateState(%d)", int(s))
	}
}

// Gate arbitrates between normal operations, which may run concurrently, and
// exclusive operations, which need the segment to themselves. Nothing ever
// waits for admission: callers that cannot be admitted get an ErrBusy error
// and decide themselves whether to retry.
type Gate struct {
	mu       sync.Mutex
	state    GateState
	inFlight int
	drained  chan struct{}
	err      error
}

func NewGate() *Gate {
	return &Gate{state: GateReady}
}

func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// Err is the error that moved the gate into GateError.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.err
}

// admissionError must be called with mu held.
func (g *Gate) admissionError() error {
	switch g.state {
	case GateFreezing, GateExclusive:
		return errors.Wrapf(segmentkv.ErrBusy, "segment is %s", g.state)
	case GateClosed:
		return segmentkv.ErrSegmentClosed
	case GateError:
		return errors.Wrap(segmentkv.ErrSegmentFailed, g.err.Error())
	default:
		return nil
	}
}

// TryEnterNormal admits a normal operation, which must be followed by
// ExitNormal.
func (g *Gate) TryEnterNormal() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.admissionError(); err != nil {
		return err
	}
	g.inFlight++
	return nil
}

func (g *Gate) ExitNormal() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight == 0 {
		panic("segment gate: ExitNormal without TryEnterNormal")
	}
	g.inFlight--
	if g.inFlight == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
}

// TryEnterFreezeAndDrain admits an exclusive operation. Only one caller can
// win; everybody else gets false and an ErrBusy error right away. The winner
// waits for in-flight normal operations to finish. If ctx expires while
// draining, the gate returns to GateReady and false is returned.
func (g *Gate) TryEnterFreezeAndDrain(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if err := g.admissionError(); err != nil {
		g.mu.Unlock()
		return false, err
	}

	if g.inFlight == 0 {
		g.state = GateExclusive
		g.mu.Unlock()
		return true, nil
	}

	g.state = GateFreezing
	drained := make(chan struct{})
	g.drained = drained
	g.mu.Unlock()

	select {
	case <-drained:
		g.mu.Lock()
		g.state = GateExclusive
		g.mu.Unlock()
		return true, nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.drained == drained {
			g.drained = nil
		}
		g.state = GateReady
		return false, errors.Wrap(segmentkv.ErrBusy, "draining normal operations")
	}
}

// ReleaseExclusive returns the gate to GateReady. It leaves the terminal
// states alone.
func (g *Gate) ReleaseExclusive() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GateExclusive {
		g.state = GateReady
	}
}

// Fail moves the gate into GateError. Every later admission fails.
func (g *Gate) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GateClosed {
		return
	}
	g.state = GateError
	g.err = err
}

// CloseExclusive moves the gate from GateExclusive to GateClosed.
func (g *Gate) CloseExclusive() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != GateExclusive {
		return errors.Wrapf(segmentkv.ErrInvalidState,
			"close requires exclusive access, gate is %s", g.state)
	}
	g.state = GateClosed
	return nil
}

// RunExclusive runs fn with exclusive access and releases the gate on every
// exit path. A failure of fn moves the gate into GateError unless it merely
// signals contention, cancellation or an abandoned split, in which case
// nothing was published and the gate goes back to GateReady. A panic moves
// the gate into GateError and is passed on.
func (g *Gate) RunExclusive(ctx context.Context, fn func() error) (err error) {
	if ok, err := g.TryEnterFreezeAndDrain(ctx); !ok {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			g.Fail(fmt.Errorf("panic in exclusive section: %v", r))
			panic(r)
		}

		if err != nil && !leavesSegmentIntact(err) {
			g.Fail(err)
			return
		}
		g.ReleaseExclusive()
	}()

	return fn()
}

func leavesSegmentIntact(err error) bool {
	return errors.Is(err, segmentkv.ErrBusy) ||
		errors.Is(err, segmentkv.ErrSplitAborted) ||
		errors.Is(err, segmentkv.ErrInvalidArgument) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
