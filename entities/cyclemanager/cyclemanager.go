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

package cyclemanager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	enterrors "github.com/weaviate/segmentkv/entities/errors"
	"golang.org/x/sync/errgroup"
)

type (
	// indicates whether a stop was requested, so a long running callback can
	// break early
	ShouldAbortFunc func() bool
	// return value indicates whether actual work was done in the cycle
	CycleCallback func(shouldAbort ShouldAbortFunc) bool
	// removes a registered callback, waiting for it to finish if it is
	// currently running
	UnregisterFunc func(ctx context.Context) error
)

type CycleManager interface {
	Register(id string, callback CycleCallback) UnregisterFunc
	Start()
	// Trigger requests an out-of-band cycle. It never blocks; multiple
	// triggers before the next cycle collapse into one.
	Trigger()
	StopAndWait(ctx context.Context) error
	Running() bool
}

type callbackMeta struct {
	id       string
	callback CycleCallback
	// held for the duration of a single callback run
	running sync.Mutex
}

type cycleManager struct {
	sync.RWMutex

	logger        logrus.FieldLogger
	interval      time.Duration
	routinesLimit int

	nextID    uint64
	callbacks map[uint64]*callbackMeta

	running  bool
	trigger  chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a cycle manager that runs all registered callbacks every
// interval and whenever Trigger is called. Up to routinesLimit callbacks run
// concurrently within a cycle.
func New(interval time.Duration, routinesLimit int, logger logrus.FieldLogger) CycleManager {
	if routinesLimit < 1 {
		routinesLimit = 1
	}

	return &cycleManager{
		logger:        logger,
		interval:      interval,
		routinesLimit: routinesLimit,
		callbacks:     map[uint64]*callbackMeta{},
		trigger:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

func (c *cycleManager) Register(id string, callback CycleCallback) UnregisterFunc {
	c.Lock()
	defer c.Unlock()

	callbackID := c.nextID
	c.nextID++
	meta := &callbackMeta{id: id, callback: callback}
	c.callbacks[callbackID] = meta

	return func(ctx context.Context) error {
		c.Lock()
		delete(c.callbacks, callbackID)
		c.Unlock()

		// wait for a potentially running instance to finish
		done := make(chan struct{})
		go func() {
			meta.running.Lock()
			meta.running.Unlock()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start starts the cycle loop, does not block. Does nothing if the instance
// is already running.
func (c *cycleManager) Start() {
	c.Lock()
	defer c.Unlock()

	if c.running {
		return
	}
	c.running = true

	enterrors.GoWrapper(c.loop, c.logger)
}

func (c *cycleManager) loop() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.trigger:
		}

		// stop has priority over a tick that was ready at the same time
		select {
		case <-c.stop:
			return
		default:
		}

		c.execute()
	}
}

func (c *cycleManager) execute() bool {
	c.RLock()
	metas := make([]*callbackMeta, 0, len(c.callbacks))
	for _, meta := range c.callbacks {
		metas = append(metas, meta)
	}
	c.RUnlock()

	eg := &errgroup.Group{}
	eg.SetLimit(c.routinesLimit)
	lock := new(sync.Mutex)
	executed := false

	for _, meta := range metas {
		meta := meta
		if c.shouldAbort() {
			break
		}

		eg.Go(func() error {
			if !c.isRegistered(meta) {
				return nil
			}

			meta.running.Lock()
			defer meta.running.Unlock()
			defer c.recover(meta.id)

			ex := meta.callback(c.shouldAbort)

			lock.Lock()
			executed = ex || executed
			lock.Unlock()
			return nil
		})
	}

	eg.Wait()
	return executed
}

func (c *cycleManager) isRegistered(meta *callbackMeta) bool {
	c.RLock()
	defer c.RUnlock()

	for _, m := range c.callbacks {
		if m == meta {
			return true
		}
	}
	return false
}

func (c *cycleManager) recover(callbackID string) {
	if r := recover(); r != nil {
		c.logger.WithFields(logrus.Fields{
			"action":      "cyclemanager",
			"callback_id": callbackID,
		}).Errorf("callback panic: %v", r)
	}
}

func (c *cycleManager) shouldAbort() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *cycleManager) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// StopAndWait stops the loop and waits for the running cycle to finish or
// the context to expire, whichever comes first.
func (c *cycleManager) StopAndWait(ctx context.Context) error {
	c.Lock()
	if !c.running {
		c.Unlock()
		return nil
	}
	c.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })

	select {
	case <-c.stopped:
		c.Lock()
		c.running = false
		c.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *cycleManager) Running() bool {
	c.RLock()
	defer c.RUnlock()

	return c.running
}

func NewNoop() CycleManager {
	return &noopCycleManager{}
}

type noopCycleManager struct {
	sync.Mutex
	running bool
}

func (c *noopCycleManager) Register(id string, callback CycleCallback) UnregisterFunc {
	return func(ctx context.Context) error {
		return nil
	}
}

func (c *noopCycleManager) Start() {
	c.Lock()
	defer c.Unlock()
	c.running = true
}

func (c *noopCycleManager) Trigger() {}

func (c *noopCycleManager) StopAndWait(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()
	c.running = false
	return nil
}

func (c *noopCycleManager) Running() bool {
	c.Lock()
	defer c.Unlock()
	return c.running
}
