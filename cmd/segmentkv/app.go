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

package main

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/directory"
	"github.com/weaviate/segmentkv/adapters/repos/segment"
	"github.com/weaviate/segmentkv/entities/cyclemanager"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/entities/typedesc"
	"github.com/weaviate/segmentkv/usecases/config"
	"github.com/weaviate/segmentkv/usecases/monitoring"
)

type stringSegment = segment.Segment[string, string]

// app holds what the commands of one invocation share. Segments opened
// through it are closed by shutdown.
type app struct {
	in   io.Reader
	out  io.Writer
	opts Options

	config  config.Config
	log     *logrus.Logger
	root    directory.Directory
	metrics *segment.Metrics

	mu       sync.Mutex
	segments []*stringSegment
	cycles   cyclemanager.CycleManager
}

func newApp(in io.Reader, out io.Writer) *app {
	return &app{in: in, out: out}
}

func (a *app) logger() logrus.FieldLogger {
	if a.log == nil {
		return logrus.New()
	}
	return a.log
}

// setup loads the configuration. It runs once the flags are parsed.
func (a *app) setup() error {
	if a.root != nil {
		return nil
	}

	cfg, err := config.LoadConfig(&a.opts.Flags, a.logger())
	if err != nil {
		return err
	}
	a.config = cfg
	a.log = cfg.Logging.NewLogger()

	root, err := directory.NewOS(cfg.DataPath)
	if err != nil {
		return errors.Wrapf(err, "open data path %q", cfg.DataPath)
	}
	a.root = root

	// metrics are collected for the log output but not exposed
	prom := monitoring.NewPrometheusMetrics(monitoring.NoopPrometheusRegistry())
	a.metrics = segment.NewMetrics(prom, cfg.DataPath)
	return nil
}

func (a *app) openSegment(ctx context.Context, id int) (*stringSegment, error) {
	if err := a.setup(); err != nil {
		return nil, err
	}

	desc, err := typedesc.ByName(a.opts.Type)
	if err != nil {
		return nil, err
	}
	opts, err := a.config.SegmentOptions(a.log, a.metrics)
	if err != nil {
		return nil, err
	}

	s, err := segment.Open(ctx, a.root, id, desc, desc, opts...)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.segments = append(a.segments, s)
	a.mu.Unlock()
	return s, nil
}

// selected opens the segment chosen with --segment.
func (a *app) selected(ctx context.Context) (*stringSegment, error) {
	return a.openSegment(ctx, a.opts.Segment)
}

func (a *app) maintenanceCycles() cyclemanager.CycleManager {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cycles == nil {
		a.cycles = cyclemanager.New(a.config.Maintenance.Interval,
			a.config.Maintenance.Routines, a.log)
	}
	return a.cycles
}

// shutdown stops background maintenance and closes every opened segment, which
// flushes their write caches. It may be called more than once.
func (a *app) shutdown() {
	a.mu.Lock()
	segments := a.segments
	cycles := a.cycles
	a.segments = nil
	a.cycles = nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cycles != nil {
		if err := cycles.StopAndWait(ctx); err != nil {
			a.logger().WithField("action", "shutdown").
				WithError(err).
				Warn("maintenance did not stop in time")
		}
	}

	for _, s := range segments {
		res, err := s.Close(ctx)
		if err != nil || res.Status != segmentkv.StatusOK {
			a.logger().WithField("action", "shutdown").
				WithField("segment", s.ID()).
				WithField("status", res.Status).
				WithError(err).
				Error("could not close segment")
		}
	}
}
