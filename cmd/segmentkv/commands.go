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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/segment"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"gopkg.in/yaml.v2"
)

var errBusy = errors.New("segment is busy, try again later")

type sortedIterator = sorteddata.Iterator[string, string]

// value unwraps the outcome of a segment operation.
func value[T any](res segmentkv.Result[T], err error) (T, error) {
	if err != nil {
		return res.Value, err
	}
	if res.Status == segmentkv.StatusBusy {
		return res.Value, errBusy
	}
	return res.Value, nil
}

type statsCommand struct {
	app *app
}

type statsOutput struct {
	Segment         int      `yaml:"segment"`
	State           string   `yaml:"state"`
	ActiveVersion   uint32   `yaml:"active_version"`
	IndexKeys       int      `yaml:"index_keys"`
	ScarceKeys      int      `yaml:"scarce_keys"`
	DeltaFiles      []string `yaml:"delta_files"`
	DeltaKeys       int      `yaml:"delta_keys"`
	DeltaTombstones int      `yaml:"delta_tombstones"`
	CacheKeys       int      `yaml:"cache_keys"`
	LiveCacheKeys   int      `yaml:"live_cache_keys"`
}

func (c *statsCommand) Execute(args []string) error {
	s, err := c.app.selected(context.Background())
	if err != nil {
		return err
	}

	stats := s.Stats()
	out, err := yaml.Marshal(statsOutput{
		Segment:         stats.ID,
		State:           stats.State.String(),
		ActiveVersion:   stats.ActiveVersion,
		IndexKeys:       stats.IndexKeys,
		ScarceKeys:      stats.ScarceKeys,
		DeltaFiles:      stats.DeltaFiles,
		DeltaKeys:       stats.DeltaKeys,
		DeltaTombstones: stats.DeltaTombstones,
		CacheKeys:       stats.CacheKeys,
		LiveCacheKeys:   stats.LiveCacheKeys,
	})
	if err != nil {
		return err
	}
	_, err = c.app.out.Write(out)
	return err
}

type getCommand struct {
	app  *app
	Args struct {
		Key string `positional-arg-name:"key"`
	} `positional-args:"yes" required:"yes"`
}

func (c *getCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	res, err := s.Get(ctx, c.Args.Key)
	v, err := value(res, err)
	if err != nil {
		return err
	}
	if !res.Found {
		return errors.Errorf("key %q not found", c.Args.Key)
	}
	_, err = fmt.Fprintln(c.app.out, v)
	return err
}

type putCommand struct {
	app  *app
	Args struct {
		Key   string `positional-arg-name:"key"`
		Value string `positional-arg-name:"value"`
	} `positional-args:"yes" required:"yes"`
}

func (c *putCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	_, err = value(s.Put(ctx, c.Args.Key, c.Args.Value))
	return err
}

type deleteCommand struct {
	app  *app
	Args struct {
		Key string `positional-arg-name:"key"`
	} `positional-args:"yes" required:"yes"`
}

func (c *deleteCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	_, err = value(s.Delete(ctx, c.Args.Key))
	return err
}

type dumpCommand struct {
	app       *app
	From      string `long:"from" description:"first key to print"`
	To        string `long:"to" description:"print keys below this one"`
	Isolation string `long:"isolation" choice:"fail-fast" choice:"full" default:"full" description:"full isolation blocks writers while dumping"`
}

func (c *dumpCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	isolation := segment.FullIsolation
	if c.Isolation == "fail-fast" {
		isolation = segment.FailFast
	}

	var res segmentkv.Result[sortedIterator]
	if c.To != "" {
		res, err = s.OpenRangeIterator(ctx, isolation, c.From, c.To)
	} else {
		res, err = s.OpenIterator(ctx, isolation)
	}
	it, err := value(res, err)
	if err != nil {
		return err
	}
	defer it.Close()

	w := bufio.NewWriter(c.app.out)
	for it.Next() {
		e := it.Entry()
		if e.Key < c.From {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", e.Key, e.Value); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return w.Flush()
}

type importCommand struct {
	app  *app
	Args struct {
		File string `positional-arg-name:"file" description:"file with one tab separated key and value per line, stdin if omitted"`
	} `positional-args:"yes"`
}

func (c *importCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	in := c.app.in
	if c.Args.File != "" && c.Args.File != "-" {
		f, err := os.Open(c.Args.File)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	lines := newLineIterator(in)
	n, err := value(s.Import(ctx, lines))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.app.out, "imported %d entries\n", n)
	return err
}

type flushCommand struct {
	app *app
}

func (c *flushCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	_, err = value(s.Flush(ctx))
	return err
}

type compactCommand struct {
	app *app
}

func (c *compactCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	_, err = value(s.Compact(ctx))
	return err
}

type splitCommand struct {
	app  *app
	Args struct {
		UpperID int `positional-arg-name:"upper-segment"`
	} `positional-args:"yes" required:"yes"`
}

func (c *splitCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	result, err := value(s.Split(ctx, c.Args.UpperID))
	if err != nil {
		return err
	}
	if result.Status == segment.SplitStatusCompacted {
		_, err = fmt.Fprintf(c.app.out, "%s: too few keys, segment %d was compacted\n",
			result.Status, s.ID())
		return err
	}
	_, err = fmt.Fprintf(c.app.out, "%s: keys from %q moved to segment %d\n",
		result.Status, result.Boundary, result.UpperID)
	return err
}

type verifyCommand struct {
	app *app
}

func (c *verifyCommand) Execute(args []string) error {
	ctx := context.Background()
	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}

	report, err := value(s.VerifyChunks(ctx))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.app.out, "%d files, %d chunks, %d payload bytes ok\n",
		report.Files, report.Chunks, report.Bytes)
	return err
}

type maintainCommand struct {
	app      *app
	Duration time.Duration `long:"duration" description:"stop after this long, run until interrupted if zero"`
}

func (c *maintainCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	s, err := c.app.selected(ctx)
	if err != nil {
		return err
	}
	if c.app.config.Maintenance.Disabled {
		return errors.New("maintenance is disabled in the configuration")
	}

	cycles := c.app.maintenanceCycles()
	if err := s.RegisterMaintenance(cycles); err != nil {
		return err
	}
	cycles.Start()

	c.app.logger().WithField("action", "maintain").
		WithField("segment", s.ID()).
		WithField("interval", c.app.config.Maintenance.Interval).
		Info("running background maintenance")
	<-ctx.Done()
	return nil
}

// lineIterator reads "key<TAB>value" lines. Empty lines are skipped.
type lineIterator struct {
	scanner *bufio.Scanner
	line    int
	entry   segmentkv.Entry[string, string]
	err     error
}

func newLineIterator(r io.Reader) *lineIterator {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &lineIterator{scanner: scanner}
}

func (l *lineIterator) Next() bool {
	if l.err != nil {
		return false
	}
	for l.scanner.Scan() {
		l.line++
		text := l.scanner.Text()
		if text == "" {
			continue
		}
		key, val, ok := strings.Cut(text, "\t")
		if !ok {
			l.err = errors.Wrapf(segmentkv.ErrInvalidArgument,
				"line %d: expected key and value separated by a tab", l.line)
			return false
		}
		l.entry = segmentkv.NewEntry(key, val)
		return true
	}
	l.err = l.scanner.Err()
	return false
}

func (l *lineIterator) Entry() segmentkv.Entry[string, string] {
	return l.entry
}

func (l *lineIterator) Err() error {
	return l.err
}

func (l *lineIterator) Close() error {
	return nil
}
