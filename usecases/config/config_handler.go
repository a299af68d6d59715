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

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/adapters/repos/segment"
	"github.com/weaviate/segmentkv/adapters/repos/sorteddata"
	"gopkg.in/yaml.v2"
)

// DefaultConfigFile is the default file when no config file is provided
const DefaultConfigFile string = "./segmentkv.conf.yaml"

const (
	DefaultDataPath            = "./data"
	DefaultMaintenanceInterval = 10 * time.Second
	DefaultMaintenanceRoutines = 2
)

// Flags are input options
type Flags struct {
	ConfigFile string `long:"config-file" description:"path to config file (default: ./segmentkv.conf.yaml)"`
	DataPath   string `long:"data-path" description:"directory that holds one subdirectory per segment"`
	LogLevel   string `long:"log-level" description:"one of trace, debug, info, warning, error"`
}

// Config outline of the config file
type Config struct {
	DataPath    string      `json:"data_path" yaml:"data_path"`
	Chunks      Chunks      `json:"chunks" yaml:"chunks"`
	Cache       Cache       `json:"cache" yaml:"cache"`
	Accelerator Accelerator `json:"accelerator" yaml:"accelerator"`
	Sorter      Sorter      `json:"sorter" yaml:"sorter"`
	Maintenance Maintenance `json:"maintenance" yaml:"maintenance"`
	Logging     Logging     `json:"logging" yaml:"logging"`
}

type Chunks struct {
	BlockSize      int `json:"block_size" yaml:"block_size"`
	MaxKeysInChunk int `json:"max_keys_in_chunk" yaml:"max_keys_in_chunk"`
	// Transforms are applied to every chunk payload in this order, e.g.
	// ["snappy", "xor"]. Existing segments must be read with the transforms
	// they were written with.
	Transforms []string `json:"transforms" yaml:"transforms"`
	Secret     string   `json:"secret" yaml:"secret"`
}

type Cache struct {
	WriteCapacity            int           `json:"write_capacity" yaml:"write_capacity"`
	WriteMaintenanceCapacity int           `json:"write_maintenance_capacity" yaml:"write_maintenance_capacity"`
	FlushThreshold           int           `json:"flush_threshold" yaml:"flush_threshold"`
	MaxKeysInDeltaCache      int           `json:"max_keys_in_delta_cache" yaml:"max_keys_in_delta_cache"`
	BusyTimeout              time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

type Accelerator struct {
	ScarceEvery            int     `json:"scarce_every" yaml:"scarce_every"`
	DisableScarceIndex     bool    `json:"disable_scarce_index" yaml:"disable_scarce_index"`
	DisableBloomFilter     bool    `json:"disable_bloom_filter" yaml:"disable_bloom_filter"`
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate" yaml:"bloom_false_positive_rate"`
}

type Sorter struct {
	MaxKeysInMemory int `json:"max_keys_in_memory" yaml:"max_keys_in_memory"`
	MergeFanIn      int `json:"merge_fan_in" yaml:"merge_fan_in"`
	Parallelism     int `json:"parallelism" yaml:"parallelism"`
}

type Maintenance struct {
	Disabled bool          `json:"disabled" yaml:"disabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Routines int           `json:"routines" yaml:"routines"`
}

type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Validate fills in defaults for everything that was left unset and rejects
// values that cannot be used.
func (c *Config) Validate() error {
	if c.DataPath == "" {
		c.DataPath = DefaultDataPath
	}

	if err := c.Chunks.validate(); err != nil {
		return errors.Wrap(err, "chunks")
	}
	if err := c.Cache.validate(); err != nil {
		return errors.Wrap(err, "cache")
	}
	if err := c.Accelerator.validate(); err != nil {
		return errors.Wrap(err, "accelerator")
	}
	if err := c.Sorter.validate(); err != nil {
		return errors.Wrap(err, "sorter")
	}
	if err := c.Maintenance.validate(); err != nil {
		return errors.Wrap(err, "maintenance")
	}
	if err := c.Logging.validate(); err != nil {
		return errors.Wrap(err, "logging")
	}
	return nil
}

func (c *Chunks) validate() error {
	if c.BlockSize == 0 {
		c.BlockSize = chunkstore.DefaultBlockSize
	}
	if err := chunkstore.ValidateBlockSize(c.BlockSize); err != nil {
		return err
	}

	if c.MaxKeysInChunk == 0 {
		c.MaxKeysInChunk = sorteddata.DefaultMaxKeysInChunk
	}
	if c.MaxKeysInChunk < 0 {
		return fmt.Errorf("max_keys_in_chunk must be positive, got %d", c.MaxKeysInChunk)
	}

	_, err := chunkstore.NewPipelines(c.Transforms, c.Secret)
	return err
}

func (c *Cache) validate() error {
	if c.WriteCapacity == 0 {
		c.WriteCapacity = segment.DefaultWriteCacheCapacity
	}
	if c.WriteMaintenanceCapacity == 0 {
		c.WriteMaintenanceCapacity = 2 * c.WriteCapacity
	}
	if c.FlushThreshold == 0 {
		c.FlushThreshold = c.WriteCapacity / 2
		if c.FlushThreshold == 0 {
			c.FlushThreshold = 1
		}
	}
	if c.MaxKeysInDeltaCache == 0 {
		c.MaxKeysInDeltaCache = segment.DefaultMaxKeysInDeltaCache
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = segment.DefaultBusyTimeout
	}

	if c.WriteCapacity < 0 {
		return fmt.Errorf("write_capacity must be positive, got %d", c.WriteCapacity)
	}
	if c.WriteMaintenanceCapacity < c.WriteCapacity {
		return fmt.Errorf("write_maintenance_capacity %d is below write_capacity %d",
			c.WriteMaintenanceCapacity, c.WriteCapacity)
	}
	if c.FlushThreshold < 0 || c.FlushThreshold > c.WriteCapacity {
		return fmt.Errorf("flush_threshold must be in [1, %d], got %d",
			c.WriteCapacity, c.FlushThreshold)
	}
	if c.MaxKeysInDeltaCache < 0 {
		return fmt.Errorf("max_keys_in_delta_cache must be positive, got %d", c.MaxKeysInDeltaCache)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must be positive, got %s", c.BusyTimeout)
	}
	return nil
}

func (a *Accelerator) validate() error {
	if a.ScarceEvery == 0 {
		a.ScarceEvery = segment.DefaultScarceEvery
	}
	if a.BloomFalsePositiveRate == 0 {
		a.BloomFalsePositiveRate = segment.DefaultBloomFalsePositiveRate
	}

	if a.ScarceEvery < 0 {
		return fmt.Errorf("scarce_every must be positive, got %d", a.ScarceEvery)
	}
	if a.BloomFalsePositiveRate < 0 || a.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("bloom_false_positive_rate must be in (0, 1), got %v",
			a.BloomFalsePositiveRate)
	}
	return nil
}

func (s *Sorter) validate() error {
	if s.MaxKeysInMemory < 0 || s.MergeFanIn < 0 || s.Parallelism < 0 {
		return fmt.Errorf("sorter settings must not be negative")
	}
	if s.MergeFanIn == 1 {
		return fmt.Errorf("merge_fan_in must be at least 2")
	}
	return nil
}

func (m *Maintenance) validate() error {
	if m.Interval == 0 {
		m.Interval = DefaultMaintenanceInterval
	}
	if m.Routines == 0 {
		m.Routines = DefaultMaintenanceRoutines
	}
	if m.Interval < 0 {
		return fmt.Errorf("interval must be positive, got %s", m.Interval)
	}
	if m.Routines < 0 {
		return fmt.Errorf("routines must be positive, got %d", m.Routines)
	}
	return nil
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return err
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("format must be json or text, got %q", l.Format)
	}
	return nil
}

// NewLogger builds a logger with the configured level and format. Defaults to
// log level info and json format.
func (l Logging) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if l.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// SegmentOptions translates a validated config into options for
// segment.Open.
func (c Config) SegmentOptions(logger logrus.FieldLogger, metrics *segment.Metrics) ([]segment.Option, error) {
	pipelines, err := chunkstore.NewPipelines(c.Chunks.Transforms, c.Chunks.Secret)
	if err != nil {
		return nil, configErr(err)
	}

	opts := []segment.Option{
		segment.WithLogger(logger),
		segment.WithMetrics(metrics),
		segment.WithBlockSize(c.Chunks.BlockSize),
		segment.WithChunkPipelines(pipelines),
		segment.WithMaxKeysInChunk(c.Chunks.MaxKeysInChunk),
		segment.WithWriteCacheCapacity(c.Cache.WriteCapacity, c.Cache.WriteMaintenanceCapacity),
		segment.WithFlushThreshold(c.Cache.FlushThreshold),
		segment.WithMaxKeysInDeltaCache(c.Cache.MaxKeysInDeltaCache),
		segment.WithBusyTimeout(c.Cache.BusyTimeout),
		segment.WithScarceEvery(c.Accelerator.ScarceEvery),
		segment.WithBloomFalsePositiveRate(c.Accelerator.BloomFalsePositiveRate),
		segment.WithSorterConfig(sorteddata.SorterConfig{
			MaxKeysInMemory: c.Sorter.MaxKeysInMemory,
			MergeFanIn:      c.Sorter.MergeFanIn,
			Parallelism:     c.Sorter.Parallelism,
		}),
	}
	if c.Accelerator.DisableScarceIndex {
		opts = append(opts, segment.WithoutScarceIndex())
	}
	if c.Accelerator.DisableBloomFilter {
		opts = append(opts, segment.WithoutBloomFilter())
	}
	return opts, nil
}

// LoadConfig reads the config file named in the flags, if it exists, then
// applies the environment and finally the flags. The result is validated.
func LoadConfig(flags *Flags, logger logrus.FieldLogger) (Config, error) {
	var config Config

	configFileName := flags.ConfigFile
	if configFileName == "" {
		configFileName = DefaultConfigFile
	}

	file, err := os.ReadFile(configFileName)
	if err != nil && (flags.ConfigFile != "" || !os.IsNotExist(err)) {
		return config, configErr(errors.Wrapf(err, "read config file %q", configFileName))
	}

	if len(file) > 0 {
		logger.WithField("action", "config_load").
			WithField("config_file_path", configFileName).
			Debug("loading config file")
		config, err = parseConfigFile(file, configFileName)
		if err != nil {
			return config, configErr(err)
		}
	}

	if err := FromEnv(&config); err != nil {
		return config, configErr(err)
	}

	fromFlags(&config, flags)

	if err := config.Validate(); err != nil {
		return config, configErr(err)
	}
	return config, nil
}

func parseConfigFile(file []byte, name string) (Config, error) {
	var config Config

	m := regexp.MustCompile(`.*\.(\w+)$`).FindStringSubmatch(name)
	if len(m) < 2 {
		return config, fmt.Errorf("config file does not have a file ending, got '%s'", name)
	}

	switch m[1] {
	case "yaml", "yml":
		if err := yaml.UnmarshalStrict(file, &config); err != nil {
			return config, fmt.Errorf("error unmarshalling the yaml config file: %w", err)
		}
	default:
		return config, fmt.Errorf("unsupported config file extension '%s', use .yaml", m[1])
	}

	return config, nil
}

func fromFlags(config *Config, flags *Flags) {
	if flags.DataPath != "" {
		config.DataPath = flags.DataPath
	}
	if flags.LogLevel != "" {
		config.Logging.Level = flags.LogLevel
	}
}

func configErr(err error) error {
	return fmt.Errorf("invalid config: %w", err)
}
