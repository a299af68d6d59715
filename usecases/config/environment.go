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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const envPrefix = "SEGMENTKV_"

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those that
// are set
func FromEnv(config *Config) error {
	if v := getenv("DATA_PATH"); v != "" {
		config.DataPath = v
	}

	if err := parsePositiveInt("BLOCK_SIZE", func(val int) {
		config.Chunks.BlockSize = val
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("MAX_KEYS_IN_CHUNK", func(val int) {
		config.Chunks.MaxKeysInChunk = val
	}); err != nil {
		return err
	}
	if v := getenv("CHUNK_TRANSFORMS"); v != "" {
		config.Chunks.Transforms = splitList(v)
	}
	if v := getenv("CHUNK_SECRET"); v != "" {
		config.Chunks.Secret = v
	}

	if err := parsePositiveInt("WRITE_CACHE_CAPACITY", func(val int) {
		config.Cache.WriteCapacity = val
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("WRITE_CACHE_MAINTENANCE_CAPACITY", func(val int) {
		config.Cache.WriteMaintenanceCapacity = val
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("FLUSH_THRESHOLD", func(val int) {
		config.Cache.FlushThreshold = val
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("MAX_KEYS_IN_DELTA_CACHE", func(val int) {
		config.Cache.MaxKeysInDeltaCache = val
	}); err != nil {
		return err
	}
	if err := parsePositiveDuration("BUSY_TIMEOUT", func(val time.Duration) {
		config.Cache.BusyTimeout = val
	}); err != nil {
		return err
	}

	if err := parsePositiveInt("SCARCE_EVERY", func(val int) {
		config.Accelerator.ScarceEvery = val
	}); err != nil {
		return err
	}
	if enabled(getenv("DISABLE_SCARCE_INDEX")) {
		config.Accelerator.DisableScarceIndex = true
	}
	if enabled(getenv("DISABLE_BLOOM_FILTER")) {
		config.Accelerator.DisableBloomFilter = true
	}
	if v := getenv("BLOOM_FALSE_POSITIVE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "parse %sBLOOM_FALSE_POSITIVE_RATE as float", envPrefix)
		}
		config.Accelerator.BloomFalsePositiveRate = rate
	}

	if err := parsePositiveInt("SORTER_MAX_KEYS_IN_MEMORY", func(val int) {
		config.Sorter.MaxKeysInMemory = val
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("SORTER_MERGE_FAN_IN", func(val int) {
		config.Sorter.MergeFanIn = val
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("SORTER_PARALLELISM", func(val int) {
		config.Sorter.Parallelism = val
	}); err != nil {
		return err
	}

	if enabled(getenv("DISABLE_MAINTENANCE")) {
		config.Maintenance.Disabled = true
	}
	if err := parsePositiveDuration("MAINTENANCE_INTERVAL", func(val time.Duration) {
		config.Maintenance.Interval = val
	}); err != nil {
		return err
	}
	if err := parsePositiveInt("MAINTENANCE_ROUTINES", func(val int) {
		config.Maintenance.Routines = val
	}); err != nil {
		return err
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	return nil
}

func getenv(name string) string {
	return os.Getenv(envPrefix + name)
}

func parsePositiveInt(name string, cb func(val int)) error {
	v := getenv(name)
	if v == "" {
		return nil
	}

	asInt, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s%s as int", envPrefix, name)
	}
	if asInt <= 0 {
		return errors.Errorf("%s%s must be an integer greater than 0. Got: %v",
			envPrefix, name, asInt)
	}

	cb(asInt)
	return nil
}

func parsePositiveDuration(name string, cb func(val time.Duration)) error {
	v := getenv(name)
	if v == "" {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s%s as duration", envPrefix, name)
	}
	if d <= 0 {
		return errors.Errorf("%s%s must be a duration greater than 0. Got: %s",
			envPrefix, name, d)
	}

	cb(d)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func enabled(value string) bool {
	if value == "" {
		return false
	}

	if value == "on" ||
		value == "enabled" ||
		value == "1" ||
		value == "true" {
		return true
	}

	return false
}
