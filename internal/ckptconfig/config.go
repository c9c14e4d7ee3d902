// Package ckptconfig parses the blobcr environment variable contract
// (spec.md §6) into a typed, validated Config, following the reference
// module's convention (see microbatch.BatcherConfig) of a plain config
// struct with documented defaults. Invalid combinations are corrected
// rather than rejected; nothing here panics.
package ckptconfig

import (
	"fmt"
	"os"
	"strconv"
)

const (
	// DefaultCOWSizeLog2 is the default log2(bytes) for the COW pool (128 MiB).
	DefaultCOWSizeLog2 = 27

	// BumpAllocatorSize is the fixed size of the metadata bump allocator (512 MiB).
	BumpAllocatorSize = 1 << 29
)

// Config is the resolved, validated configuration for one rank's
// checkpointer, built from the environment variables in spec.md §6.
type Config struct {
	// PathPrefix is CKPT_PATH_PREFIX: directory for checkpoint/replica files.
	PathPrefix string
	// LogPrefix is CKPT_LOG_PREFIX: directory for per-rank log files, or ""
	// to log to stderr.
	LogPrefix string
	// COWSizeLog2 is CKPT_MAX_COW_SIZE: log2(bytes) of the COW pool.
	COWSizeLog2 uint
	// Incremental is INCREMENTAL_FLAG.
	Incremental bool
	// AccessOrder is ACCESS_ORDER_FLAG.
	AccessOrder bool
	// Dedup is DEDUP_FLAG.
	Dedup bool
	// GlobalDedup is GLOBAL_DEDUP_FLAG (requires Dedup).
	GlobalDedup bool
	// ReplicationFactor is REPLICATION_FACTOR (k); <= 1 disables replication.
	ReplicationFactor int
}

// COWPoolBytes returns the configured COW pool size in bytes.
func (c Config) COWPoolBytes() uint64 {
	return uint64(1) << c.COWSizeLog2
}

// ReplicationEnabled reports whether the configuration calls for replication.
func (c Config) ReplicationEnabled() bool {
	return c.ReplicationFactor > 1
}

// FromEnv reads the blobcr environment variable contract from the process
// environment. Invalid individual values silently fall back to their
// documented default, matching the "ignored" error policy for
// misconfiguration that spec.md §7 applies to other inputs; the one
// exception is GLOBAL_DEDUP_FLAG without DEDUP_FLAG, which is corrected
// rather than rejected (global dedup implies local dedup).
func FromEnv() Config {
	c := Config{
		PathPrefix:        getEnvDefault("CKPT_PATH_PREFIX", "/tmp"),
		LogPrefix:         os.Getenv("CKPT_LOG_PREFIX"),
		COWSizeLog2:       getEnvUintDefault("CKPT_MAX_COW_SIZE", DefaultCOWSizeLog2),
		Incremental:       getEnvBool("INCREMENTAL_FLAG"),
		AccessOrder:       getEnvBool("ACCESS_ORDER_FLAG"),
		Dedup:             getEnvBool("DEDUP_FLAG"),
		GlobalDedup:       getEnvBool("GLOBAL_DEDUP_FLAG"),
		ReplicationFactor: getEnvIntDefault("REPLICATION_FACTOR", 0),
	}
	if c.GlobalDedup {
		c.Dedup = true
	}
	if c.ReplicationFactor < 0 {
		c.ReplicationFactor = 0
	}
	return c
}

func getEnvDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func getEnvBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getEnvUintDefault(name string, def uint) uint {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return def
	}
	return uint(n)
}

func getEnvIntDefault(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// String renders the configuration for diagnostic logging.
func (c Config) String() string {
	return fmt.Sprintf(
		"path_prefix=%s cow_size=2^%d incremental=%v access_order=%v dedup=%v global_dedup=%v replication=%d",
		c.PathPrefix, c.COWSizeLog2, c.Incremental, c.AccessOrder, c.Dedup, c.GlobalDedup, c.ReplicationFactor,
	)
}
