// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"flag"

	"github.com/pkg/errors"
)

// Config holds the tunables of the raft log entry storage and its background
// fetch worker.
type Config struct {
	// MultiGetCount bounds the tail gap worth completing with per-entry
	// engine reads instead of issuing another range fetch: a partial result
	// missing fewer than MultiGetCount trailing entries is stitched.
	MultiGetCount uint64 `yaml:"multi_get_count"`

	FetchConcurrency int `yaml:"fetch_concurrency"`
	FetchQueueLength int `yaml:"fetch_queue_length"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Uint64Var(&cfg.MultiGetCount, "raft-log.multi-get-count", 8, "A partial async fetch result missing fewer than this many trailing entries is completed by fetching them one by one from the engine.")
	f.IntVar(&cfg.FetchConcurrency, "raft-log.fetch-concurrency", 2, "Number of goroutines the background raft log fetch worker runs.")
	f.IntVar(&cfg.FetchQueueLength, "raft-log.fetch-queue-length", 1024, "Capacity of the background raft log fetch task queue.")
}

func (cfg *Config) Validate() error {
	if cfg.MultiGetCount == 0 {
		return errors.New("raft-log.multi-get-count must be greater than 0")
	}
	if cfg.FetchConcurrency <= 0 {
		return errors.New("raft-log.fetch-concurrency must be greater than 0")
	}
	if cfg.FetchQueueLength <= 0 {
		return errors.New("raft-log.fetch-queue-length must be greater than 0")
	}
	return nil
}
