// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	var cfg Config
	flagext.DefaultValues(&cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, uint64(8), cfg.MultiGetCount)

	cfg.MultiGetCount = 0
	require.Error(t, cfg.Validate())

	flagext.DefaultValues(&cfg)
	cfg.FetchConcurrency = 0
	require.Error(t, cfg.Validate())

	flagext.DefaultValues(&cfg)
	cfg.FetchQueueLength = -1
	require.Error(t, cfg.Validate())
}
