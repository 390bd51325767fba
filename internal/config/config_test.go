package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INSTALL_ROOT", "/opt/rx")
	t.Setenv("PUBLOG_ARCHIVE_LOCATION", "")

	cfg := Load()
	require.Equal(t, 30*time.Minute, cfg.ReapTime)
	require.Equal(t, DefaultDemandGenerator, cfg.DemandGenerator)
	require.Equal(t, 10*time.Minute, cfg.CommitTimeout)
	require.Equal(t, filepath.Join("/opt/rx", "rxpublisher", "archive"), cfg.ArchiveDir)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REAP_TIME", "90s")
	t.Setenv("COMMIT_TIMEOUT", "2m")
	t.Setenv("EDITIONS_FILE", "/etc/publisher/editions.json")
	t.Setenv("STATUS_FLUSH_BATCH", "25")
	t.Setenv("PUBLOG_ARCHIVE_LOCATION", "/var/archive")
	t.Setenv("ARCHIVE_S3_PATH_STYLE", "true")
	t.Setenv("DEMAND_RATE_LIMIT_REFILL_PER_SEC", "not-a-number")

	cfg := Load()
	require.Equal(t, 90*time.Second, cfg.ReapTime)
	require.Equal(t, 25, cfg.FlushBatchSize)
	require.Equal(t, "/var/archive", cfg.ArchiveDir)
	require.True(t, cfg.ArchiveS3PathStyle)
	require.Equal(t, 20.0, cfg.DemandRateRefill)
	require.Equal(t, 2*time.Minute, cfg.CommitTimeout)
	require.Equal(t, "/etc/publisher/editions.json", cfg.EditionsFile)
}
