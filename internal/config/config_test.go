package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "#MF", cfg.Scraper.FrameSelector)
	require.True(t, cfg.Scraper.Headless)
	require.Equal(t, 9999, cfg.Scraper.PageSize)
	require.Equal(t, 3, cfg.Job.MaxAttempts)
	require.Equal(t, "ignore", cfg.Readings.ConflictPolicy)
	require.Equal(t, "none", cfg.Snapshot.Provider)
	require.False(t, cfg.PubSub.Enabled)
	require.Equal(t, 60*time.Second, cfg.Scraper.NavTimeout())
	require.Equal(t, time.Second, cfg.Job.BackoffInitial())

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "Asia/Shanghai", loc.String())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
scraper:
  headless: false
  request_qps: 0.5
  max_pages: 10
job:
  provinces: ["湖南省", "广东省"]
  max_attempts: 5
  timezone: UTC
readings:
  conflict_policy: update
db:
  dsn: postgres://localhost/waterwatch
snapshot:
  provider: fs
  dir: /tmp/snaps
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.False(t, cfg.Scraper.Headless)
	require.Equal(t, 0.5, cfg.Scraper.RequestQPS)
	require.Equal(t, []string{"湖南省", "广东省"}, cfg.Job.Provinces)
	require.Equal(t, 5, cfg.Job.MaxAttempts)
	require.Equal(t, "update", cfg.Readings.ConflictPolicy)
	require.Equal(t, "postgres://localhost/waterwatch", cfg.DB.DSN)
	require.Equal(t, "fs", cfg.Snapshot.Provider)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"bad conflict policy", "readings:\n  conflict_policy: merge\n"},
		{"bad snapshot provider", "snapshot:\n  provider: s3\n"},
		{"gcs without bucket", "snapshot:\n  provider: gcs\n"},
		{"zero attempts", "job:\n  max_attempts: 0\n"},
		{"bad timezone", "job:\n  timezone: Mars/Olympus\n"},
		{"pubsub without topic", "pubsub:\n  enabled: true\n  project_id: p\n"},
		{"negative qps", "scraper:\n  request_qps: -1\n"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
