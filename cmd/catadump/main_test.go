package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catadump/pkg/domain"
	"catadump/pkg/export"
)

func TestLoadConfig_FlagOverrides(t *testing.T) {
	opts := Opts{
		APIKey:    "flag-key",
		RateLimit: 5,
		CacheDir:  "/tmp/cache",
		Output:    "/tmp/out",
		Format:    "json",
		Delimiter: ";",
		Prefix:    "moby_",
		Discord:   "https://discord.com/api/webhooks/1/token",
	}
	cfg, err := loadConfig(opts)
	require.NoError(t, err)

	assert.Equal(t, "flag-key", cfg.API.Key)
	assert.Equal(t, 5*time.Second, cfg.API.RateLimit)
	assert.Equal(t, "/tmp/cache", cfg.Cache.Dir)
	assert.Equal(t, "/tmp/out", cfg.Output.Dir)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.Equal(t, ";", cfg.Output.Delimiter)
	assert.Equal(t, "moby_", cfg.Output.Prefix)
	assert.Equal(t, "https://discord.com/api/webhooks/1/token", cfg.Notify.DiscordWebhook)
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  key: file-key\n  page_size: 50\n"), 0o600))

	cfg, err := loadConfig(Opts{Config: path, RateLimit: 3})
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.API.Key, "file value kept when no flag overrides it")
	assert.Equal(t, 50, cfg.API.PageSize)
	assert.Equal(t, 3*time.Second, cfg.API.RateLimit, "flag wins over file")
}

func TestLoadConfig_KeyRequired(t *testing.T) {
	t.Setenv("MOBY_API_KEY", "")

	_, err := loadConfig(Opts{Games: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")

	_, err = loadConfig(Opts{Platforms: true})
	assert.NoError(t, err, "listing platforms works without a key check upfront")

	t.Setenv("MOBY_API_KEY", "env-key")
	cfg, err := loadConfig(Opts{Games: 3})
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.API.Key)
}

func TestLoadConfig_OverridesValidated(t *testing.T) {
	t.Run("multi-char delimiter rejected", func(t *testing.T) {
		_, err := loadConfig(Opts{APIKey: "k", Delimiter: ";;"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "delimiter")
	})

	t.Run("dropbox flag without credentials rejected", func(t *testing.T) {
		_, err := loadConfig(Opts{APIKey: "k", Dropbox: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dropbox")
	})
}

func TestFilterRange(t *testing.T) {
	platforms := []domain.Platform{
		{PlatformID: 2, PlatformName: "DOS"},
		{PlatformID: 3, PlatformName: "Linux"},
		{PlatformID: 57, PlatformName: "PSP"},
	}

	t.Run("no bounds", func(t *testing.T) {
		assert.Len(t, filterRange(platforms, nil), 3)
		assert.Len(t, filterRange(platforms, []int64{5}), 3)
	})

	t.Run("inclusive bounds", func(t *testing.T) {
		got := filterRange(platforms, []int64{2, 3})
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got[0].PlatformID)
		assert.Equal(t, int64(3), got[1].PlatformID)
	})

	t.Run("empty match keeps all", func(t *testing.T) {
		assert.Len(t, filterRange(platforms, []int64{100, 200}), 3)
	})
}

func TestPlatformName(t *testing.T) {
	platforms := []domain.Platform{{PlatformID: 3, PlatformName: "Linux"}}
	assert.Equal(t, "Linux", platformName(platforms, 3))
	assert.Equal(t, "platform 99", platformName(platforms, 99))
}

func TestOutputFormat(t *testing.T) {
	assert.Equal(t, export.FormatDelimited, outputFormat("delimited"))
	assert.Equal(t, export.FormatJSON, outputFormat("json"))
	assert.Equal(t, export.FormatBoth, outputFormat("both"))
	assert.Equal(t, export.FormatNone, outputFormat("none"))
	assert.Equal(t, export.FormatNone, outputFormat(""))
}
