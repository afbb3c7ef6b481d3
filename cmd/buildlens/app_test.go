package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structhub/buildlens/config"
	"github.com/structhub/buildlens/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfig_DefaultsWhenNoPath(t *testing.T) {
	cfg, err := loadConfig("", discard())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("BUILDLENS_TEST_NATS_HOST", "nats.internal")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "nats:\n  url: nats://${BUILDLENS_TEST_NATS_HOST}:4222\nserver:\n  addr: \":9090\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := loadConfig(path, discard())
	require.NoError(t, err)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	// Unset sections keep their defaults.
	assert.Equal(t, 2, cfg.Manager.RetryBudget)
}

func TestBuildModelRegistry_DefaultsWithoutTiers(t *testing.T) {
	registry := buildModelRegistry(config.DefaultConfig())
	assert.NotEmpty(t, registry.Resolve(model.TierMedium))
}

func TestBuildModelRegistry_ConfiguredTiers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.Provider = "openai"
	cfg.Model.Endpoint = "http://llm.internal/v1"
	cfg.Model.Tiers = map[string][]string{
		"low":    {"gpt-4o-mini"},
		"medium": {"gpt-4o", "gpt-4o-mini"},
		"high":   {"o3"},
		"ultra":  {"ignored"},
	}

	registry := buildModelRegistry(cfg)

	assert.Equal(t, "gpt-4o", registry.Resolve(model.TierMedium))
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, registry.GetFallbackChain(model.TierMedium))

	ep := registry.GetEndpoint("o3")
	require.NotNil(t, ep)
	assert.Equal(t, "openai", ep.Provider)
	assert.Equal(t, "http://llm.internal/v1", ep.URL)

	// The unknown tier name is dropped rather than routed.
	assert.Nil(t, registry.GetEndpoint("ignored"))
}

func TestApplyModelTiers_Reload(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.Tiers = map[string][]string{"high": {"gpt-4o"}}
	registry := buildModelRegistry(cfg)
	assert.Equal(t, "gpt-4o", registry.Resolve(model.TierHigh))

	reloaded := config.DefaultConfig()
	reloaded.Model.Tiers = map[string][]string{"high": {"o3", "gpt-4o"}}
	applyModelTiers(registry, reloaded)

	assert.Equal(t, "o3", registry.Resolve(model.TierHigh))
	assert.NotNil(t, registry.GetEndpoint("o3"))
}

func TestTierOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Manager.BrainTierOverrides = map[string]string{
		"estimator":   "high",
		"file-reader": "bogus",
	}

	overrides := tierOverrides(cfg)
	assert.Equal(t, model.TierHigh, overrides["estimator"])
	_, ok := overrides["file-reader"]
	assert.False(t, ok)

	assert.Nil(t, tierOverrides(config.DefaultConfig()))
}

func TestExportAPIKey(t *testing.T) {
	t.Setenv("BUILDLENS_API_KEY", "sk-test-123")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := config.DefaultConfig()
	cfg.Model.Provider = "openai"
	exportAPIKey(cfg, discard())

	assert.Equal(t, "sk-test-123", os.Getenv("OPENAI_API_KEY"))
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))

	loaded := make(chan *config.Config, 1)
	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
		select {
		case loaded <- cfg:
		default:
		}
	}, discard())
	require.NoError(t, err)

	ctx := t.Context()
	require.NoError(t, watcher.Start(ctx))
	t.Cleanup(func() { _ = watcher.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9191\"\n"), 0o644))

	select {
	case cfg := <-loaded:
		assert.Equal(t, ":9191", cfg.Server.Addr)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload never fired")
	}
}
