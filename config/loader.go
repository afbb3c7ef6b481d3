package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is searched for upward from the working directory.
	ProjectConfigFile = "buildlens.yaml"
	// UserConfigDir holds the per-user config, relative to $HOME.
	UserConfigDir = ".config/buildlens"
	// UserConfigFile is the per-user config file name.
	UserConfigFile = "config.yaml"
	// EnvConfigPath short-circuits the project config search.
	EnvConfigPath = "BUILDLENS_CONFIG"
	// EnvNATSURL overrides nats.url.
	EnvNATSURL = "BUILDLENS_NATS_URL"
	// EnvModelEndpoint overrides model.endpoint.
	EnvModelEndpoint = "BUILDLENS_MODEL_ENDPOINT"
)

// Loader resolves configuration from layered sources. Precedence, lowest
// to highest: built-in defaults, user config, project config, environment
// overrides.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves and validates the effective configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := l.userConfigPath(); path != "" {
		userCfg, err := LoadFromFile(path)
		switch {
		case err == nil:
			l.logger.Debug("Loaded user config", "path", path)
			cfg.Merge(userCfg)
		case !os.IsNotExist(err):
			l.logger.Warn("Failed to load user config", "path", path, "error", err)
		}
	}

	if path := l.findProjectConfig(); path != "" {
		projectCfg, err := LoadFromFile(path)
		if err != nil {
			l.logger.Warn("Failed to load project config", "path", path, "error", err)
		} else {
			l.logger.Debug("Loaded project config", "path", path)
			cfg.Merge(projectCfg)
		}
	} else {
		l.logger.Debug("No project config found")
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureUserConfig writes a default user config file unless one exists.
func (l *Loader) EnsureUserConfig() error {
	path := l.userConfigPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(path); err != nil {
		return err
	}
	l.logger.Info("Created default user config", "path", path)
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
	}
	if endpoint := os.Getenv(EnvModelEndpoint); endpoint != "" {
		cfg.Model.Endpoint = endpoint
	}
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig walks from the working directory to the filesystem
// root looking for buildlens.yaml. BUILDLENS_CONFIG wins outright.
func (l *Loader) findProjectConfig() string {
	if explicit := os.Getenv(EnvConfigPath); explicit != "" {
		return explicit
	}

	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
