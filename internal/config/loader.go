package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory path is
// accepted and resolves to config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation before parsing.
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	// Hash-verify the config file if a .checksums manifest exists next to it.
	if err := VerifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = defaults.Service.LockPath
	}

	if cfg.Worker.Python == "" {
		cfg.Worker.Python = defaults.Worker.Python
	}
	if cfg.Worker.Script == "" {
		cfg.Worker.Script = defaults.Worker.Script
	}
	if cfg.Worker.Model == "" {
		cfg.Worker.Model = defaults.Worker.Model
	}
	if cfg.Worker.RequestTimeout == 0 {
		cfg.Worker.RequestTimeout = defaults.Worker.RequestTimeout
	}
	if cfg.Worker.SettleDelay == 0 {
		cfg.Worker.SettleDelay = defaults.Worker.SettleDelay
	}
	if cfg.Worker.RestartWindow == 0 {
		cfg.Worker.RestartWindow = defaults.Worker.RestartWindow
	}
	if cfg.Worker.RestartLimit == 0 {
		cfg.Worker.RestartLimit = defaults.Worker.RestartLimit
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}

	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	if cfg.History.Retention == 0 {
		cfg.History.Retention = defaults.History.Retention
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (caught by validation if required).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Worker.Script == "" {
		return fmt.Errorf("worker.script is required")
	}
	if cfg.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("worker.request_timeout must be positive")
	}
	if cfg.Worker.SettleDelay < 0 {
		return fmt.Errorf("worker.settle_delay must not be negative")
	}
	if cfg.Worker.RestartWindow <= 0 {
		return fmt.Errorf("worker.restart_window must be positive")
	}
	if cfg.Worker.RestartLimit <= 0 {
		return fmt.Errorf("worker.restart_limit must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if envVarPattern.MatchString(cfg.API.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey)
			if len(matches) > 1 {
				return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
			}
			return fmt.Errorf("api.api_key: unresolved environment variable")
		}
	}

	if cfg.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}

	return nil
}
