package config

import "time"

// Config represents the complete whisperd configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Worker  WorkerConfig  `yaml:"worker"`
	API     APIConfig     `yaml:"api,omitempty"`
	History HistoryConfig `yaml:"history"`
}

// ServiceConfig defines core daemon settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LockPath  string `yaml:"lock_path"`
}

// WorkerConfig defines how the transcription worker is spawned and retried.
type WorkerConfig struct {
	// Python is the interpreter used to launch the worker script.
	Python string `yaml:"python"`
	// Script is the path to the long-running worker.
	Script string `yaml:"script"`
	// Model is exported to the worker as WHISPER_MODEL.
	Model string `yaml:"model"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	RestartWindow  time.Duration `yaml:"restart_window"`
	RestartLimit   int           `yaml:"restart_limit"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is the bearer token required on /v1 routes when set.
	APIKey string `yaml:"api_key"`
}

// HistoryConfig defines transcript log storage settings.
type HistoryConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ChecksumManifest is the on-disk .checksums sidecar protecting the config
// file against silent modification.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with the stock limits: 120s per request, a 60s
// restart-counting window of at most 5 attempts, and a 2s settle delay
// before auto-respawn.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "whisperd",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/whisperd.lock",
		},
		Worker: WorkerConfig{
			Python:         "python3",
			Script:         "./scripts/whisper-server.py",
			Model:          "medium",
			RequestTimeout: 120 * time.Second,
			SettleDelay:    2 * time.Second,
			RestartWindow:  60 * time.Second,
			RestartLimit:   5,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		History: HistoryConfig{
			Path:      "./data/history.db",
			Retention: 30 * 24 * time.Hour,
		},
	}
}
