// Package doctor validates whisperd configuration and the worker environment.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/whisperd/internal/config"
)

// knownModels are the Whisper model names the worker understands. An unknown
// name is a warning, not an error: new model releases should not require a
// whisperd update.
var knownModels = map[string]bool{
	"tiny": true, "tiny.en": true,
	"base": true, "base.en": true,
	"small": true, "small.en": true,
	"medium": true, "medium.en": true,
	"large": true, "large-v1": true, "large-v2": true, "large-v3": true,
	"turbo": true,
}

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config against the host environment.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorkerBinary(r)
	d.validateWorkerScript(r)
	d.validateModel(r)
	d.validateTimings(r)
	d.validateAPIConfig(r)
	d.validateHistory(r)
	d.validateLockPath(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWorkerBinary checks that the python interpreter is resolvable.
func (d *Doctor) validateWorkerBinary(r *Result) {
	python := d.cfg.Worker.Python
	if python == "" {
		d.addError(r, "worker", "worker.python", "worker.python is required")
		return
	}

	if strings.ContainsRune(python, os.PathSeparator) {
		if _, err := os.Stat(python); err != nil {
			d.addError(r, "worker", "worker.python",
				fmt.Sprintf("interpreter %q not accessible: %v", python, err))
		}
		return
	}
	if _, err := exec.LookPath(python); err != nil {
		d.addError(r, "worker", "worker.python",
			fmt.Sprintf("interpreter %q not found in PATH", python))
	}
}

// validateWorkerScript checks that the worker script exists and is a file.
func (d *Doctor) validateWorkerScript(r *Result) {
	script := d.cfg.Worker.Script
	if script == "" {
		d.addError(r, "worker", "worker.script", "worker.script is required")
		return
	}

	info, err := os.Stat(script)
	if err != nil {
		d.addError(r, "worker", "worker.script",
			fmt.Sprintf("worker script %q not accessible: %v", script, err))
		return
	}
	if info.IsDir() {
		d.addError(r, "worker", "worker.script",
			fmt.Sprintf("worker script %q is a directory", script))
	}
}

func (d *Doctor) validateModel(r *Result) {
	model := d.cfg.Worker.Model
	if model == "" {
		return
	}
	if !knownModels[model] {
		d.addWarning(r, "worker", "worker.model",
			fmt.Sprintf("model %q is not a known Whisper model name", model))
	}
}

// validateTimings sanity-checks the restart policy and request timeout.
func (d *Doctor) validateTimings(r *Result) {
	w := d.cfg.Worker
	if w.RequestTimeout <= 0 {
		d.addError(r, "worker", "worker.request_timeout", "request_timeout must be positive")
	} else if w.RequestTimeout < 10*time.Second {
		d.addWarning(r, "worker", "worker.request_timeout",
			fmt.Sprintf("request_timeout %s is very short for transcription work", w.RequestTimeout))
	}
	if w.SettleDelay < 0 {
		d.addError(r, "worker", "worker.settle_delay", "settle_delay must not be negative")
	}
	if w.RestartWindow <= 0 {
		d.addError(r, "worker", "worker.restart_window", "restart_window must be positive")
	}
	if w.RestartLimit <= 0 {
		d.addError(r, "worker", "worker.restart_limit", "restart_limit must be positive")
	}
	if w.RestartLimit > 0 && w.SettleDelay > 0 &&
		time.Duration(w.RestartLimit)*w.SettleDelay > w.RestartWindow {
		d.addWarning(r, "worker", "worker.restart_window",
			"restart_window is shorter than limit*settle_delay; the breaker can never trip")
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key", "API enabled but no authentication configured")
	}
	d.warnUnresolvedEnvVars(r, "api.api_key", d.cfg.API.APIKey)
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// warnUnresolvedEnvVars flags ${VAR} references that survived interpolation.
func (d *Doctor) warnUnresolvedEnvVars(r *Result, field, value string) {
	for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
		if os.Getenv(m[1]) == "" {
			d.addWarning(r, "env_vars", field,
				fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

// validateHistory checks that the history database location is usable.
func (d *Doctor) validateHistory(r *Result) {
	h := d.cfg.History
	if h.Path == "" {
		d.addWarning(r, "history", "history.path", "history.path is empty; transcript history disabled")
		return
	}
	if h.Retention < 0 {
		d.addError(r, "history", "history.retention", "retention must not be negative")
	}
	d.checkParentWritable(r, "history", "history.path", h.Path)
}

func (d *Doctor) validateLockPath(r *Result) {
	if d.cfg.Service.LockPath == "" {
		d.addError(r, "service", "service.lock_path", "service.lock_path is required")
		return
	}
	d.checkParentWritable(r, "service", "service.lock_path", d.cfg.Service.LockPath)
}

// checkParentWritable warns when the parent directory of path exists but is
// not writable. A missing parent is fine; it gets created at startup.
func (d *Doctor) checkParentWritable(r *Result, category, field, path string) {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return
	}
	if !info.IsDir() {
		d.addError(r, category, field, fmt.Sprintf("%q is not a directory", dir))
		return
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.addError(r, category, field, fmt.Sprintf("directory %q is not writable: %v", dir, err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
