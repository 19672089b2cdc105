// Package supervisor owns the transcription worker's process lifecycle:
// spawn, readiness, restart-on-crash with a windowed circuit breaker, and
// the brokering of concurrent transcription requests onto the worker's
// single stdio pipe.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattjoyce/whisperd/internal/config"
	"github.com/mattjoyce/whisperd/internal/events"
	"github.com/mattjoyce/whisperd/internal/history"
	"github.com/mattjoyce/whisperd/internal/log"
	"github.com/mattjoyce/whisperd/internal/pending"
	"github.com/mattjoyce/whisperd/internal/protocol"
)

// maxLineBytes caps a single worker stdout line; long transcripts fit well
// under this.
const maxLineBytes = 1 << 20

// Recorder receives terminal transcription outcomes, typically backed by the
// history store. A nil Recorder disables recording.
type Recorder interface {
	Record(ctx context.Context, t history.Transcript) error
}

// Supervisor keeps one worker process alive and mediates all traffic to it.
// All state transitions happen under mu; reader, exit, and respawn callbacks
// carry the generation they were spawned for and go inert once a newer
// worker exists, so only one path can ever initiate a spawn.
type Supervisor struct {
	cfg    config.WorkerConfig
	hub    *events.Hub
	rec    Recorder
	logger *slog.Logger

	table *pending.Table

	// writeMu serializes request lines onto the worker's stdin.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	model      string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	generation int
	restarts   []time.Time
	respawn    *time.Timer
}

// New creates a Supervisor in the Stopped state. rec may be nil.
func New(cfg config.WorkerConfig, hub *events.Hub, rec Recorder) *Supervisor {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Supervisor{
		cfg:    cfg,
		hub:    hub,
		rec:    rec,
		logger: log.WithComponent("supervisor"),
		table:  pending.New(cfg.RequestTimeout),
		model:  cfg.Model,
	}
}

// Start spawns the worker, replacing any live one. An empty model keeps the
// current selection. Starting is also the only way out of CircuitBroken: it
// resets the restart ledger and begins a fresh attempt sequence.
func (s *Supervisor) Start(model string) error {
	s.mu.Lock()
	if model != "" {
		s.model = model
	}
	if s.respawn != nil {
		s.respawn.Stop()
		s.respawn = nil
	}
	old := s.cmd
	s.restarts = nil
	s.state = StateStarting
	err := s.spawnLocked()
	s.mu.Unlock()

	if old != nil {
		// The replaced worker's callbacks are stale by now; its pending
		// requests cannot be answered anymore.
		if n := s.table.FailAll(ErrWorkerExited); n > 0 {
			s.logger.Warn("failed pending requests on restart", "count", n)
		}
		if old.Process != nil {
			_ = old.Process.Kill()
		}
	}
	return err
}

// Stop tears the supervisor down: it trips the breaker first so an armed
// respawn timer cannot produce a new worker, fails every pending request,
// kills the worker, and lands on Stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.state = StateCircuitBroken
	if s.respawn != nil {
		s.respawn.Stop()
		s.respawn = nil
	}
	s.generation++ // reader and exit callbacks of the current worker go stale
	cmd := s.cmd
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()

	if n := s.table.FailAll(ErrStopped); n > 0 {
		s.logger.Info("failed pending requests on shutdown", "count", n)
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.restarts = nil
	s.mu.Unlock()

	s.hub.Publish("supervisor.stopped", nil)
	s.logger.Info("supervisor stopped")
}

// IsReady reports whether the worker accepts requests right now.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	State   string `json:"state"`
	Ready   bool   `json:"ready"`
	Model   string `json:"model"`
	Pending int    `json:"pending"`
	PID     int    `json:"pid,omitempty"`
}

// Snapshot returns the current Status for the API.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:   s.state.String(),
		Ready:   s.state == StateReady,
		Model:   s.model,
		Pending: s.table.Len(),
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	return st
}

// Transcribe submits filePath to the worker and suspends until resolution,
// timeout, or bulk failure. It rejects immediately, with no side effects,
// unless the worker is Ready.
func (s *Supervisor) Transcribe(ctx context.Context, filePath string) (string, error) {
	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		if st == StateCircuitBroken {
			return "", ErrCircuitOpen
		}
		return "", ErrNotReady
	}
	stdin := s.stdin
	model := s.model
	s.mu.Unlock()

	started := time.Now().UTC()
	ch := make(chan pending.Result, 1)
	id := s.table.Register(func(r pending.Result) { ch <- r })

	s.writeMu.Lock()
	err := protocol.EncodeRequest(stdin, &protocol.Request{ID: id, File: filePath})
	s.writeMu.Unlock()
	if err != nil {
		// Consume our own entry so it cannot fire later.
		s.table.Fail(id, err)
		<-ch
		return "", fmt.Errorf("write request: %w", err)
	}
	log.WithRequest(id).Debug("request submitted", "file", filePath)

	var res pending.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		s.table.Fail(id, ctx.Err())
		res = <-ch
	}

	s.recordOutcome(id, filePath, model, started, res)
	if res.Err != nil {
		return "", res.Err
	}
	return res.Text, nil
}

// spawnLocked performs one spawn attempt. It charges the attempt to the
// restart ledger first; when the windowed count reaches the limit the
// breaker opens and no process is created. Callers hold mu.
func (s *Supervisor) spawnLocked() error {
	if s.recordAttempt(time.Now()) {
		s.state = StateCircuitBroken
		s.hub.Publish("supervisor.circuit_open", map[string]any{
			"window":   s.cfg.RestartWindow.String(),
			"attempts": len(s.restarts),
		})
		s.logger.Error("restart circuit breaker opened",
			"attempts", len(s.restarts), "window", s.cfg.RestartWindow)
		return ErrCircuitOpen
	}

	s.generation++
	gen := s.generation

	cmd := exec.Command(s.cfg.Python, s.cfg.Script)
	cmd.Env = append(os.Environ(), "WHISPER_MODEL="+s.model)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.spawnFailedLocked(fmt.Errorf("create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnFailedLocked(fmt.Errorf("create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.spawnFailedLocked(fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.spawnFailedLocked(fmt.Errorf("start worker: %w", err))
	}

	s.cmd = cmd
	s.stdin = stdin
	s.state = StateStarting

	s.hub.Publish("supervisor.spawned", map[string]any{
		"pid":   cmd.Process.Pid,
		"model": s.model,
	})
	s.logger.Info("worker spawned", "pid", cmd.Process.Pid, "model", s.model)

	// waitExit must not reap (and thereby close the pipes) until both
	// readers hit EOF, or a response written just before a crash is lost.
	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go s.readStdout(gen, stdout, outDone)
	go s.relayStderr(stderr, errDone)
	go s.waitExit(gen, cmd, outDone, errDone)

	return nil
}

// spawnFailedLocked handles a failed spawn attempt: the worker never ran, so
// there is nothing to fail in bulk, but the restart policy still applies.
func (s *Supervisor) spawnFailedLocked(err error) error {
	s.logger.Error("worker spawn failed", "error", err)
	s.state = StateStarting
	s.scheduleRespawnLocked()
	return err
}

// recordAttempt charges one spawn attempt to the ledger and reports whether
// the breaker must open. Only attempts within the trailing window count;
// sustained uptime forgives history because readiness empties the ledger.
func (s *Supervisor) recordAttempt(now time.Time) bool {
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, at := range s.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.restarts = append(kept, now)
	return len(s.restarts) >= s.cfg.RestartLimit
}

// scheduleRespawnLocked arms exactly one respawn after the settle delay.
// The callback re-checks generation and state so a Stop, explicit Start, or
// breaker trip in the meantime defuses it. Callers hold mu.
func (s *Supervisor) scheduleRespawnLocked() {
	gen := s.generation
	s.respawn = time.AfterFunc(s.cfg.SettleDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen || s.state != StateStarting {
			return
		}
		if err := s.spawnLocked(); err != nil {
			s.logger.Error("respawn failed", "error", err)
		}
	})
}

// readStdout decodes the worker's stdout line by line and routes each
// message: readiness flips state, results land on the pending table, noise
// is logged and dropped.
func (s *Supervisor) readStdout(gen int, r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg := protocol.DecodeLine(line)
		switch msg.Kind {
		case protocol.KindReady:
			s.onReady(gen)
		case protocol.KindResult:
			if msg.IsError() {
				s.table.Fail(msg.ID, &WorkerError{Msg: msg.Err})
			} else {
				s.table.Resolve(msg.ID, msg.Text)
			}
		case protocol.KindNoise:
			s.logger.Warn("dropping unparseable worker line", "line", string(line))
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("worker stdout closed", "error", err)
	}
}

// relayStderr passes the worker's diagnostics through verbatim, one log
// record per line. Stderr is never parsed as protocol.
func (s *Supervisor) relayStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	workerLog := log.WithComponent("worker")
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		workerLog.Info(scanner.Text())
	}
}

// onReady handles the worker's readiness signal: state flips to Ready and
// the restart ledger empties, so only restart storms within a single window
// count against the breaker.
func (s *Supervisor) onReady(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}

	s.state = StateReady
	s.restarts = nil
	s.hub.Publish("supervisor.ready", map[string]any{"model": s.model})
	s.logger.Info("worker ready", "model", s.model)
}

// waitExit reaps the worker and, for the current generation, fails all
// pending requests and evaluates the restart policy.
func (s *Supervisor) waitExit(gen int, cmd *exec.Cmd, outDone, errDone <-chan struct{}) {
	<-outDone
	<-errDone
	err := cmd.Wait()

	s.mu.Lock()
	if gen != s.generation {
		// A newer worker exists; this exit was already accounted for.
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	s.stdin = nil

	if s.state == StateStopped || s.state == StateCircuitBroken {
		s.mu.Unlock()
		return
	}

	s.state = StateStarting
	s.hub.Publish("supervisor.worker_exit", map[string]any{
		"error": fmt.Sprint(err),
	})
	s.logger.Warn("worker exited", "error", err, "settle_delay", s.cfg.SettleDelay)
	s.scheduleRespawnLocked()
	s.mu.Unlock()

	if n := s.table.FailAll(ErrWorkerExited); n > 0 {
		s.logger.Warn("failed pending requests on worker exit", "count", n)
	}
}

// recordOutcome publishes the terminal outcome and offers it to the history
// recorder.
func (s *Supervisor) recordOutcome(id, file, model string, started time.Time, res pending.Result) {
	status := history.StatusOK
	errMsg := ""
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, pending.ErrTimeout):
		status = history.StatusTimeout
		errMsg = res.Err.Error()
	default:
		status = history.StatusError
		errMsg = res.Err.Error()
	}

	s.hub.Publish("transcribe.done", map[string]any{
		"request_id": id,
		"status":     status,
	})

	if s.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.rec.Record(ctx, history.Transcript{
		ID:          id,
		File:        file,
		Model:       model,
		Status:      status,
		Text:        res.Text,
		Error:       errMsg,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to record transcript", "request_id", id, "error", err)
	}
}
