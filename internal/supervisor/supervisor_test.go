package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/whisperd/internal/config"
	"github.com/mattjoyce/whisperd/internal/events"
	"github.com/mattjoyce/whisperd/internal/history"
	"github.com/mattjoyce/whisperd/internal/log"
	"github.com/mattjoyce/whisperd/internal/pending"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

// echoWorker behaves like the real whisper server: announces readiness, then
// answers every request with a fixed transcript.
const echoWorker = `#!/bin/sh
echo '{"ready": true}'
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"id":"%s","text":"hello"}\n' "$id"
done
`

func writeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write worker script: %v", err)
	}
	return path
}

func testConfig(script string) config.WorkerConfig {
	return config.WorkerConfig{
		Python:         "/bin/sh",
		Script:         script,
		Model:          "tiny",
		RequestTimeout: 5 * time.Second,
		SettleDelay:    20 * time.Millisecond,
		RestartWindow:  10 * time.Second,
		RestartLimit:   5,
	}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, still %v", want, s.State())
}

type fakeRecorder struct {
	mu          sync.Mutex
	transcripts []history.Transcript
}

func (f *fakeRecorder) Record(_ context.Context, tr history.Transcript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, tr)
	return nil
}

func (f *fakeRecorder) all() []history.Transcript {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Transcript(nil), f.transcripts...)
}

func TestTranscribeSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	sup := New(testConfig(writeWorker(t, echoWorker)), events.NewHub(16), rec)
	defer sup.Stop()

	if err := sup.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, sup, StateReady)

	text, err := sup.Transcribe(context.Background(), "/tmp/a.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello" {
		t.Errorf("want %q, got %q", "hello", text)
	}

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("want 1 recorded transcript, got %d", len(got))
	}
	if got[0].Status != history.StatusOK || got[0].File != "/tmp/a.wav" || got[0].Model != "tiny" {
		t.Errorf("unexpected transcript: %+v", got[0])
	}
}

func TestEmptyTranscriptIsValid(t *testing.T) {
	script := `#!/bin/sh
echo '{"ready": true}'
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"id":"%s","text":""}\n' "$id"
done
`
	sup := New(testConfig(writeWorker(t, script)), events.NewHub(16), nil)
	defer sup.Stop()

	_ = sup.Start("")
	waitState(t, sup, StateReady)

	text, err := sup.Transcribe(context.Background(), "/tmp/silence.wav")
	if err != nil {
		t.Fatalf("empty transcript should not fail: %v", err)
	}
	if text != "" {
		t.Errorf("want empty transcript, got %q", text)
	}
}

func TestWorkerReportedError(t *testing.T) {
	script := `#!/bin/sh
echo '{"ready": true}'
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"id":"%s","error":"file not found: /tmp/b.ogg"}\n' "$id"
done
`
	sup := New(testConfig(writeWorker(t, script)), events.NewHub(16), nil)
	defer sup.Stop()

	_ = sup.Start("")
	waitState(t, sup, StateReady)

	_, err := sup.Transcribe(context.Background(), "/tmp/b.ogg")
	var werr *WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("want WorkerError, got %v", err)
	}
	if werr.Msg != "file not found: /tmp/b.ogg" {
		t.Errorf("unexpected message: %q", werr.Msg)
	}

	// A request-level error must leave the worker up.
	if !sup.IsReady() {
		t.Error("worker should still be ready after a reported error")
	}
}

func TestTranscribeNotReady(t *testing.T) {
	sup := New(testConfig("/nonexistent"), events.NewHub(16), nil)

	_, err := sup.Transcribe(context.Background(), "/tmp/a.wav")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("want ErrNotReady, got %v", err)
	}
	if sup.Snapshot().Pending != 0 {
		t.Error("rejected call must not register a pending entry")
	}
}

func TestTimeout(t *testing.T) {
	// Ready but never answers.
	script := `#!/bin/sh
echo '{"ready": true}'
while read line; do :; done
`
	cfg := testConfig(writeWorker(t, script))
	cfg.RequestTimeout = 50 * time.Millisecond
	sup := New(cfg, events.NewHub(16), nil)
	defer sup.Stop()

	_ = sup.Start("")
	waitState(t, sup, StateReady)

	_, err := sup.Transcribe(context.Background(), "/tmp/slow.wav")
	if !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}

	// Timeout fails the request, not the worker.
	if !sup.IsReady() {
		t.Error("worker should still be ready after a request timeout")
	}
}

func TestUnknownResponseIgnored(t *testing.T) {
	// Replies with an uncorrelatable id and noise first, then the real answer.
	script := `#!/bin/sh
echo '{"ready": true}'
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  echo '{"id":"stale-from-last-boot","text":"ghost"}'
  echo 'not json at all'
  echo 'diagnostics go here' >&2
  printf '{"id":"%s","text":"hello"}\n' "$id"
done
`
	sup := New(testConfig(writeWorker(t, script)), events.NewHub(16), nil)
	defer sup.Stop()

	_ = sup.Start("")
	waitState(t, sup, StateReady)

	text, err := sup.Transcribe(context.Background(), "/tmp/a.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello" {
		t.Errorf("want %q, got %q", "hello", text)
	}
}

func TestWorkerExitFailsPending(t *testing.T) {
	// Accepts one request, then dies without answering.
	script := `#!/bin/sh
echo '{"ready": true}'
read line
exit 1
`
	sup := New(testConfig(writeWorker(t, script)), events.NewHub(16), nil)
	defer sup.Stop()

	_ = sup.Start("")
	waitState(t, sup, StateReady)

	_, err := sup.Transcribe(context.Background(), "/tmp/a.wav")
	if !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("want ErrWorkerExited, got %v", err)
	}
}

func TestRestartAfterCrash(t *testing.T) {
	// Answers one request then exits; the supervisor should respawn it.
	script := `#!/bin/sh
echo '{"ready": true}'
read line
id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
printf '{"id":"%s","text":"hello"}\n' "$id"
exit 0
`
	sup := New(testConfig(writeWorker(t, script)), events.NewHub(16), nil)
	defer sup.Stop()

	_ = sup.Start("")
	waitState(t, sup, StateReady)

	if text, err := sup.Transcribe(context.Background(), "/tmp/a.wav"); err != nil || text != "hello" {
		t.Fatalf("first transcribe: %q, %v", text, err)
	}

	// The worker exits after replying; a fresh one comes up after the
	// settle delay and accepts work again.
	waitState(t, sup, StateReady)
	if text, err := sup.Transcribe(context.Background(), "/tmp/b.wav"); err != nil || text != "hello" {
		t.Fatalf("second transcribe: %q, %v", text, err)
	}
}

func TestCircuitBreakerOpensOnCrashLoop(t *testing.T) {
	crash := writeWorker(t, "#!/bin/sh\nexit 1\n")
	cfg := testConfig(crash)
	cfg.SettleDelay = 10 * time.Millisecond
	hub := events.NewHub(64)
	sup := New(cfg, hub, nil)
	defer sup.Stop()

	_ = sup.Start("")
	waitState(t, sup, StateCircuitBroken)

	if sup.IsReady() {
		t.Error("IsReady must be false with the breaker open")
	}
	if _, err := sup.Transcribe(context.Background(), "/tmp/a.wav"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("want ErrCircuitOpen, got %v", err)
	}

	var opened bool
	for _, ev := range hub.Since(0) {
		if ev.Type == "supervisor.circuit_open" {
			opened = true
		}
	}
	if !opened {
		t.Error("expected a supervisor.circuit_open event")
	}

	// Only an explicit Start closes the breaker again.
	sup.cfg.Script = writeWorker(t, echoWorker)
	if err := sup.Start(""); err != nil {
		t.Fatalf("Start after breaker: %v", err)
	}
	waitState(t, sup, StateReady)
}

func TestStopFailsPendingAndSuppressesRespawn(t *testing.T) {
	// Ready but never answers, so requests stay pending until Stop.
	script := `#!/bin/sh
echo '{"ready": true}'
while read line; do :; done
`
	sup := New(testConfig(writeWorker(t, script)), events.NewHub(16), nil)

	_ = sup.Start("")
	waitState(t, sup, StateReady)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := sup.Transcribe(context.Background(), "/tmp/pending.wav")
			errs <- err
		}()
	}

	// Wait for both requests to be registered before stopping.
	deadline := time.Now().Add(5 * time.Second)
	for sup.Snapshot().Pending != 2 {
		if time.Now().After(deadline) {
			t.Fatal("requests never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sup.Stop()

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrStopped) {
			t.Errorf("want ErrStopped, got %v", err)
		}
	}
	if sup.State() != StateStopped {
		t.Errorf("want Stopped, got %v", sup.State())
	}

	// The killed worker's exit must not schedule a productive respawn.
	time.Sleep(5 * sup.cfg.SettleDelay)
	if sup.State() != StateStopped {
		t.Errorf("respawn fired after Stop, state %v", sup.State())
	}
}

func TestRecordAttempt(t *testing.T) {
	cfg := testConfig("/unused")
	cfg.RestartWindow = 60 * time.Second
	cfg.RestartLimit = 5
	sup := New(cfg, events.NewHub(16), nil)

	base := time.Now()

	// Five attempts inside one window trip the breaker on the fifth.
	for i := 0; i < 4; i++ {
		if sup.recordAttempt(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("breaker tripped early on attempt %d", i+1)
		}
	}
	if !sup.recordAttempt(base.Add(4 * time.Second)) {
		t.Fatal("breaker should trip on the fifth attempt within the window")
	}

	// Spread over more than the window, pruning keeps the count down.
	sup.restarts = nil
	for i := 0; i < 5; i++ {
		if sup.recordAttempt(base.Add(time.Duration(i) * 20 * time.Second)) {
			t.Fatalf("breaker tripped despite pruning on attempt %d", i+1)
		}
	}

	// A readiness signal empties the ledger; history is forgiven.
	sup.restarts = nil
	if sup.recordAttempt(base.Add(200 * time.Second)) {
		t.Fatal("empty ledger must not trip the breaker")
	}
}
