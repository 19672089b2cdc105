// Package pending correlates in-flight transcription requests with the
// callers waiting on them. Many logical requests are multiplexed onto one
// worker pipe; responses arrive in any order and are matched by id.
package pending

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/whisperd/internal/log"
)

// ErrTimeout is delivered to a caller whose request saw no response within
// the table's deadline. The worker itself is left running.
var ErrTimeout = errors.New("transcription timed out")

// Result is the terminal outcome of one pending request. Exactly one Result
// is delivered per registered entry.
type Result struct {
	Text string
	Err  error
}

type entry struct {
	timer *time.Timer
	done  func(Result)
}

// Table owns the id -> pending caller map and the per-request deadline
// timers. Every registered entry terminates exactly once: by a matching
// response, an explicit failure, its deadline, or bulk failure. All removal
// paths cancel the entry's timer so a late timer fire observes a no-op.
type Table struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Table whose entries expire after timeout.
func New(timeout time.Duration) *Table {
	return &Table{
		timeout: timeout,
		logger:  log.WithComponent("pending"),
		entries: make(map[string]*entry),
	}
}

// Register stores a pending entry, arms its deadline timer, and returns the
// fresh identifier the caller embeds in the outgoing request line.
func (t *Table) Register(done func(Result)) string {
	id := uuid.NewString()

	t.mu.Lock()
	e := &entry{done: done}
	t.entries[id] = e
	e.timer = time.AfterFunc(t.timeout, func() {
		if t.Fail(id, ErrTimeout) {
			t.logger.Warn("request deadline expired", "request_id", id, "timeout", t.timeout)
		}
	})
	t.mu.Unlock()

	return id
}

// Resolve completes the entry for id with a transcript. Empty text is a
// valid outcome (no speech recognized). Unknown ids are ignored: the entry
// already timed out, resolved, or was never registered.
func (t *Table) Resolve(id, text string) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.done(Result{Text: text})
	return true
}

// Fail completes the entry for id with an error. Unknown ids are ignored.
func (t *Table) Fail(id string, err error) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.done(Result{Err: err})
	return true
}

// FailAll terminates every pending entry with err and returns how many were
// failed. Used on worker crash and shutdown.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	taken := make([]*entry, 0, len(t.entries))
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
		taken = append(taken, e)
	}
	t.mu.Unlock()

	for _, e := range taken {
		e.done(Result{Err: err})
	}
	return len(taken)
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// take removes and returns the entry for id, stopping its timer. Removal
// happens under the lock; whichever path takes the entry invokes its
// callback, which is what makes termination exactly-once.
func (t *Table) take(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	e.timer.Stop()
	delete(t.entries, id)
	return e
}
