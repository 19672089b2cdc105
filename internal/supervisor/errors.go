package supervisor

import "errors"

var (
	// ErrNotReady rejects a transcription attempted while the worker is not
	// in the Ready state. Reported synchronously, no side effects.
	ErrNotReady = errors.New("transcription worker is not ready")

	// ErrCircuitOpen rejects work while the restart circuit breaker is open.
	// Only an explicit Start closes it again.
	ErrCircuitOpen = errors.New("worker restart circuit breaker is open")

	// ErrWorkerExited fails pending requests in bulk when the worker process
	// dies or is replaced underneath them.
	ErrWorkerExited = errors.New("transcription worker exited")

	// ErrStopped fails pending requests when the supervisor shuts down.
	ErrStopped = errors.New("supervisor stopped")
)

// WorkerError is a failure the worker itself reported for one request.
// The worker stays up; only the affected request fails.
type WorkerError struct {
	Msg string
}

func (e *WorkerError) Error() string {
	return "worker reported: " + e.Msg
}
