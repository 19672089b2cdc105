package protocol

// Request is the envelope written to the worker's stdin, one JSON object per line.
type Request struct {
	ID   string `json:"id"`
	File string `json:"file"`
}

// Kind classifies a decoded line from the worker's stdout.
type Kind int

const (
	// KindNoise is a line that failed to parse, or parsed but carries no
	// correlatable request id. Noise is logged and dropped, never surfaced.
	KindNoise Kind = iota

	// KindReady is the worker's announcement that it finished loading and
	// accepts requests. It may be re-sent after recovery.
	KindReady

	// KindResult is a transcription outcome for a specific request id.
	KindResult
)

// Message is a decoded worker stdout line.
type Message struct {
	Kind Kind

	// ID correlates a result with its pending request. Only set for KindResult.
	ID string

	// Text is the transcript. Empty string is a valid result meaning the
	// worker recognized no speech; it is distinct from a reported error.
	Text string

	// Err is the worker-reported failure message, empty on success.
	Err string
}

// IsError reports whether the worker flagged this result as a failure.
func (m Message) IsError() bool {
	return m.Err != ""
}
