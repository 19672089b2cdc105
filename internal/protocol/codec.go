// Package protocol implements the newline-delimited JSON wire protocol
// spoken between the supervisor and the transcription worker.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request as a single JSON line and writes it to w.
// Returns an error if the request is incomplete or marshaling/writing fails.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.ID == "" {
		return fmt.Errorf("request missing id")
	}
	if req.File == "" {
		return fmt.Errorf("request missing file")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeLine classifies one worker stdout line into the closed Message set.
// It never fails: malformed input decodes to KindNoise for the caller to log
// and drop. An object with a true "ready" field is a readiness signal
// regardless of any other fields it carries.
func DecodeLine(line []byte) Message {
	var env struct {
		Ready bool    `json:"ready"`
		ID    string  `json:"id"`
		Text  *string `json:"text"`
		Error string  `json:"error"`
	}

	if err := json.Unmarshal(line, &env); err != nil {
		return Message{Kind: KindNoise}
	}

	if env.Ready {
		return Message{Kind: KindReady}
	}

	// Without an id there is no receiver to correlate with.
	if env.ID == "" {
		return Message{Kind: KindNoise}
	}

	m := Message{Kind: KindResult, ID: env.ID, Err: env.Error}
	if env.Text != nil {
		m.Text = *env.Text
	}
	return m
}
