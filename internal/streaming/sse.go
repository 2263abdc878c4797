// Package streaming parses server-sent-event completion streams and folds
// their chunks into one coherent message.
package streaming

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

const (
	// SSEDataPrefix marks SSE payload lines.
	SSEDataPrefix = "data:"

	// SSEDone is the terminal sentinel providers send at end of stream.
	SSEDone = "[DONE]"
)

// ParseSSELine parses one SSE line into a chunk. Blank lines, comments,
// non-data field types (event/id/retry), and the done sentinel all yield a
// nil chunk with no error. A malformed data payload is reported as a stream
// error carrying the offending payload; the stream itself stays usable and
// the caller decides whether to abort.
func ParseSSELine(provider string, line []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] == ':' {
		return nil, nil
	}

	if !bytes.HasPrefix(trimmed, []byte(SSEDataPrefix)) {
		return nil, nil
	}

	data := bytes.TrimSpace(trimmed[len(SSEDataPrefix):])
	if len(data) == 0 || bytes.Equal(data, []byte(SSEDone)) {
		return nil, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, errors.NewStreamError(provider,
			fmt.Sprintf("parse chunk: %v; data: %s", err, data))
	}

	return &chunk, nil
}

// IsDone reports whether an SSE line is the terminal sentinel.
func IsDone(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if bytes.HasPrefix(trimmed, []byte(SSEDataPrefix)) {
		trimmed = bytes.TrimSpace(trimmed[len(SSEDataPrefix):])
	}
	return bytes.Equal(trimmed, []byte(SSEDone))
}
