package llmrelay

import (
	"bufio"
	"io"
	"sync"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/streaming"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// StreamReader iterates over the chunks of a streaming completion.
//
// Recv returns io.EOF after the provider's end-of-stream signal. A
// malformed data line yields a stream error for that line; the reader stays
// usable and the caller decides whether to keep reading or Close.
type StreamReader struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	provider string

	mu     sync.Mutex
	closed bool
}

func newStreamReader(body io.ReadCloser, provider string) *StreamReader {
	scanner := bufio.NewScanner(body)
	// Large chunks exceed the default token size.
	scanner.Buffer(make([]byte, 4096), 4096*16)

	return &StreamReader{
		body:     body,
		scanner:  scanner,
		provider: provider,
	}
}

// Recv returns the next chunk, io.EOF at end of stream, or an error.
func (s *StreamReader) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		if streaming.IsDone(line) {
			s.close()
			return nil, io.EOF
		}

		chunk, err := streaming.ParseSSELine(s.provider, line)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			// Blank line, comment, or non-data SSE field.
			continue
		}

		metrics.StreamChunks.WithLabelValues(s.provider).Inc()
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.close()
		return nil, err
	}

	// Stream ended without a done sentinel; terminal, not an error.
	s.close()
	return nil, io.EOF
}

// Collect consumes the remaining stream and folds every chunk into one
// normalized response. It aborts on the first stream error.
func (s *StreamReader) Collect() (*types.ChatResponse, error) {
	acc := streaming.NewAccumulator()
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return acc.Response(), nil
		}
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		acc.ProcessChunk(chunk)
	}
}

// Close releases the underlying connection. Safe to call multiple times.
func (s *StreamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

func (s *StreamReader) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
