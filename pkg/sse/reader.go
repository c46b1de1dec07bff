package sse

import (
	"errors"
	"io"
)

const defaultChunkSize = 32 * 1024

// LineReader reads raw chunks from a source io.Reader and yields the logical
// lines they contain, carrying partial lines across reads.
//
// ┌──────────────────┐
// │ source io.Reader │  chunks of any size
// └──────────────────┘
// │
// ▼
// ┌──────────────────┐   ┌───────┐
// │    SplitLines    │◀──│ carry │
// └──────────────────┘   └───────┘
// │
// ▼
// ┌──────────────────┐
// │  complete lines  │
// └──────────────────┘
//
// Once the source is exhausted, a non-empty unterminated trailing line is
// yielded exactly once, so a stream that ends without a final newline does
// not lose its last line.
type LineReader struct {
	src     io.Reader
	buf     []byte
	carry   string
	pending []string
	eof     bool
}

// NewLineReader returns a LineReader over src.
func NewLineReader(src io.Reader) *LineReader {
	return &LineReader{
		src: src,
		buf: make([]byte, defaultChunkSize),
	}
}

// Next returns the next complete line. It blocks on the source until a line
// is available. Next returns io.EOF once the source is exhausted and the
// trailing carry has been flushed. Any other error comes from the source.
func (r *LineReader) Next() (string, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return "", io.EOF
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending, r.carry = SplitLines(r.carry, string(r.buf[:n]))
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				return "", err
			}

			r.eof = true
			if r.carry != "" {
				r.pending = append(r.pending, r.carry)
				r.carry = ""
			}
		}
	}

	line := r.pending[0]
	r.pending = r.pending[1:]
	return line, nil
}
