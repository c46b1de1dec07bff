package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Encoder writes events to an io.Writer, one JSON object per line.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w. Each Encode call issues a single
// Write, so a line is never interleaved or split by the encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes ev followed by "\n".
func (e *Encoder) Encode(ev Event) error {
	line, err := Marshal(ev)
	if err != nil {
		return err
	}

	_, err = e.w.Write(append(line, '\n'))
	return err
}

// Marshal returns the wire form of ev without the trailing newline.
func Marshal(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case Meta:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Meta
		}{KindMeta, e})
	case Delta:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Delta
		}{KindDelta, e})
	case Usage:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Usage
		}{KindUsage, e})
	case Error:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Error
		}{KindError, e})
	case Done:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Done
		}{KindDone, e})
	default:
		return nil, fmt.Errorf("unsupported stream event %T", ev)
	}
}

// ErrUnknownKind is returned by Decoder.Next for a line whose type tag is not
// one of the known kinds. Callers may skip such lines.
var ErrUnknownKind = errors.New("unknown stream event kind")

// Decoder reads events from an NDJSON stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Decoder{scanner: scanner}
}

// Next returns the next event. Blank lines are skipped. Next returns io.EOF
// when the stream is exhausted. Unknown fields are ignored.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}

	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Unmarshal decodes one wire line into its Event.
func Unmarshal(line []byte) (Event, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(line, &tag); err != nil {
		return nil, fmt.Errorf("decoding stream event: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch tag.Type {
	case KindMeta:
		var e Meta
		err = json.Unmarshal(line, &e)
		ev = e
	case KindDelta:
		var e Delta
		err = json.Unmarshal(line, &e)
		ev = e
	case KindUsage:
		var e Usage
		err = json.Unmarshal(line, &e)
		ev = e
	case KindError:
		var e Error
		err = json.Unmarshal(line, &e)
		ev = e
	case KindDone:
		var e Done
		err = json.Unmarshal(line, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", tag.Type, err)
	}
	return ev, nil
}
