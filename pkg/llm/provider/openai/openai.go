// Package openai decodes the streaming records of OpenAI's Responses API into
// the closed set of records the relay bridge acts on.
package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Record is a decoded upstream streaming record. The set of implementations
// is closed: TextDelta, Completed, and Unknown.
type Record interface {
	record()
}

// TextDelta is an incremental fragment of generated text.
type TextDelta struct {
	Text string
}

// Completed is the terminal record of a response. Usage is the provider's
// token accounting, passed through opaquely; it is nil when absent.
type Completed struct {
	Usage  json.RawMessage
	Output []OutputItem
}

// Unknown is any record type the relay does not act on. It is skipped, not
// reported as an error.
type Unknown struct {
	Type string
}

func (TextDelta) record() {}
func (Completed) record() {}
func (Unknown) record()   {}

// Decode parses one data payload into a Record. It returns an error when the
// payload is not valid JSON, or when a text-delta or completed record carries
// fields of the wrong shape. Any other valid JSON, including non-object values,
// decodes to Unknown.
func Decode(payload []byte) (Record, error) {
	var env streamEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("decoding upstream record: %w", err)
		}
		return Unknown{}, nil
	}

	switch env.Type {
	case EventTextDelta:
		var delta *string
		if isAbsent(env.Delta) {
			return Unknown{Type: env.Type}, nil
		}
		if err := json.Unmarshal(env.Delta, &delta); err != nil {
			return nil, fmt.Errorf("decoding %s delta: %w", env.Type, err)
		}
		return TextDelta{Text: *delta}, nil

	case EventCompleted:
		c := Completed{}
		if isAbsent(env.Response) {
			return c, nil
		}

		var resp completedResponse
		if err := json.Unmarshal(env.Response, &resp); err != nil {
			return nil, fmt.Errorf("decoding %s response: %w", env.Type, err)
		}
		c.Output = resp.Output
		if !isAbsent(resp.Usage) {
			c.Usage = resp.Usage
		}
		return c, nil

	default:
		return Unknown{Type: env.Type}, nil
	}
}

// isAbsent reports whether a raw field was missing or JSON null.
func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// FinalText reconstructs the generated text of a completed response: the
// text fragments of the first message-typed output item, concatenated in
// order. It returns "" when there is no message or it carries no text.
func (c Completed) FinalText() string {
	for _, item := range c.Output {
		if item.Type != outputTypeMessage {
			continue
		}

		var sb strings.Builder
		for _, part := range item.Content {
			if part.Type == contentOutputText || part.Type == contentText {
				sb.WriteString(part.Text)
			}
		}
		return sb.String()
	}

	return ""
}
