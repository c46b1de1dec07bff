// Package bridge re-frames an upstream completion API's server-sent-event
// stream into the relay's newline-delimited JSON event stream.
//
// Open validates a prompt and hands back a Stream immediately; a goroutine
// then connects upstream, translates records into stream events, and always
// finishes with exactly one done event before closing the Stream's body.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/relay/bridge/header"
	relaylogger "github.com/papercomputeco/relay/pkg/logger"
)

const responsesPath = "/responses"

var (
	// ErrMissingCredential is returned by Open when no upstream API key is configured.
	ErrMissingCredential = errors.New("missing upstream credential")

	// ErrEmptyPrompt is returned by Open when the prompt is empty after trimming whitespace.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// Outcome classifies how a stream ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeFailed        Outcome = "failed"
	OutcomeClientGone    Outcome = "client_gone"
)

// Summary describes one finished stream. It carries no generated text.
type Summary struct {
	RequestID string
	Model     string
	Outcome   Outcome

	// Deltas and Errors count the delta and error events written.
	Deltas int
	Errors int

	// Reconstructed is true when the text was recovered from the terminal
	// record because the upstream sent no incremental deltas.
	Reconstructed bool

	Usage     json.RawMessage
	StartedAt time.Time
	Duration  time.Duration
}

// Stream is the caller's side of one relayed request. Body yields the NDJSON
// event stream and must be closed by the consumer; closing it early aborts
// the upstream call.
type Stream struct {
	RequestID string
	Model     string
	Body      io.ReadCloser
}

// Bridge opens relayed streams against one upstream completion API.
// It holds no per-request state and is safe for concurrent use.
type Bridge struct {
	config        Config
	endpoint      string
	httpClient    *http.Client
	headerHandler *header.Handler
	logger        *slog.Logger
}

// New creates a new Bridge. A nil logger discards all output.
// Returns an error if the upstream URL or model is not configured.
func New(config Config, logger *slog.Logger) (*Bridge, error) {
	if strings.TrimSpace(config.UpstreamURL) == "" {
		return nil, errors.New("upstream URL is required")
	}
	if strings.TrimSpace(config.Model) == "" {
		return nil, errors.New("model is required")
	}

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	if logger == nil {
		logger = relaylogger.Nop()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Bridge{
		config:        config,
		endpoint:      strings.TrimSuffix(config.UpstreamURL, "/") + responsesPath,
		httpClient:    client,
		headerHandler: header.NewHandler(),
		logger:        logger,
	}, nil
}

// Model returns the configured upstream model name.
func (b *Bridge) Model() string {
	return b.config.Model
}

// Open validates the request and returns a Stream without waiting for the
// upstream connection. An empty requestID is replaced by a generated one.
//
// Open fails with ErrMissingCredential or ErrEmptyPrompt before any stream
// exists; every later failure is reported inside the stream itself.
func (b *Bridge) Open(prompt, requestID string) (*Stream, error) {
	if strings.TrimSpace(b.config.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	pr, pw := io.Pipe()
	s := newSession(requestID, b.config.Model, prompt, pw)

	go b.produce(s)

	return &Stream{
		RequestID: requestID,
		Model:     b.config.Model,
		Body:      pr,
	}, nil
}

// upstreamStatusError is a non-success response from the upstream API.
type upstreamStatusError struct {
	status int
	body   string
}

func (e *upstreamStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("upstream returned status %d", e.status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.status, e.body)
}
