package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/papercomputeco/relay/pkg/llm/provider/openai"
	"github.com/papercomputeco/relay/pkg/sse"
	"github.com/papercomputeco/relay/pkg/stream"
	"github.com/papercomputeco/relay/pkg/utils"
)

const (
	// maxErrorBody caps how much of a non-success upstream body is quoted
	// in the error event.
	maxErrorBody = 2048

	// maxPayloadPreview caps how much of a malformed payload is quoted.
	maxPayloadPreview = 200
)

// errClientGone marks a failed write to the stream body: the consumer closed
// its side and nothing more can be delivered.
var errClientGone = errors.New("stream consumer went away")

// session is the state of one relayed stream. It is owned by the producing
// goroutine and never shared.
type session struct {
	requestID string
	model     string
	prompt    string

	pw     *io.PipeWriter
	enc    *stream.Encoder
	cancel context.CancelFunc

	textSeen      bool
	reconstructed bool
	usage         json.RawMessage
	deltas        int
	errors        int
	gone          bool
	startedAt     time.Time
}

func newSession(requestID, model, prompt string, pw *io.PipeWriter) *session {
	return &session{
		requestID: requestID,
		model:     model,
		prompt:    prompt,
		pw:        pw,
		enc:       stream.NewEncoder(pw),
		cancel:    func() {},
		startedAt: time.Now(),
	}
}

// emit writes one event. After the first failed write every later emit is
// dropped and the upstream call is aborted.
func (s *session) emit(ev stream.Event) error {
	if s.gone {
		return errClientGone
	}

	if err := s.enc.Encode(ev); err != nil {
		s.gone = true
		s.cancel()
		return fmt.Errorf("%w: %w", errClientGone, err)
	}

	switch ev.(type) {
	case stream.Delta:
		s.deltas++
	case stream.Error:
		s.errors++
	}
	return nil
}

// produce runs the whole lifetime of one stream: meta, the upstream relay,
// at most one error describing a fatal failure, then done and close.
func (b *Bridge) produce(s *session) {
	defer s.pw.Close()

	logger := b.logger.With(
		slog.String("request_id", s.requestID),
		slog.String("model", s.model),
	)

	_ = s.emit(stream.Meta{RequestID: s.requestID, Model: s.model})

	ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
	defer cancel()
	s.cancel = cancel

	outcome := OutcomeCompleted
	if err := b.relay(ctx, s, logger); err != nil {
		outcome = b.classify(ctx, err)
		logger.Warn("stream ended with error",
			slog.String("outcome", string(outcome)),
			slog.Any("error", err),
		)

		if outcome != OutcomeClientGone {
			_ = s.emit(stream.Error{Message: b.describe(ctx, err)})
		}
	}

	_ = s.emit(stream.Done{Usage: s.usage})
	cancel()

	summary := Summary{
		RequestID:     s.requestID,
		Model:         s.model,
		Outcome:       outcome,
		Deltas:        s.deltas,
		Errors:        s.errors,
		Reconstructed: s.reconstructed,
		Usage:         s.usage,
		StartedAt:     s.startedAt,
		Duration:      time.Since(s.startedAt),
	}

	logger.Debug("stream complete",
		slog.String("outcome", string(outcome)),
		slog.Int("deltas", summary.Deltas),
		slog.Int("errors", summary.Errors),
		slog.Bool("reconstructed", summary.Reconstructed),
		slog.Duration("duration", summary.Duration),
	)

	if b.config.OnComplete != nil {
		b.config.OnComplete(summary)
	}
}

// relay performs the upstream call and translates its body. A returned error
// is fatal for the stream; per-line problems are emitted inline instead.
func (b *Bridge) relay(ctx context.Context, s *session, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream producer panic: %v", r)
		}
	}()

	if s.gone {
		return errClientGone
	}

	body, err := json.Marshal(openai.ResponsesRequest{
		Model:  s.model,
		Input:  s.prompt,
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("encoding upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating upstream request: %w", err)
	}
	b.headerHandler.SetUpstreamRequestHeaders(httpReq, b.config.APIKey)

	logger.Debug("forwarding streaming request to upstream",
		slog.String("url", b.endpoint),
	)

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return &upstreamStatusError{
			status: httpResp.StatusCode,
			body:   strings.TrimSpace(string(snippet)),
		}
	}

	if httpResp.Body == http.NoBody {
		return errors.New("upstream response has no body")
	}

	lines := sse.NewLineReader(httpResp.Body)
	for {
		line, err := lines.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading upstream stream: %w", err)
		}

		if err := b.handleLine(s, line, logger); err != nil {
			return err
		}
	}
}

// handleLine translates one upstream line into zero or more stream events.
// It returns an error only when the consumer is gone.
func (b *Bridge) handleLine(s *session, line string, logger *slog.Logger) error {
	payload, ok := sse.Data(line)
	if !ok {
		return nil
	}

	rec, err := openai.Decode([]byte(payload))
	if err != nil {
		logger.Warn("invalid upstream payload",
			slog.String("payload", utils.Truncate(payload, maxPayloadPreview)),
			slog.Any("error", err),
		)
		return s.emit(stream.Error{
			Message: fmt.Sprintf("invalid upstream payload %q: %v", utils.Truncate(payload, maxPayloadPreview), err),
		})
	}

	switch r := rec.(type) {
	case openai.TextDelta:
		if r.Text == "" {
			return nil
		}
		s.textSeen = true
		return s.emit(stream.Delta{Text: r.Text})

	case openai.Completed:
		if r.Usage != nil && s.usage == nil {
			s.usage = r.Usage
			if err := s.emit(stream.Usage{Usage: r.Usage}); err != nil {
				return err
			}
		}

		// Some providers send only the consolidated final message.
		if !s.textSeen {
			if text := r.FinalText(); text != "" {
				s.textSeen = true
				s.reconstructed = true
				return s.emit(stream.Delta{Text: text})
			}
		}
		return nil

	case openai.Unknown:
		logger.Debug("ignoring upstream record", slog.String("type", r.Type))
		return nil

	default:
		logger.Debug("unhandled upstream record", slog.String("record", fmt.Sprintf("%T", rec)))
		return nil
	}
}

// classify maps a fatal relay error to an Outcome.
func (b *Bridge) classify(ctx context.Context, err error) Outcome {
	var statusErr *upstreamStatusError

	switch {
	case errors.Is(err, errClientGone):
		return OutcomeClientGone
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.As(err, &statusErr):
		return OutcomeUpstreamError
	default:
		return OutcomeFailed
	}
}

// describe renders the message of the error event for a fatal relay error.
func (b *Bridge) describe(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("upstream timed out after %s", b.config.Timeout)
	}
	return err.Error()
}
