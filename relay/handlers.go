package relay

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/relay/bridge"
	"github.com/papercomputeco/relay/bridge/header"
	"github.com/papercomputeco/relay/pkg/metrics"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	RequestID string `json:"requestId,omitempty"`
}

// handleChat validates the request and answers with the bridge's stream.
// Failures before the stream exists are plain-text status responses; after
// that the stream is the only error channel.
func (s *Server) handleChat(c *fiber.Ctx) error {
	var req ChatRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		s.collector.RecordRejected("bad_request")
		s.logger.Debug("rejecting unparseable chat request", slog.Any("error", err))
		return c.Status(fiber.StatusBadRequest).SendString("request body must be a JSON object with a prompt")
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = c.Get(header.RequestIDHeader)
	}

	st, err := s.bridge.Open(req.Prompt, requestID)
	switch {
	case errors.Is(err, bridge.ErrMissingCredential):
		s.collector.RecordRejected("missing_credential")
		s.logger.Error("chat request rejected, no upstream credential configured")
		return c.Status(fiber.StatusInternalServerError).SendString("relay is missing its upstream credential")
	case errors.Is(err, bridge.ErrEmptyPrompt):
		s.collector.RecordRejected("empty_prompt")
		return c.Status(fiber.StatusBadRequest).SendString(err.Error())
	case err != nil:
		s.collector.RecordRejected("internal")
		s.logger.Error("could not open stream", slog.Any("error", err))
		return c.Status(fiber.StatusInternalServerError).SendString("internal error")
	}

	s.collector.RecordOpened()
	s.logger.Debug("streaming chat response",
		slog.String("request_id", st.RequestID),
		slog.String("model", st.Model),
	)

	s.headerHandler.SetClientStreamHeaders(c, st.RequestID)

	// Unknown size (-1) selects chunked transfer encoding. fasthttp closes
	// the body when the client goes away, which aborts the producer.
	c.Context().Response.SetBodyStream(st.Body, -1)

	return nil
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleStats returns the collector's counters as JSON.
func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.collector.Snapshot())
}

// handleMetrics returns the collector's counters in Prometheus text format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(metrics.FormatPrometheus(s.collector.Snapshot()))
}
