// Package header sets the headers on both legs of a relayed stream.
//
// The bridge sits between a browser client and the upstream completion API:
//
//	Client <--> Relay <--> Upstream Completion API
//
// Each leg has its own fixed header set. Nothing is copied from one leg to
// the other: the client never sees upstream headers and the upstream never
// sees client headers.
package header

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/relay/pkg/stream"
)

// RequestIDHeader echoes the stream's correlation id to the client so it
// is available before the first event is read.
const RequestIDHeader = "X-Request-Id"

// Handler manages headers between relay connections.
type Handler struct{}

// NewHandler creates a new header Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// SetUpstreamRequestHeaders sets the headers of a streaming request to the
// upstream completion API.
func (h *Handler) SetUpstreamRequestHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
}

// SetClientStreamHeaders sets the headers of a streamed NDJSON response.
func (h *Handler) SetClientStreamHeaders(c *fiber.Ctx, requestID string) {
	c.Set(fiber.HeaderContentType, stream.ContentType)
	c.Set(fiber.HeaderCacheControl, "no-store")

	// Reverse proxies such as nginx buffer responses by default, which would
	// hold back deltas until the stream ends.
	c.Set("X-Accel-Buffering", "no")

	if requestID != "" {
		c.Set(RequestIDHeader, requestID)
	}
}
