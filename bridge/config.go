package bridge

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds one upstream call, measured from connection start.
const DefaultTimeout = 60 * time.Second

// Config is the stream bridge configuration.
type Config struct {
	// UpstreamURL is the base URL of the completion API
	// (e.g., "https://api.openai.com/v1"). Requests go to UpstreamURL + "/responses".
	UpstreamURL string

	// APIKey is the bearer credential for the upstream API. It is checked when
	// a stream is opened, not at construction, so a relay can start without
	// one and report the missing credential per request.
	APIKey string

	// Model is the upstream model name sent with every request and reported
	// in each stream's meta event.
	Model string

	// Timeout bounds each upstream call. Defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient is used for upstream calls. Defaults to a client without a
	// client-level timeout; Timeout is enforced per request via context.
	HTTPClient *http.Client

	// OnComplete, if set, receives a Summary after each stream's done event
	// has been written. It runs on the producing goroutine and must not block.
	OnComplete func(Summary)
}
