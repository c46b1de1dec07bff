package relay

import (
	"github.com/papercomputeco/relay/bridge"
	"github.com/papercomputeco/relay/pkg/eventstream"
)

// Config is the relay server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080")
	ListenAddr string

	// CORSOrigins lists the browser origins allowed to call the relay.
	// Empty allows any origin.
	CORSOrigins []string

	// Bridge configures the upstream stream bridge. Its OnComplete hook is
	// owned by the server and overwritten.
	Bridge bridge.Config

	// Publisher is an optional completion event publisher.
	// If nil, completions are only counted.
	Publisher eventstream.Publisher

	// Instance names this relay in published events (e.g., the hostname).
	Instance string
}
