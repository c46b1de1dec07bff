package config

const (
	defaultListen = ":8080"

	defaultUpstreamURL     = "https://api.openai.com/v1"
	defaultUpstreamModel   = "gpt-4.1-mini"
	defaultUpstreamTimeout = "1m0s"

	defaultEventStreamProvider = "nop"
	defaultEventStreamTopic    = "relay.stream.completed"

	defaultClientRelayTarget = "http://localhost:8080"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Server: ServerConfig{
			Listen: defaultListen,
		},
		Upstream: UpstreamConfig{
			URL:     defaultUpstreamURL,
			Model:   defaultUpstreamModel,
			Timeout: defaultUpstreamTimeout,
		},
		EventStream: EventStreamConfig{
			Provider: defaultEventStreamProvider,
			Topic:    defaultEventStreamTopic,
		},
		Client: ClientConfig{
			RelayTarget: defaultClientRelayTarget,
		},
	}
}
