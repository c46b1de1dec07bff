// Package relay serves the stream bridge over HTTP: browser clients POST a
// prompt and read the response back as a newline-delimited JSON stream.
package relay

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/papercomputeco/relay/bridge"
	"github.com/papercomputeco/relay/bridge/header"
	"github.com/papercomputeco/relay/pkg/eventstream"
	"github.com/papercomputeco/relay/pkg/metrics"
	"github.com/papercomputeco/relay/relay/worker"
)

const providerOpenAI = "openai"

// Server is the relay's HTTP front. Streams are produced by the bridge and
// every finished stream is handed to the worker pool for telemetry.
type Server struct {
	config        Config
	bridge        *bridge.Bridge
	workerPool    *worker.Pool
	collector     *metrics.Collector
	logger        *slog.Logger
	server        *fiber.App
	headerHandler *header.Handler
}

// New creates a new relay Server.
// Returns an error if the bridge configuration is incomplete.
func New(config Config, logger *slog.Logger) (*Server, error) {
	collector := metrics.NewCollector()

	wp, err := worker.NewPool(&worker.Config{
		Collector: collector,
		Publisher: config.Publisher,
		Source: eventstream.EventSource{
			Service:  "relay",
			Instance: config.Instance,
			Provider: providerOpenAI,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}

	bridgeConfig := config.Bridge
	bridgeConfig.OnComplete = func(s bridge.Summary) {
		wp.Enqueue(worker.Job{Summary: s})
	}

	b, err := bridge.New(bridgeConfig, logger)
	if err != nil {
		wp.Close()
		return nil, fmt.Errorf("could not create stream bridge: %w", err)
	}

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
	})

	// No compress middleware: it buffers the body and would hold back deltas.
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins(config.CORSOrigins),
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Content-Type," + header.RequestIDHeader,
		ExposeHeaders: header.RequestIDHeader,
	}))

	s := &Server{
		config:        config,
		bridge:        b,
		workerPool:    wp,
		collector:     collector,
		logger:        logger,
		server:        app,
		headerHandler: header.NewHandler(),
	}

	app.Post("/api/chat", s.handleChat)
	app.Get("/ping", s.handlePing)
	app.Get("/stats", s.handleStats)
	app.Get("/metrics", s.handleMetrics)

	return s, nil
}

func corsOrigins(origins []string) string {
	kept := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		return "*"
	}
	return strings.Join(kept, ",")
}

// Run starts the relay server on the configured listening address
func (s *Server) Run() error {
	s.logger.Info("starting relay server",
		slog.String("listen", s.config.ListenAddr),
		slog.String("upstream", s.config.Bridge.UpstreamURL),
		slog.String("model", s.bridge.Model()),
	)

	return s.server.Listen(s.config.ListenAddr)
}

// RunWithListener starts the relay server using the provided listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting relay server",
		slog.String("listen", listener.Addr().String()),
		slog.String("upstream", s.config.Bridge.UpstreamURL),
		slog.String("model", s.bridge.Model()),
	)

	return s.server.Listener(listener)
}

// Close gracefully shuts down the server and waits for the worker pool to drain
func (s *Server) Close() error {
	err := s.server.Shutdown()
	s.workerPool.Close()
	return err
}
