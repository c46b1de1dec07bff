// Package servecmder provides the serve command that runs the relay server.
package servecmder

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papercomputeco/relay/bridge"
	"github.com/papercomputeco/relay/pkg/config"
	"github.com/papercomputeco/relay/pkg/credentials"
	eventstreamutils "github.com/papercomputeco/relay/pkg/eventstream/utils"
	"github.com/papercomputeco/relay/pkg/logger"
	"github.com/papercomputeco/relay/relay"
)

// serveFlags are the registry keys the serve command exposes.
var serveFlags = []string{
	config.FlagListen,
	config.FlagCORSOrigins,
	config.FlagUpstream,
	config.FlagModel,
	config.FlagTimeout,
	config.FlagEventStreamProvider,
	config.FlagEventStreamBrokers,
	config.FlagEventStreamTopic,
}

type serveCommander struct {
	flags config.FlagSet

	listen      string
	corsOrigins string
	upstream    string
	model       string
	timeout     time.Duration

	eventStreamProvider string
	eventStreamBrokers  string
	eventStreamTopic    string

	logFile   string
	noColor   bool
	configDir string
	debug     bool

	viper  *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
}

const serveLongDesc string = `Run the relay server.

The relay accepts POST /api/chat with a JSON body {"prompt": "..."} and
streams the upstream model's reply back as newline-delimited JSON events:
meta, delta, usage, error and a final done.

The upstream API key is read from OPENAI_API_KEY, falling back to the key
stored with "relay auth openai". Settings come from flags, RELAY_* environment
variables, config.toml and built-in defaults, in that order.

Examples:
  relay serve
  relay serve --listen :9000 --model gpt-4o
  relay serve --eventstream-provider kafka --eventstream-brokers localhost:9092`

const serveShortDesc string = "Run the relay server"

func NewServeCmd() *cobra.Command {
	return newServeCmd(&serveCommander{
		flags: config.RelayFlags,
	})
}

func newServeCmd(cmder *serveCommander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			cmder.viper, err = config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(cmder.viper, cmd, cmder.flags, serveFlags)

			cmder.cfg, err = config.FromViper(cmder.viper)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, cmder.flags, config.FlagListen, &cmder.listen)
	config.AddStringFlag(cmd, cmder.flags, config.FlagCORSOrigins, &cmder.corsOrigins)
	config.AddStringFlag(cmd, cmder.flags, config.FlagUpstream, &cmder.upstream)
	config.AddStringFlag(cmd, cmder.flags, config.FlagModel, &cmder.model)
	config.AddDurationFlag(cmd, cmder.flags, config.FlagTimeout, &cmder.timeout)
	config.AddStringFlag(cmd, cmder.flags, config.FlagEventStreamProvider, &cmder.eventStreamProvider)
	config.AddStringFlag(cmd, cmder.flags, config.FlagEventStreamBrokers, &cmder.eventStreamBrokers)
	config.AddStringFlag(cmd, cmder.flags, config.FlagEventStreamTopic, &cmder.eventStreamTopic)
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Also write JSON logs to this file")
	cmd.Flags().BoolVar(&cmder.noColor, "no-color", false, "Disable colors in terminal logs")

	return cmd
}

func (c *serveCommander) run() error {
	var closeLog func()
	c.logger, closeLog = c.newLogger()
	defer closeLog()

	config.WatchConfig(c.viper, c.logger)

	relayConfig, err := c.relayConfig()
	if err != nil {
		return err
	}

	publisher, err := eventstreamutils.NewPublisher(&eventstreamutils.NewPublisherOpts{
		ProviderType: c.cfg.EventStream.Provider,
		Brokers:      c.cfg.EventStream.Brokers,
		Topic:        c.cfg.EventStream.Topic,
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating event publisher: %w", err)
	}
	defer publisher.Close()
	relayConfig.Publisher = publisher

	server, err := relay.New(relayConfig, c.logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("relay server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = server.Close()
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		return server.Close()
	}
}

// relayConfig assembles the server configuration from the resolved config
// and the stored credential.
func (c *serveCommander) relayConfig() (relay.Config, error) {
	timeout, err := c.cfg.TimeoutDuration()
	if err != nil {
		return relay.Config{}, err
	}

	mgr, err := credentials.NewManager(c.configDir)
	if err != nil {
		return relay.Config{}, fmt.Errorf("loading credentials: %w", err)
	}
	apiKey, source, err := mgr.Resolve("openai")
	if err != nil {
		return relay.Config{}, fmt.Errorf("loading credentials: %w", err)
	}
	if source == credentials.SourceNone {
		c.logger.Warn("no upstream API key configured; chat requests will fail until one is set",
			slog.String("env", credentials.EnvVarForProvider("openai")),
		)
	} else {
		c.logger.Debug("resolved upstream API key", slog.String("source", string(source)))
	}

	instance, _ := os.Hostname()

	return relay.Config{
		ListenAddr:  c.cfg.Server.Listen,
		CORSOrigins: c.cfg.Server.CORSOrigins,
		Instance:    instance,
		Bridge: bridge.Config{
			UpstreamURL: c.cfg.Upstream.URL,
			APIKey:      apiKey,
			Model:       c.cfg.Upstream.Model,
			Timeout:     timeout,
		},
	}, nil
}

// newLogger builds the terminal logger and, with --log-file, fans records out
// to a JSON log file as well. The returned func closes the file.
func (c *serveCommander) newLogger() (*slog.Logger, func()) {
	term := logger.New(
		logger.WithDebug(c.debug),
		logger.WithPretty(true),
		logger.WithNoColor(c.noColor),
		logger.WithWriter(os.Stderr),
	)
	if c.logFile == "" {
		return term, func() {}
	}

	f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		term.Warn("could not open log file, logging to terminal only",
			slog.String("path", c.logFile),
			slog.Any("error", err),
		)
		return term, func() {}
	}

	file := logger.New(logger.WithDebug(c.debug), logger.WithJSON(true), logger.WithWriter(f))
	return logger.Multi(term, file), func() { _ = f.Close() }
}
