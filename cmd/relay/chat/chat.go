// Package chatcmder provides the chat command, a terminal client for a
// running relay's event stream.
package chatcmder

import (
	"bufio"
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

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/relay/bridge/header"
	"github.com/papercomputeco/relay/pkg/cliui"
	"github.com/papercomputeco/relay/pkg/config"
	"github.com/papercomputeco/relay/pkg/logger"
	"github.com/papercomputeco/relay/pkg/stream"
	"github.com/papercomputeco/relay/relay"
)

type chatCommander struct {
	flags config.FlagSet

	relayTarget string
	render      bool
	debug       bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	httpClient *http.Client
	logger     *slog.Logger
}

// reply is what one relayed stream produced.
type reply struct {
	requestID string
	model     string
	text      strings.Builder
	usage     json.RawMessage
	errors    []string
}

type usageTokens struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

const chatLongDesc string = `Chat with the upstream model through a running relay.

Each prompt is sent to the relay's POST /api/chat endpoint and the reply is
printed as its delta events arrive. With a prompt argument the command sends
one message and exits; without one it reads prompts from stdin until /exit
or Ctrl+D.

Use --render to wait for the whole reply and render it as markdown.

Examples:
  relay chat "Write a haiku about pipes"
  relay chat --relay-target http://localhost:9000
  relay chat --render "Explain NDJSON with an example"`

const chatShortDesc string = "Chat through a running relay"

func NewChatCmd() *cobra.Command {
	return newChatCmd(&chatCommander{
		flags: config.RelayFlags,
	})
}

func newChatCmd(cmder *chatCommander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, cmder.flags, []string{config.FlagRelayTarget})

			cmder.relayTarget = strings.TrimSuffix(v.GetString("client.relay_target"), "/")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			cmder.in = cmd.InOrStdin()
			cmder.out = cmd.OutOrStdout()
			cmder.errOut = cmd.ErrOrStderr()

			if len(args) > 0 {
				return cmder.once(cmd.Context(), strings.Join(args, " "))
			}
			return cmder.interactive(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, cmder.flags, config.FlagRelayTarget, &cmder.relayTarget)
	cmd.Flags().BoolVarP(&cmder.render, "render", "r", false, "Render the complete reply as markdown")

	return cmd
}

func (c *chatCommander) setup() {
	if c.logger == nil {
		c.logger = logger.New(logger.WithDebug(c.debug), logger.WithPretty(true), logger.WithWriter(c.errOut))
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			// Replies can be slow; the relay bounds the upstream call itself.
			Timeout: 5 * time.Minute,
		}
	}
}

func (c *chatCommander) once(ctx context.Context, prompt string) error {
	c.setup()
	_, err := c.ask(ctx, prompt)
	return err
}

func (c *chatCommander) interactive(ctx context.Context) error {
	c.setup()

	fmt.Fprintf(c.out, "\n  %s %s\n", cliui.KeyStyle.Render("Relay:"), cliui.ValueStyle.Render(c.relayTarget))
	fmt.Fprintf(c.out, "  %s\n\n", cliui.DimStyle.Render("Type your message and press Enter. /exit or Ctrl+D to quit."))

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, cliui.UserPrompt)
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/exit" {
			break
		}

		if _, err := c.ask(ctx, input); err != nil {
			fmt.Fprintf(c.errOut, "  %s %v\n", cliui.FailMark, err)
		}
		fmt.Fprintln(c.out)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fmt.Fprintln(c.out)
	return nil
}

// ask sends one prompt and prints the reply.
func (c *chatCommander) ask(ctx context.Context, prompt string) (*reply, error) {
	if !c.render {
		fmt.Fprint(c.out, cliui.AssistantPrompt)
		r, err := c.streamReply(ctx, prompt, func(text string) {
			fmt.Fprint(c.out, text)
		}, c.printStreamError)
		fmt.Fprintln(c.out)
		if err != nil {
			return r, err
		}
		c.printUsage(r)
		return r, nil
	}

	// The spinner owns errOut until Step returns.
	var r *reply
	err := cliui.Step(c.errOut, "Waiting for reply", func() error {
		var err error
		r, err = c.streamReply(ctx, prompt, nil, nil)
		return err
	})
	if r != nil {
		for _, msg := range r.errors {
			c.printStreamError(msg)
		}
	}
	if err != nil {
		return r, err
	}

	rendered, err := cliui.RenderMarkdown(r.text.String())
	if err != nil {
		c.logger.Debug("could not render reply as markdown", slog.Any("error", err))
	}
	fmt.Fprint(c.out, rendered)
	c.printUsage(r)
	return r, nil
}

// streamReply posts prompt to the relay and consumes the event stream until
// its done event. onDelta and onError, if set, receive each text fragment and
// each error message as it arrives; both are always collected in the reply.
func (c *chatCommander) streamReply(ctx context.Context, prompt string, onDelta, onError func(string)) (*reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.Marshal(relay.ChatRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.relayTarget + "/api/chat"
	c.logger.Debug("sending chat request", slog.String("relay_target", url))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	r := &reply{requestID: resp.Header.Get(header.RequestIDHeader)}
	dec := stream.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, stream.ErrUnknownKind) {
			c.logger.Debug("skipping unknown stream event", slog.Any("error", err))
			continue
		}
		if errors.Is(err, io.EOF) {
			return r, errors.New("stream ended before its done event")
		}
		if err != nil {
			return r, fmt.Errorf("reading stream: %w", err)
		}

		switch e := ev.(type) {
		case stream.Meta:
			r.requestID = e.RequestID
			r.model = e.Model
			c.logger.Debug("stream opened",
				slog.String("request_id", e.RequestID),
				slog.String("model", e.Model),
			)
		case stream.Delta:
			// Model output is untrusted; it must not drive the terminal.
			text := ansi.Strip(e.Text)
			r.text.WriteString(text)
			if onDelta != nil {
				onDelta(text)
			}
		case stream.Usage:
			r.usage = e.Usage
		case stream.Error:
			msg := ansi.Strip(e.Message)
			r.errors = append(r.errors, msg)
			if onError != nil {
				onError(msg)
			}
		case stream.Done:
			if r.usage == nil {
				r.usage = e.Usage
			}
			return r, nil
		}
	}
}

func (c *chatCommander) printStreamError(msg string) {
	fmt.Fprintf(c.errOut, "\n  %s %s\n", cliui.FailMark, cliui.ErrorStyle.Render(msg))
}

func (c *chatCommander) printUsage(r *reply) {
	if r == nil || len(r.usage) == 0 {
		return
	}

	var u usageTokens
	if err := json.Unmarshal(r.usage, &u); err != nil {
		fmt.Fprintf(c.out, "  %s\n", cliui.DimStyle.Render("usage: "+string(r.usage)))
		return
	}
	fmt.Fprintf(c.out, "  %s\n", cliui.DimStyle.Render(
		fmt.Sprintf("%d input tokens, %d output tokens", u.InputTokens, u.OutputTokens),
	))
}
