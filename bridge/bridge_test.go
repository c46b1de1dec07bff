package bridge_test

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/relay/bridge"
	"github.com/papercomputeco/relay/pkg/logger"
	"github.com/papercomputeco/relay/pkg/stream"
)

const (
	deltaHi    = `data: {"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"content_index":0,"delta":"Hi"}`
	deltaThere = `data: {"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"content_index":0,"delta":" there"}`
	completed  = `data: {"type":"response.completed","response":{"id":"resp_1","status":"completed","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hi there"}]}],"usage":{"total_tokens":12}}}`
)

// sseServer returns an upstream that writes each piece and flushes after it.
func sseServer(pieces ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		Expect(ok).To(BeTrue())

		for _, piece := range pieces {
			fmt.Fprint(w, piece)
			flusher.Flush()
		}
	}))
}

// piecesReader returns exactly one piece per Read call.
type piecesReader struct {
	pieces []string
}

func (p *piecesReader) Read(b []byte) (int, error) {
	if len(p.pieces) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.pieces[0])
	p.pieces[0] = p.pieces[0][n:]
	if p.pieces[0] == "" {
		p.pieces = p.pieces[1:]
	}
	return n, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// piecesClient is an HTTP client whose every response body is delivered in
// exactly the given read-sized pieces.
func piecesClient(pieces ...string) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Body:       io.NopCloser(&piecesReader{pieces: append([]string(nil), pieces...)}),
			Request:    r,
		}, nil
	})}
}

func newTestBridge(config bridge.Config) *bridge.Bridge {
	if config.APIKey == "" {
		config.APIKey = "sk-test"
	}
	if config.Model == "" {
		config.Model = "gpt-4.1-mini"
	}
	if config.UpstreamURL == "" {
		config.UpstreamURL = "http://upstream.invalid/v1"
	}

	b, err := bridge.New(config, logger.Nop())
	Expect(err).NotTo(HaveOccurred())
	return b
}

// readEvents drains a stream body into its decoded events.
func readEvents(body io.ReadCloser) []stream.Event {
	defer body.Close()

	var events []stream.Event
	dec := stream.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		Expect(err).NotTo(HaveOccurred())
		events = append(events, ev)
	}
}

// relay opens a stream on b and returns all of its events.
func relay(b *bridge.Bridge) []stream.Event {
	s, err := b.Open("Say hi", "req-1")
	Expect(err).NotTo(HaveOccurred())
	return readEvents(s.Body)
}

func kinds(events []stream.Event) []stream.Kind {
	out := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind())
	}
	return out
}

var _ = Describe("Bridge", func() {
	var upstream *httptest.Server

	AfterEach(func() {
		if upstream != nil {
			upstream.Close()
			upstream = nil
		}
	})

	Describe("New", func() {
		It("requires an upstream URL", func() {
			_, err := bridge.New(bridge.Config{Model: "m"}, logger.Nop())
			Expect(err).To(HaveOccurred())
		})

		It("requires a model", func() {
			_, err := bridge.New(bridge.Config{UpstreamURL: "http://upstream"}, logger.Nop())
			Expect(err).To(HaveOccurred())
		})

		It("falls back to a discarding logger when none is given", func() {
			upstream = sseServer(deltaHi + "\n\n")
			b, err := bridge.New(bridge.Config{
				UpstreamURL: upstream.URL,
				APIKey:      "sk-test",
				Model:       "gpt-4.1-mini",
			}, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(kinds(relay(b))).To(Equal([]stream.Kind{stream.KindMeta, stream.KindDelta, stream.KindDone}))
		})
	})

	Describe("Open", func() {
		It("fails before streaming when the credential is missing", func() {
			b, err := bridge.New(bridge.Config{UpstreamURL: "http://upstream", Model: "m"}, logger.Nop())
			Expect(err).NotTo(HaveOccurred())

			s, err := b.Open("hello", "")
			Expect(err).To(MatchError(bridge.ErrMissingCredential))
			Expect(s).To(BeNil())
		})

		It("fails before streaming when the prompt is blank", func() {
			b := newTestBridge(bridge.Config{})

			s, err := b.Open("  \n\t ", "")
			Expect(err).To(MatchError(bridge.ErrEmptyPrompt))
			Expect(s).To(BeNil())
		})

		It("generates a request id when none is given", func() {
			upstream = sseServer(completed + "\n\n")
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			s, err := b.Open("hello", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.RequestID).NotTo(BeEmpty())

			events := readEvents(s.Body)
			Expect(events[0]).To(Equal(stream.Meta{RequestID: s.RequestID, Model: "gpt-4.1-mini"}))
		})

		It("returns before the upstream responds and writes meta first", func() {
			release := make(chan struct{})
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				<-release
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, deltaHi+"\n\n")
			}))
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			s, err := b.Open("hello", "req-early")
			Expect(err).NotTo(HaveOccurred())

			dec := stream.NewDecoder(s.Body)
			ev, err := dec.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(ev).To(Equal(stream.Meta{RequestID: "req-early", Model: "gpt-4.1-mini"}))

			close(release)
			rest := readEvents(s.Body)
			Expect(kinds(rest)).To(Equal([]stream.Kind{stream.KindDelta, stream.KindDone}))
		})
	})

	Describe("upstream request", func() {
		It("posts a streaming Responses request with bearer auth", func() {
			var (
				gotPath, gotAuth, gotBody string
			)
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				raw, _ := io.ReadAll(r.Body)
				gotBody = string(raw)
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: [DONE]\n\n")
			}))
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL + "/v1/", APIKey: "sk-abc"})

			relay(b)

			Expect(gotPath).To(Equal("/v1/responses"))
			Expect(gotAuth).To(Equal("Bearer sk-abc"))
			Expect(gotBody).To(MatchJSON(`{"model":"gpt-4.1-mini","input":"Say hi","stream":true}`))
		})
	})

	Describe("stream translation", func() {
		It("relays deltas, usage, and done in order", func() {
			upstream = sseServer(
				"event: response.output_text.delta\n"+deltaHi+"\n\n",
				"event: response.output_text.delta\n"+deltaThere+"\n\n",
				"event: response.completed\n"+completed+"\n\n",
			)
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(events).To(HaveLen(5))
			Expect(events[0]).To(Equal(stream.Meta{RequestID: "req-1", Model: "gpt-4.1-mini"}))
			Expect(events[1]).To(Equal(stream.Delta{Text: "Hi"}))
			Expect(events[2]).To(Equal(stream.Delta{Text: " there"}))

			usage, ok := events[3].(stream.Usage)
			Expect(ok).To(BeTrue())
			Expect(string(usage.Usage)).To(MatchJSON(`{"total_tokens":12}`))

			done, ok := events[4].(stream.Done)
			Expect(ok).To(BeTrue())
			Expect(string(done.Usage)).To(MatchJSON(`{"total_tokens":12}`))
		})

		It("reconstructs text from the completed record when no delta arrived", func() {
			upstream = sseServer(
				`data: {"type":"response.created","response":{"id":"resp_1"}}` + "\n\n",
				`data: {"type":"response.completed","response":{"output":[{"type":"message","content":[{"type":"output_text","text":"Hel"},{"type":"output_text","text":"lo"}]}]}}` + "\n\n",
			)
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{stream.KindMeta, stream.KindDelta, stream.KindDone}))
			Expect(events[1]).To(Equal(stream.Delta{Text: "Hello"}))
			Expect(events[2]).To(Equal(stream.Done{}))
		})

		It("does not repeat the final text when deltas were already relayed", func() {
			upstream = sseServer(deltaHi+"\n\n", completed+"\n\n")
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{
				stream.KindMeta, stream.KindDelta, stream.KindUsage, stream.KindDone,
			}))
		})

		It("skips empty deltas, comments, unknown records, and the done sentinel", func() {
			upstream = sseServer(
				": keep-alive\n\n",
				`data: {"type":"response.output_text.delta","delta":""}`+"\n\n",
				`data: {"type":"response.in_progress"}`+"\n\n",
				"data:\n\n",
				deltaHi+"\n\n",
				"data: [DONE]\n\n",
			)
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{stream.KindMeta, stream.KindDelta, stream.KindDone}))
		})

		It("skips valid records of shapes it does not act on", func() {
			upstream = sseServer(
				`data: {"type":"response.future.delta","delta":{"parts":[1]}}`+"\n\n",
				`data: {"type":"response.future","response":"text"}`+"\n\n",
				"data: 42\n\n",
				`data: ["a"]`+"\n\n",
				deltaHi+"\n\n",
			)
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{stream.KindMeta, stream.KindDelta, stream.KindDone}))
		})

		It("reports a malformed payload and keeps going", func() {
			upstream = sseServer(
				"data: {not json\n\n",
				deltaHi+"\n\n",
				"data: {\"type\":\n\n",
				deltaThere+"\n\n",
			)
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{
				stream.KindMeta, stream.KindError, stream.KindDelta, stream.KindError, stream.KindDelta, stream.KindDone,
			}))
			Expect(events[1].(stream.Error).Message).To(ContainSubstring("{not json"))
		})

		It("processes a last data line that has no trailing newline", func() {
			upstream = sseServer(deltaHi+"\n\n", deltaThere)
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(events).To(ContainElement(stream.Delta{Text: " there"}))
			Expect(kinds(events)).To(Equal([]stream.Kind{
				stream.KindMeta, stream.KindDelta, stream.KindDelta, stream.KindDone,
			}))
		})
	})

	Describe("chunk boundaries", func() {
		body := deltaHi + "\n\n" + deltaThere + "\n\n" + completed + "\n\n"

		It("gives the same events when a line splits between marker and payload", func() {
			whole := relay(newTestBridge(bridge.Config{HTTPClient: piecesClient(body)}))

			marker := strings.Index(body, "data:") + len("data:")
			split := relay(newTestBridge(bridge.Config{HTTPClient: piecesClient(body[:marker], body[marker:])}))

			Expect(split).To(Equal(whole))
		})

		It("gives the same events for every two-piece split", func() {
			whole := relay(newTestBridge(bridge.Config{HTTPClient: piecesClient(body)}))

			for i := 1; i < len(body); i += 7 {
				split := relay(newTestBridge(bridge.Config{HTTPClient: piecesClient(body[:i], body[i:])}))
				Expect(split).To(Equal(whole), "split at %d", i)
			}
		})

		It("gives the same events when every byte is its own chunk", func() {
			whole := relay(newTestBridge(bridge.Config{HTTPClient: piecesClient(body)}))

			pieces := make([]string, 0, len(body))
			for i := range len(body) {
				pieces = append(pieces, body[i:i+1])
			}
			bytewise := relay(newTestBridge(bridge.Config{HTTPClient: piecesClient(pieces...)}))

			Expect(bytewise).To(Equal(whole))
		})
	})

	Describe("upstream failures", func() {
		It("reports a non-success status once and finishes without usage", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided"}}`)
			}))
			b := newTestBridge(bridge.Config{UpstreamURL: upstream.URL})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{stream.KindMeta, stream.KindError, stream.KindDone}))
			Expect(events[1].(stream.Error).Message).To(ContainSubstring("401"))
			Expect(events[1].(stream.Error).Message).To(ContainSubstring("Incorrect API key"))
			Expect(events[2]).To(Equal(stream.Done{}))
		})

		It("reports an unreachable upstream and still finishes", func() {
			closed := httptest.NewServer(http.NotFoundHandler())
			closedURL := closed.URL
			closed.Close()

			b := newTestBridge(bridge.Config{UpstreamURL: closedURL})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{stream.KindMeta, stream.KindError, stream.KindDone}))
		})

		It("reports a response without a body", func() {
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
			})}
			b := newTestBridge(bridge.Config{HTTPClient: client})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{stream.KindMeta, stream.KindError, stream.KindDone}))
			Expect(events[1].(stream.Error).Message).To(ContainSubstring("no body"))
		})

		It("recovers from a panic in the upstream call and still finishes", func() {
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				panic("transport exploded")
			})}
			summaries := make(chan bridge.Summary, 1)
			b := newTestBridge(bridge.Config{
				HTTPClient: client,
				OnComplete: func(s bridge.Summary) { summaries <- s },
			})

			events := relay(b)

			Expect(kinds(events)).To(Equal([]stream.Kind{stream.KindMeta, stream.KindError, stream.KindDone}))
			Expect(events[1].(stream.Error).Message).To(ContainSubstring("transport exploded"))

			var summary bridge.Summary
			Eventually(summaries).Should(Receive(&summary))
			Expect(summary.Outcome).To(Equal(bridge.OutcomeFailed))
		})

		It("times out a silent upstream with one error and one done", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, deltaHi+"\n\n")
				w.(http.Flusher).Flush()

				select {
				case <-r.Context().Done():
				case <-time.After(10 * time.Second):
				}
			}))

			var completions atomic.Int32
			b := newTestBridge(bridge.Config{
				UpstreamURL: upstream.URL,
				Timeout:     200 * time.Millisecond,
				OnComplete:  func(bridge.Summary) { completions.Add(1) },
			})

			start := time.Now()
			events := relay(b)

			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
			Expect(kinds(events)).To(Equal([]stream.Kind{
				stream.KindMeta, stream.KindDelta, stream.KindError, stream.KindDone,
			}))
			Expect(events[2].(stream.Error).Message).To(ContainSubstring("timed out"))

			Consistently(completions.Load, 400*time.Millisecond, 50*time.Millisecond).Should(BeNumerically("==", 1))
		})
	})

	Describe("OnComplete", func() {
		It("receives a summary of a completed stream", func() {
			upstream = sseServer(deltaHi+"\n\n", deltaThere+"\n\n", completed+"\n\n")

			summaries := make(chan bridge.Summary, 1)
			b := newTestBridge(bridge.Config{
				UpstreamURL: upstream.URL,
				OnComplete:  func(s bridge.Summary) { summaries <- s },
			})

			relay(b)

			var summary bridge.Summary
			Eventually(summaries).Should(Receive(&summary))
			Expect(summary.RequestID).To(Equal("req-1"))
			Expect(summary.Outcome).To(Equal(bridge.OutcomeCompleted))
			Expect(summary.Deltas).To(Equal(2))
			Expect(summary.Errors).To(BeZero())
			Expect(summary.Reconstructed).To(BeFalse())
			Expect(string(summary.Usage)).To(MatchJSON(`{"total_tokens":12}`))
		})

		It("classifies non-success responses", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))

			summaries := make(chan bridge.Summary, 1)
			b := newTestBridge(bridge.Config{
				UpstreamURL: upstream.URL,
				OnComplete:  func(s bridge.Summary) { summaries <- s },
			})

			relay(b)

			var summary bridge.Summary
			Eventually(summaries).Should(Receive(&summary))
			Expect(summary.Outcome).To(Equal(bridge.OutcomeUpstreamError))
			Expect(summary.Errors).To(Equal(1))
		})

		It("aborts the upstream call when the consumer goes away", func() {
			next := make(chan struct{})
			upstreamDone := make(chan struct{})
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				defer close(upstreamDone)
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, deltaHi+"\n\n")
				w.(http.Flusher).Flush()

				<-next
				fmt.Fprint(w, deltaThere+"\n\n")
				w.(http.Flusher).Flush()

				select {
				case <-r.Context().Done():
				case <-time.After(10 * time.Second):
				}
			}))

			summaries := make(chan bridge.Summary, 1)
			b := newTestBridge(bridge.Config{
				UpstreamURL: upstream.URL,
				OnComplete:  func(s bridge.Summary) { summaries <- s },
			})

			s, err := b.Open("hello", "req-gone")
			Expect(err).NotTo(HaveOccurred())

			dec := stream.NewDecoder(s.Body)
			for range 2 {
				_, err := dec.Next()
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(s.Body.Close()).To(Succeed())
			close(next)

			var summary bridge.Summary
			Eventually(summaries, 5*time.Second).Should(Receive(&summary))
			Expect(summary.Outcome).To(Equal(bridge.OutcomeClientGone))
			Eventually(upstreamDone, 5*time.Second).Should(BeClosed())
		})
	})
})
