package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/relay/bridge"
	"github.com/papercomputeco/relay/pkg/logger"
	"github.com/papercomputeco/relay/pkg/stream"
)

// newTestRelay creates a Server pointed at the given upstream URL.
func newTestRelay(upstreamURL, apiKey string, origins ...string) *Server {
	s, err := New(Config{
		ListenAddr:  ":0",
		CORSOrigins: origins,
		Bridge: bridge.Config{
			UpstreamURL: upstreamURL,
			APIKey:      apiKey,
			Model:       "gpt-4.1-mini",
		},
	}, logger.Nop())
	Expect(err).NotTo(HaveOccurred())
	return s
}

func chatRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeAll(r io.Reader) []stream.Event {
	var events []stream.Event
	dec := stream.NewDecoder(r)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		Expect(err).NotTo(HaveOccurred())
		events = append(events, ev)
	}
}

var _ = Describe("Relay", func() {
	var (
		s        *Server
		upstream *httptest.Server
	)

	AfterEach(func() {
		if s != nil {
			s.Close()
			s = nil
		}
		if upstream != nil {
			upstream.Close()
			upstream = nil
		}
	})

	It("rejects an incomplete bridge configuration", func() {
		_, err := New(Config{Bridge: bridge.Config{Model: "m"}}, logger.Nop())
		Expect(err).To(HaveOccurred())
	})

	Context("with a streaming upstream", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				flusher := w.(http.Flusher)

				for _, piece := range []string{
					`data: {"type":"response.output_text.delta","delta":"Hi"}` + "\n\n",
					`data: {"type":"response.output_text.delta","delta":" there"}` + "\n\n",
					`data: {"type":"response.completed","response":{"usage":{"input_tokens":7,"output_tokens":5,"total_tokens":12}}}` + "\n\n",
				} {
					fmt.Fprint(w, piece)
					flusher.Flush()
				}
			}))
			s = newTestRelay(upstream.URL, "sk-test")
		})

		It("streams NDJSON events with no-store caching", func() {
			resp, err := s.server.Test(chatRequest(`{"prompt":"Say hi","requestId":"req-42"}`), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson; charset=utf-8"))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-store"))
			Expect(resp.Header.Get("X-Request-Id")).To(Equal("req-42"))

			events := decodeAll(resp.Body)
			Expect(events).To(HaveLen(5))
			Expect(events[0]).To(Equal(stream.Meta{RequestID: "req-42", Model: "gpt-4.1-mini"}))
			Expect(events[1]).To(Equal(stream.Delta{Text: "Hi"}))
			Expect(events[2]).To(Equal(stream.Delta{Text: " there"}))
			Expect(events[3].Kind()).To(Equal(stream.KindUsage))
			Expect(events[4].Kind()).To(Equal(stream.KindDone))
		})

		It("falls back to the request id header", func() {
			req := chatRequest(`{"prompt":"Say hi"}`)
			req.Header.Set("X-Request-Id", "from-header")

			resp, err := s.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			events := decodeAll(resp.Body)
			Expect(events[0]).To(Equal(stream.Meta{RequestID: "from-header", Model: "gpt-4.1-mini"}))
		})

		It("generates a request id when none is given", func() {
			resp, err := s.server.Test(chatRequest(`{"prompt":"Say hi"}`), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			generated := resp.Header.Get("X-Request-Id")
			Expect(generated).NotTo(BeEmpty())

			events := decodeAll(resp.Body)
			Expect(events[0].(stream.Meta).RequestID).To(Equal(generated))
		})

		It("records finished streams for /stats", func() {
			resp, err := s.server.Test(chatRequest(`{"prompt":"Say hi"}`), -1)
			Expect(err).NotTo(HaveOccurred())
			_, _ = io.ReadAll(resp.Body)
			resp.Body.Close()

			Eventually(func() int64 {
				return s.collector.Snapshot().StreamsFinished
			}).Should(BeNumerically("==", 1))

			resp, err = s.server.Test(httptest.NewRequest(http.MethodGet, "/stats", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`"streamsOpened":1`))
			Expect(string(body)).To(ContainSubstring(`"completed":1`))
			Expect(string(body)).To(ContainSubstring(`"inputTokens":7`))
		})

		It("exposes Prometheus metrics", func() {
			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/plain"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("relay_streams_opened_total 0"))
		})
	})

	Context("pre-stream validation", func() {
		BeforeEach(func() {
			s = newTestRelay("http://upstream.invalid/v1", "sk-test")
		})

		It("rejects an empty prompt with 400", func() {
			resp, err := s.server.Test(chatRequest(`{"prompt":"   "}`), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/plain"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("prompt is required"))
		})

		It("rejects an unparseable body with 400", func() {
			resp, err := s.server.Test(chatRequest(`{"prompt":`), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(s.collector.Snapshot().Rejected).To(HaveKeyWithValue("bad_request", int64(1)))
		})

		It("rejects requests with 500 when the credential is missing", func() {
			s.Close()
			s = newTestRelay("http://upstream.invalid/v1", "")

			resp, err := s.server.Test(chatRequest(`{"prompt":"hello"}`), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("credential"))
			Expect(string(body)).NotTo(ContainSubstring(`"type"`))
		})
	})

	Context("with a failing upstream", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"error":{"message":"Rate limit reached"}}`)
			}))
			s = newTestRelay(upstream.URL, "sk-test")
		})

		It("still answers 200 and reports the failure inside the stream", func() {
			resp, err := s.server.Test(chatRequest(`{"prompt":"hello"}`), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			events := decodeAll(resp.Body)
			Expect(events).To(HaveLen(3))
			Expect(events[1].(stream.Error).Message).To(ContainSubstring("429"))
			Expect(events[2]).To(Equal(stream.Done{}))
		})
	})

	Describe("ping", func() {
		It("returns pong", func() {
			s = newTestRelay("http://upstream.invalid/v1", "sk-test")

			resp, err := s.server.Test(httptest.NewRequest(http.MethodGet, "/ping", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal(`"pong"`))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests for allowed origins", func() {
			s = newTestRelay("http://upstream.invalid/v1", "sk-test", "https://chat.example.com")

			req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
			req.Header.Set("Origin", "https://chat.example.com")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)

			resp, err := s.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("https://chat.example.com"))
		})

		It("allows any origin when none are configured", func() {
			Expect(corsOrigins(nil)).To(Equal("*"))
			Expect(corsOrigins([]string{" https://a.example ", "", "https://b.example"})).To(Equal("https://a.example,https://b.example"))
		})
	})
})
