// Package worker provides an asynchronous worker pool that records finished
// streams: it folds each stream summary into the metrics collector and
// publishes a completion event using the provided eventstream.Publisher.
//
// Enqueue never blocks: a slow event backend cannot delay a consumer's done
// event.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/papercomputeco/relay/bridge"
	"github.com/papercomputeco/relay/pkg/eventstream"
	"github.com/papercomputeco/relay/pkg/metrics"
)

var (
	defaultNumWorkers   uint = 2
	defaultJobQueueSize uint = 256
)

// Job is a unit of work for the worker pool to execute against.
type Job struct {
	Summary bridge.Summary
}

// Config is the configuration options for the worker pool.
type Config struct {
	// Collector receives every finished stream. Required.
	Collector *metrics.Collector

	// Publisher is the optional completion event publisher.
	Publisher eventstream.Publisher

	// Source is stamped on every published event.
	Source eventstream.EventSource

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// Logger is the provided slog logger
	Logger *slog.Logger
}

// Pool processes completion jobs asynchronously via a worker pool.
type Pool struct {
	config *Config
	queue  chan Job
	wg     sync.WaitGroup
	logger *slog.Logger

	// mu guards closed against the queue being closed under a concurrent send.
	mu     sync.RWMutex
	closed bool
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.Collector == nil {
		return nil, fmt.Errorf("worker pool requires a metrics collector")
	}

	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	wp := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Enqueue submits a job for processing by the worker pool.
// Returns true if enqueued, false if the queue is full or the pool is closed,
// resulting in the job being dropped
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Warn("job not queued, pool closed, job dropped",
			slog.String("request_id", job.Summary.RequestID),
		)
		return false
	}

	select {
	case p.queue <- job:
		p.logger.Debug("job queued",
			slog.String("request_id", job.Summary.RequestID),
			slog.String("outcome", string(job.Summary.Outcome)),
		)
		return true
	default:
		p.logger.Error("job not queued, queue full, job dropped",
			slog.String("request_id", job.Summary.RequestID),
			slog.String("outcome", string(job.Summary.Outcome)),
		)
		return false
	}
}

// Close signals workers to stop and waits for in-flight jobs to drain.
// Call this during graceful shutdown after the relay HTTP server has stopped.
// Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", slog.Uint64("worker_id", uint64(id)))

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("worker stopped", slog.Uint64("worker_id", uint64(id)))
}

// processJob records the summary and publishes its completion event.
// Publish failures are logged and never retried.
func (p *Pool) processJob(job Job) {
	s := job.Summary
	tokens := parseUsage(s.Usage)

	p.config.Collector.RecordCompletion(metrics.Completion{
		Model:         s.Model,
		Outcome:       string(s.Outcome),
		Deltas:        s.Deltas,
		Errors:        s.Errors,
		Reconstructed: s.Reconstructed,
		InputTokens:   tokens.InputTokens,
		OutputTokens:  tokens.OutputTokens,
		Duration:      s.Duration,
	})

	if p.config.Publisher == nil {
		return
	}

	event := eventstream.NewStreamCompletedEvent(
		p.config.Source,
		eventstream.StreamRequestMeta{
			RequestID:   s.RequestID,
			Model:       s.Model,
			StartedAt:   s.StartedAt.UTC(),
			CompletedAt: s.StartedAt.Add(s.Duration).UTC(),
			DurationMs:  s.Duration.Milliseconds(),
			Outcome:     string(s.Outcome),
		},
		eventstream.StreamStats{
			Deltas:        s.Deltas,
			Errors:        s.Errors,
			Reconstructed: s.Reconstructed,
			Usage:         s.Usage,
		},
	)

	if err := p.config.Publisher.PublishCompletion(context.Background(), event); err != nil {
		p.logger.Warn("failed to publish stream completion",
			slog.String("request_id", s.RequestID),
			slog.Any("error", err),
		)
		return
	}

	p.logger.Debug("published stream completion",
		slog.String("request_id", s.RequestID),
		slog.String("event_id", event.EventID),
	)
}

// usageTokens is the subset of the upstream usage object the collector keeps.
type usageTokens struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// parseUsage reads token counts from a usage object, yielding zeros for
// anything it cannot interpret.
func parseUsage(raw json.RawMessage) usageTokens {
	var u usageTokens
	if len(raw) == 0 {
		return u
	}
	_ = json.Unmarshal(raw, &u)
	return u
}
