// Package metrics keeps in-process counters for relayed streams.
package metrics

import (
	"maps"
	"sync"
	"time"
)

// Completion is what the collector learns about one finished stream.
type Completion struct {
	Model         string
	Outcome       string
	Deltas        int
	Errors        int
	Reconstructed bool
	InputTokens   int64
	OutputTokens  int64
	Duration      time.Duration
}

// Collector aggregates stream counters. It is safe for concurrent use.
type Collector struct {
	mu sync.RWMutex

	opened   int64
	finished int64
	rejected map[string]int64 // by reason, requests refused before a stream existed

	outcomes      map[string]int64
	deltas        int64
	errors        int64
	reconstructed int64
	durationMs    int64

	inputTokens   int64
	outputTokens  int64
	tokensByModel map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		rejected:      make(map[string]int64),
		outcomes:      make(map[string]int64),
		tokensByModel: make(map[string]int64),
		startTime:     time.Now(),
	}
}

// RecordOpened counts a stream handed to a consumer.
func (c *Collector) RecordOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opened++
}

// RecordRejected counts a request refused before streaming began.
func (c *Collector) RecordRejected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejected[reason]++
}

// RecordCompletion folds one finished stream into the totals.
func (c *Collector) RecordCompletion(done Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished++
	c.outcomes[done.Outcome]++
	c.deltas += int64(done.Deltas)
	c.errors += int64(done.Errors)
	if done.Reconstructed {
		c.reconstructed++
	}
	c.durationMs += done.Duration.Milliseconds()

	c.inputTokens += done.InputTokens
	c.outputTokens += done.OutputTokens
	if done.Model != "" {
		c.tokensByModel[done.Model] += done.InputTokens + done.OutputTokens
	}
}

// Snapshot is a point-in-time copy of the collector's counters.
type Snapshot struct {
	UptimeSeconds   int64            `json:"uptimeSeconds"`
	StreamsOpened   int64            `json:"streamsOpened"`
	StreamsFinished int64            `json:"streamsFinished"`
	StreamsInFlight int64            `json:"streamsInFlight"`
	Rejected        map[string]int64 `json:"rejected"`
	Outcomes        map[string]int64 `json:"outcomes"`
	Deltas          int64            `json:"deltas"`
	Errors          int64            `json:"errors"`
	Reconstructed   int64            `json:"reconstructed"`
	DurationMsTotal int64            `json:"durationMsTotal"`
	InputTokens     int64            `json:"inputTokens"`
	OutputTokens    int64            `json:"outputTokens"`
	TokensByModel   map[string]int64 `json:"tokensByModel"`
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Completions arrive asynchronously, so finished can briefly trail opened.
	inFlight := max(c.opened-c.finished, 0)

	return Snapshot{
		UptimeSeconds:   int64(time.Since(c.startTime).Seconds()),
		StreamsOpened:   c.opened,
		StreamsFinished: c.finished,
		StreamsInFlight: inFlight,
		Rejected:        maps.Clone(c.rejected),
		Outcomes:        maps.Clone(c.outcomes),
		Deltas:          c.deltas,
		Errors:          c.errors,
		Reconstructed:   c.reconstructed,
		DurationMsTotal: c.durationMs,
		InputTokens:     c.inputTokens,
		OutputTokens:    c.outputTokens,
		TokensByModel:   maps.Clone(c.tokensByModel),
	}
}
