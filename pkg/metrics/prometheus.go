package metrics

import (
	"fmt"
	"slices"
	"strings"
)

// FormatPrometheus renders a snapshot in the Prometheus text exposition format.
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	gauge(&sb, "relay_uptime_seconds", "Time since the relay started", snap.UptimeSeconds)
	counter(&sb, "relay_streams_opened_total", "Streams handed to consumers", snap.StreamsOpened)
	gauge(&sb, "relay_streams_in_flight", "Streams opened but not yet finished", snap.StreamsInFlight)

	labeled(&sb, "relay_streams_finished_total", "Finished streams by outcome", "outcome", snap.Outcomes)
	labeled(&sb, "relay_requests_rejected_total", "Requests refused before streaming", "reason", snap.Rejected)

	counter(&sb, "relay_deltas_total", "Delta events written", snap.Deltas)
	counter(&sb, "relay_stream_errors_total", "Error events written", snap.Errors)
	counter(&sb, "relay_reconstructed_total", "Streams whose text came from the terminal record", snap.Reconstructed)
	counter(&sb, "relay_stream_duration_ms_total", "Total stream duration in milliseconds", snap.DurationMsTotal)

	counter(&sb, "relay_input_tokens_total", "Upstream input tokens", snap.InputTokens)
	counter(&sb, "relay_output_tokens_total", "Upstream output tokens", snap.OutputTokens)
	labeled(&sb, "relay_tokens_by_model_total", "Upstream tokens by model", "model", snap.TokensByModel)

	return sb.String()
}

func counter(sb *strings.Builder, name, help string, v int64) {
	header(sb, name, help, "counter")
	fmt.Fprintf(sb, "%s %d\n\n", name, v)
}

func gauge(sb *strings.Builder, name, help string, v int64) {
	header(sb, name, help, "gauge")
	fmt.Fprintf(sb, "%s %d\n\n", name, v)
}

func labeled(sb *strings.Builder, name, help, label string, values map[string]int64) {
	header(sb, name, help, "counter")
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		fmt.Fprintf(sb, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
	sb.WriteString("\n")
}

func header(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}
