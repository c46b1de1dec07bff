package openai

import "encoding/json"

// Responses API streaming event types the relay understands.
const (
	EventTextDelta = "response.output_text.delta"
	EventCompleted = "response.completed"
)

// Output item and content part types inside a completed response.
const (
	outputTypeMessage = "message"
	contentOutputText = "output_text"
	contentText       = "text"
)

// ResponsesRequest is the body of a streaming POST to the Responses API.
type ResponsesRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Stream bool   `json:"stream"`
}

// streamEnvelope holds the type tag of a streaming record. The payload fields
// stay raw until the tag says the relay acts on the record.
type streamEnvelope struct {
	Type     string          `json:"type"`
	Delta    json.RawMessage `json:"delta,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// completedResponse is the nested response object of a response.completed record.
type completedResponse struct {
	ID     string          `json:"id,omitempty"`
	Model  string          `json:"model,omitempty"`
	Status string          `json:"status,omitempty"`
	Output []OutputItem    `json:"output,omitempty"`
	Usage  json.RawMessage `json:"usage,omitempty"`
}

// OutputItem is one entry of a completed response's output list.
type OutputItem struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one fragment of an output message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
