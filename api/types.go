package api

// ForwardRequest is the worker-to-worker pipeline RPC payload: one
// request's hidden-state activations handed from one worker to the next
// owner of the layer range.
// Tokens is set only on the call into the first worker of a pipeline,
// which owns the embedding table; every downstream hop carries
// HiddenStates instead. This extends spec.md's literal two-field
// ForwardRequest with the field its own pipeline-handoff contract
// implies but leaves unspecified (see DESIGN.md).
type ForwardRequest struct {
	RequestID    string    `json:"request_id"`
	SequenceID   uint64    `json:"sequence_id"`
	Tokens       []int32   `json:"tokens,omitempty"`
	HiddenStates []float32 `json:"hidden_states,omitempty"`
}

// ForwardResponse carries back the hidden state of the request's last
// position as produced by the last worker in the pipeline. No projection
// to vocabulary logits is applied; the coordinator passes this vector
// to its Sampler as-is.
type ForwardResponse struct {
	RequestID    string    `json:"request_id"`
	HiddenStates []float32 `json:"hidden_states"`
}

// HealthResponse is the worker's health probe payload.
type HealthResponse struct {
	Serving bool `json:"serving"`
}

// InferenceRequest is the coordinator's client-facing request.
type InferenceRequest struct {
	ModelID     string  `json:"model_id"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// InferenceResponse is the coordinator's client-facing response.
type InferenceResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// StatusResponse backs the CLI's `status` command: one row per
// registered worker, mirroring router.WorkerRecord's exported shape
// without importing internal/router from a public package.
type StatusResponse struct {
	Workers []WorkerStatus `json:"workers"`
}

// WorkerStatus is one worker's row in StatusResponse.
type WorkerStatus struct {
	Endpoint     string `json:"endpoint"`
	WorkerID     string `json:"worker_id"`
	StartLayer   int    `json:"start_layer"`
	EndLayer     int    `json:"end_layer"`
	QueueDepth   int    `json:"queue_depth"`
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
}
