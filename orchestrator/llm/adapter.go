// Copyright 2025 LeadRelay
// SPDX-License-Identifier: Apache-2.0

// Package llm routes completion requests to the best available model
// and executes them with caching, fallback, and per-attempt usage
// accounting. Concrete provider SDK bindings live behind the Adapter
// interface; this package never speaks a provider wire protocol
// itself.
package llm

import (
	"context"
	"time"
)

// Message is one turn in a completion conversation.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// CompletionRequest encapsulates the parameters for one completion.
type CompletionRequest struct {
	// Messages is the conversation, oldest first.
	Messages []Message `json:"messages"`

	// ModelSlug names the catalog model to run. The service fills this
	// from routing; callers normally leave it empty.
	ModelSlug string `json:"model_slug,omitempty"`

	// MaxTokens limits the response length; 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness in [0.0, 2.0].
	Temperature float64 `json:"temperature,omitempty"`

	// JSONMode requests structured JSON output.
	JSONMode bool `json:"json_mode,omitempty"`

	// StopSequences are strings that stop generation.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Metadata carries adapter-specific options.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// UsageStats tracks token consumption for one attempt.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the result of a completion.
type CompletionResponse struct {
	// Content is the generated text.
	Content string `json:"content"`

	// ModelSlug is the model that actually ran.
	ModelSlug string `json:"model_slug"`

	// ProviderSlug is the provider that served the request.
	ProviderSlug string `json:"provider_slug"`

	// Usage contains token statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the wall time of the attempt.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason,omitempty"`

	// Cached is true when the response was served from the response
	// cache at zero token cost.
	Cached bool `json:"cached"`
}

// StreamChunk is one piece of a streaming completion.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// StreamHandler receives streaming chunks. Returning an error aborts
// the stream.
type StreamHandler func(chunk StreamChunk) error

// RateLimitInfo is an adapter's reading of a provider error.
type RateLimitInfo struct {
	// IsRateLimited is true when the provider refused the request for
	// quota reasons.
	IsRateLimited bool

	// RetryAfter is the provider-suggested wait, zero when the provider
	// gave none.
	RetryAfter time.Duration
}

// Adapter is the fixed surface every provider binding implements.
// Implementations must be safe for concurrent use. The orchestration
// layer treats adapters as opaque: admission, routing, retry, and
// recording all happen out here.
type Adapter interface {
	// ProviderSlug returns the catalog slug this adapter serves.
	ProviderSlug() string

	// IsReady reports whether the adapter is configured well enough to
	// attempt calls (credentials present, endpoint known). It must not
	// perform network I/O; that is HealthCheck's job.
	IsReady() bool

	// Complete executes one completion. The context carries the
	// per-step timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamComplete executes a streaming completion, invoking handler
	// per chunk, and returns the aggregated response.
	StreamComplete(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)

	// HealthCheck verifies connectivity and authentication. It should
	// respect the context deadline.
	HealthCheck(ctx context.Context) error

	// ParseRateLimitError inspects an error returned by Complete or
	// StreamComplete and reports whether it was a provider rate limit,
	// with the suggested backoff when the provider supplied one.
	ParseRateLimitError(err error) RateLimitInfo
}
