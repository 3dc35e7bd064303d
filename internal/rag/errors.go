package rag

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retrieval pipeline. Typed errors below unwrap to
// one of these so callers can branch with errors.Is.
var (
	// ErrEmbeddingUnavailable indicates the embedding capability failed or
	// returned an unusable response. Surfaced to users as "search unavailable".
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrRetrieval indicates a similarity search call failed.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrGeneration indicates the chat-completion step failed for good.
	ErrGeneration = errors.New("generation failed")

	// ErrParaphraseDegraded marks a paraphrase step that produced fewer
	// variants than requested. It is logged, never returned to users.
	ErrParaphraseDegraded = errors.New("paraphrase degraded")

	// ErrRateLimited indicates an upstream API rejected the call with a
	// rate-limit signal. It is the only retryable class.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidInput indicates malformed caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedFrame marks a streaming frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed stream frame")
)

// EmbeddingServiceError reports an embedding capability failure.
type EmbeddingServiceError struct {
	// Op names the backend operation (e.g. "ollama embed").
	Op  string
	Err error
}

func (e *EmbeddingServiceError) Error() string {
	return fmt.Sprintf("embedding: %s: %v", e.Op, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() []error {
	return []error{ErrEmbeddingUnavailable, e.Err}
}

// RetrievalError reports a failed similarity search for one variant.
type RetrievalError struct {
	// Backend names the vector store (e.g. "qdrant").
	Backend string
	Err     error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval: %s: %v", e.Backend, e.Err)
}

func (e *RetrievalError) Unwrap() []error {
	return []error{ErrRetrieval, e.Err}
}

// GenerationError reports a chat-completion failure after the retry policy
// gave up, or a non-retryable failure on the first attempt.
type GenerationError struct {
	// Attempts is the number of upstream calls made.
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation: failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGeneration, e.Err}
}
