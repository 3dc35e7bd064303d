package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/54b3r/casechat/internal/rag"
)

// embedReply is a decoded backend response. apiError returns the message a
// failed call carried in its body, or "".
type embedReply interface {
	apiError() string
}

// postJSON sends req as JSON and decodes the response into reply. Transport
// failures and non-2xx statuses come back as *rag.EmbeddingServiceError.
func postJSON(ctx context.Context, client *http.Client, op, url string, header http.Header, req any, reply embedReply) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	for k, vs := range header {
		httpReq.Header[k] = vs
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return &rag.EmbeddingServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	// Error bodies are decoded too so their message can be surfaced.
	decodeErr := json.NewDecoder(resp.Body).Decode(reply)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp.StatusCode, reply.apiError())
	}
	if decodeErr != nil {
		return &rag.EmbeddingServiceError{Op: op, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	return nil
}
