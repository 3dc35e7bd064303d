// Package extract turns uploaded case files into page text. PDFs are sent to
// an external extraction service; plain-text formats are split locally.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/54b3r/casechat/internal/env"
	"github.com/54b3r/casechat/internal/rag"
)

// maxErrorBody bounds how much of a failed response is quoted in errors.
const maxErrorBody = 512

// Metadata is the document summary returned by the extraction service.
type Metadata struct {
	Filename   string `json:"filename"`
	FileSize   int64  `json:"fileSize"`
	UploadedAt string `json:"uploadedAt"`
	DocumentID string `json:"documentId"`
	NumPages   int    `json:"numPages"`
}

type response struct {
	Success  bool     `json:"success"`
	Pages    []string `json:"pages"`
	Metadata Metadata `json:"metadata"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Client calls the text-extraction service.
type Client struct {
	url    string
	client *http.Client
}

// New returns a Client posting to url. An empty url leaves only the local
// plain-text path available.
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{url: url, client: &http.Client{Timeout: timeout}}
}

// NewFromEnv reads EXTRACT_URL and EXTRACT_TIMEOUT.
func NewFromEnv() *Client {
	return New(env.String("EXTRACT_URL", ""), env.Duration("EXTRACT_TIMEOUT", 0))
}

// IsPlainText reports whether filename is split locally.
func IsPlainText(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}

// ExtractText returns the text of each page of the file. Plain-text files
// are split on form feeds; everything else goes to the service.
func (c *Client) ExtractText(ctx context.Context, filename string, data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("extract: %w: %s is empty", rag.ErrInvalidInput, filename)
	}
	if IsPlainText(filename) {
		return splitPages(string(data)), nil
	}
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return nil, fmt.Errorf("extract: %w: unsupported file type %q", rag.ErrInvalidInput, filepath.Ext(filename))
	}
	if c.url == "" {
		return nil, fmt.Errorf("extract: EXTRACT_URL is not set; cannot extract %s", filename)
	}

	body, contentType, err := multipartPDF(filename, data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract: post %s: %w", filename, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extract: read response: %w", err)
	}
	var out response
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		if msg == "" {
			msg = truncate(string(raw), maxErrorBody)
		}
		return nil, fmt.Errorf("extract: service returned HTTP %d for %s: %s", resp.StatusCode, filename, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("extract: decode response: %w", decodeErr)
	}
	if !out.Success {
		return nil, fmt.Errorf("extract: service reported failure for %s: %s", filename, out.Error)
	}
	return out.Pages, nil
}

func multipartPDF(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="pdf"; filename=%q`, filepath.Base(filename)))
	h.Set("Content-Type", "application/pdf")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("extract: create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("extract: write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("extract: close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// splitPages splits text on form feeds, dropping blank pages.
func splitPages(text string) []string {
	var pages []string
	for _, p := range strings.Split(text, "\f") {
		if strings.TrimSpace(p) != "" {
			pages = append(pages, p)
		}
	}
	return pages
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
