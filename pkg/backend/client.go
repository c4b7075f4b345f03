// Package backend implements the inference call: one request per user
// turn, carrying the bounded history window, attachments, and language
// hint, cancellable through the request context.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/verba-ai/verba/pkg/core"
	"github.com/verba-ai/verba/pkg/core/types"
)

// HistoryWindow bounds how many prior turns a request carries.
const HistoryWindow = 12

// Request is one inference call.
type Request struct {
	History      []types.Message    `json:"history"`
	Text         string             `json:"text"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Images       []types.Attachment `json:"images,omitempty"`
	Documents    []types.Attachment `json:"documents,omitempty"`
	Links        []types.Attachment `json:"links,omitempty"`
	Language     string             `json:"language,omitempty"`
	Mode         types.Mode         `json:"mode,omitempty"`
}

// Inference is the inference surface the orchestrator depends on. *Client
// implements it; tests substitute mocks.
type Inference interface {
	Send(ctx context.Context, req Request) (*types.Reply, error)
}

// Client is the HTTP inference client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an inference client.
func NewClient(baseURL, token string) *Client {
	return &Client{baseURL: baseURL, token: token, httpClient: &http.Client{}}
}

// NewClientWithHTTP creates an inference client with a custom HTTP client.
func NewClientWithHTTP(baseURL, token string, client *http.Client) *Client {
	return &Client{baseURL: baseURL, token: token, httpClient: client}
}

// Send issues the inference call. The response is normalized at this
// boundary: callers only ever see *types.Reply, whether the wire carried
// a bare string or the structured object. Cancelling ctx aborts the call.
func (c *Client) Send(ctx context.Context, req Request) (*types.Reply, error) {
	// Bound request size: only the most recent turns travel.
	if len(req.History) > HistoryWindow {
		req.History = req.History[len(req.History)-HistoryWindow:]
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// User abort: not an error, surface the cancellation itself.
			return nil, ctx.Err()
		}
		return nil, core.NewTransientError("inference request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewTransientError("read inference response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The limit gate may arrive as a tagged body under an error
		// status; normalize spots it either way.
		reply, nerr := types.NormalizeReply(raw)
		if nerr == nil && reply.LimitReached {
			return reply, nil
		}
		return nil, core.NewTransientError(
			fmt.Sprintf("inference error %d: %s", resp.StatusCode, truncate(raw, 200)), nil)
	}

	reply, err := types.NormalizeReply(raw)
	if err != nil {
		return nil, core.NewTransientError("decode inference response", err)
	}
	return reply, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
