package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/verba-ai/verba/pkg/core"
	"github.com/verba-ai/verba/pkg/core/types"
)

// RemoteClient talks to the remote session API. Requests carry the bearer
// credential when one is available; anonymous clients identify themselves
// with a device fingerprint header instead.
type RemoteClient struct {
	baseURL     string
	token       string
	fingerprint string
	httpClient  *http.Client
}

// NewRemoteClient creates a session API client. token may be empty for
// anonymous (fingerprint-identified) use.
func NewRemoteClient(baseURL, token, fingerprint string) *RemoteClient {
	return &RemoteClient{
		baseURL:     baseURL,
		token:       token,
		fingerprint: fingerprint,
		httpClient:  &http.Client{},
	}
}

// NewRemoteClientWithHTTP creates a session API client with a custom HTTP
// client.
func NewRemoteClientWithHTTP(baseURL, token, fingerprint string, client *http.Client) *RemoteClient {
	c := NewRemoteClient(baseURL, token, fingerprint)
	c.httpClient = client
	return c
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.fingerprint != "" {
		req.Header.Set("X-Device-Fingerprint", c.fingerprint)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.NewTransientError("session api request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired {
		return core.NewLimitReachedError("usage limit reached")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		// The limit gate can also arrive as a tagged body under a generic
		// status, depending on the deployment.
		var tag struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &tag) == nil && tag.Error == "LIMIT_REACHED" {
			return core.NewLimitReachedError("usage limit reached")
		}
		return core.NewTransientError(
			fmt.Sprintf("session api %d: %s", resp.StatusCode, string(raw)), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return core.NewTransientError("decode session api response", err)
		}
	}
	return nil
}

// ListSessions fetches the remote session summaries.
func (c *RemoteClient) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// History fetches the remote message history of one session.
func (c *RemoteClient) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	var msgs []types.Message
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type appendRequest struct {
	Message types.Message `json:"message"`
	Title   string        `json:"title,omitempty"`
}

// AppendMessage syncs one message (create or update) to the remote store.
func (c *RemoteClient) AppendMessage(ctx context.Context, sessionID string, msg types.Message, title string) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages"
	return c.do(ctx, http.MethodPost, path, appendRequest{Message: msg, Title: title}, nil)
}

// DeleteMessage removes one message remotely.
func (c *RemoteClient) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// UpdateMessage replaces one message remotely. The backend performs the
// same truncation of later messages as the local store.
func (c *RemoteClient) UpdateMessage(ctx context.Context, sessionID string, msg types.Message) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(msg.ID)
	return c.do(ctx, http.MethodPut, path, msg, nil)
}

// RenameSession updates the remote session title.
func (c *RemoteClient) RenameSession(ctx context.Context, sessionID, title string) error {
	path := "/sessions/" + url.PathEscape(sessionID)
	return c.do(ctx, http.MethodPatch, path, map[string]string{"title": title}, nil)
}

// DeleteSession removes the session remotely.
func (c *RemoteClient) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}
