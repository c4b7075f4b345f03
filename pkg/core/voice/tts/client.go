package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// Client implements Provider against the remote synthesis service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a synthesis client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// NewClientWithHTTP creates a synthesis client with a custom HTTP client.
func NewClientWithHTTP(baseURL, apiKey string, client *http.Client) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: client}
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Gender   string `json:"gender,omitempty"`
}

// Synthesize converts text to audio bytes.
func (c *Client) Synthesize(ctx context.Context, text, languageCode string, gender VoiceGender) ([]byte, error) {
	body, err := json.Marshal(synthesizeRequest{
		Text:     text,
		Language: languageCode,
		Gender:   string(gender),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	return c.execute(req)
}

// SynthesizeFromFile sends the file and optional spoken intro in one
// combined multipart request and returns the synthesized audio.
func (c *Client) SynthesizeFromFile(ctx context.Context, data []byte, mimeType, intro string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "attachment")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("write file data: %w", err)
	}
	if err := mw.WriteField("mime_type", mimeType); err != nil {
		return nil, fmt.Errorf("write mime field: %w", err)
	}
	if intro != "" {
		if err := mw.WriteField("intro", intro); err != nil {
			return nil, fmt.Errorf("write intro field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize/file", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.execute(req)
}

func (c *Client) execute(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("synthesis error %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return audio, nil
}
