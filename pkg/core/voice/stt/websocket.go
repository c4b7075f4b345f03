package stt

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verba-ai/verba/pkg/core"
)

// AudioSource supplies raw PCM frames to the recognizer, typically from
// the microphone. Read blocks until audio is available.
type AudioSource interface {
	Read(p []byte) (int, error)
}

// WebSocketConfig configures the streaming recognition client.
type WebSocketConfig struct {
	// URL is the recognition service WebSocket endpoint.
	URL string
	// APIKey authenticates the session.
	APIKey string
	// SampleRate of the PCM audio frames. Default: 16000.
	SampleRate int
	// FrameBytes is the read size per audio frame. Default: 4096.
	FrameBytes int
	// HandshakeTimeout bounds the WebSocket dial. Default: 10s.
	HandshakeTimeout time.Duration
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig(url, apiKey string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		APIKey:           apiKey,
		SampleRate:       16000,
		FrameBytes:       4096,
		HandshakeTimeout: 10 * time.Second,
	}
}

// WebSocketRecognizer implements Recognizer over a streaming WebSocket
// transcription service. Audio frames from the source are sent as binary
// messages; transcript deltas come back as JSON.
type WebSocketRecognizer struct {
	config WebSocketConfig
	source AudioSource

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	events   Events
	stopped  atomic.Bool
	aborted  atomic.Bool
	endOnce  *sync.Once
}

// NewWebSocketRecognizer creates a recognizer reading audio from source.
func NewWebSocketRecognizer(config WebSocketConfig, source AudioSource) *WebSocketRecognizer {
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.FrameBytes == 0 {
		config.FrameBytes = 4096
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocketRecognizer{config: config, source: source}
}

// Start opens a recognition session for the given language tag.
func (r *WebSocketRecognizer) Start(language string, events Events) error {
	u, err := url.Parse(r.config.URL)
	if err != nil {
		return fmt.Errorf("parse recognizer URL: %w", err)
	}
	q := u.Query()
	q.Set("language", language)
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", fmt.Sprintf("%d", r.config.SampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+r.config.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: r.config.HandshakeTimeout}
	conn, resp, err := dialer.Dial(u.String(), headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return core.NewPermissionError("recognition service rejected credentials")
		}
		return core.NewRecognitionError(fmt.Sprintf("websocket connect: %v", err), "network")
	}

	r.mu.Lock()
	r.conn = conn
	r.events = events
	r.stopped.Store(false)
	r.aborted.Store(false)
	r.endOnce = new(sync.Once)
	once := r.endOnce
	r.mu.Unlock()

	go r.readLoop(conn, events, once)
	go r.writeLoop(conn)
	return nil
}

// Stop ends the session gracefully: the service finalizes the pending
// utterance and delivers it before the end event.
func (r *WebSocketRecognizer) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
	_ = conn.WriteMessage(websocket.TextMessage, []byte("done"))
	r.writeMu.Unlock()
}

// Abort tears the session down immediately. The resulting connection
// error is ours and is not surfaced.
func (r *WebSocketRecognizer) Abort() {
	r.aborted.Store(true)
	r.stopped.Store(true)
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		_ = conn.Close()
	}
}

type wireDelta struct {
	Type    string `json:"type"` // "transcript", "done", "error"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

func (r *WebSocketRecognizer) readLoop(conn *websocket.Conn, events Events, once *sync.Once) {
	defer once.Do(func() {
		if events.OnEnd != nil {
			events.OnEnd()
		}
	})
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if r.aborted.Load() || r.stopped.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if events.OnError != nil {
				events.OnError(core.NewRecognitionError(err.Error(), "network"))
			}
			return
		}

		var msg wireDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "transcript":
			if events.OnTranscript != nil {
				events.OnTranscript(TranscriptDelta{Text: msg.Text, IsFinal: msg.IsFinal})
			}
		case "done":
			return
		case "error":
			if r.aborted.Load() {
				return
			}
			code := "service"
			if msg.Error == "not-allowed" {
				code = "not-allowed"
			}
			if events.OnError != nil {
				if code == "not-allowed" {
					events.OnError(core.NewPermissionError("speech recognition not permitted"))
				} else {
					events.OnError(core.NewRecognitionError(msg.Error, code))
				}
			}
			return
		}
	}
}

func (r *WebSocketRecognizer) writeLoop(conn *websocket.Conn) {
	buf := make([]byte, r.config.FrameBytes)
	for {
		if r.stopped.Load() {
			return
		}
		n, err := r.source.Read(buf)
		if n > 0 {
			r.writeMu.Lock()
			werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
			r.writeMu.Unlock()
			if werr != nil {
				return
			}
		}
		if err == io.EOF {
			r.Stop()
			return
		}
		if err != nil {
			return
		}
	}
}
