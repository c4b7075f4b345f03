package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/verba-ai/verba/pkg/core"
	"github.com/verba-ai/verba/pkg/core/types"
)

func TestSend_StructuredReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}
		w.Write([]byte(`{"reply":"hi there"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	reply, err := c.Send(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "hi there" {
		t.Errorf("Text = %q", reply.Text)
	}
}

func TestSend_BareStringReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"legacy answer"`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	reply, err := c.Send(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "legacy answer" {
		t.Errorf("Text = %q", reply.Text)
	}
}

func TestSend_LimitReached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"LIMIT_REACHED"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	reply, err := c.Send(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !reply.LimitReached {
		t.Error("expected LimitReached reply")
	}
}

func TestSend_HistoryWindow(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		gotLen = len(req.History)
		w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer srv.Close()

	history := make([]types.Message, HistoryWindow+10)
	for i := range history {
		history[i] = types.Message{ID: strconv.Itoa(i), Role: types.RoleUser, Content: "m"}
	}

	c := NewClient(srv.URL, "")
	if _, err := c.Send(context.Background(), Request{History: history, Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotLen != HistoryWindow {
		t.Errorf("history sent = %d, want %d", gotLen, HistoryWindow)
	}
}

func TestSend_AbortIsNotAnError(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	c := NewClient(srv.URL, "")
	_, err := c.Send(ctx, Request{Text: "hello"})
	if !core.IsAbort(err) {
		t.Fatalf("expected abort, got %v", err)
	}
}

func TestSend_TransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Send(context.Background(), Request{Text: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if core.IsLimitReached(err) || core.IsAbort(err) {
		t.Errorf("500 must be transient, got %v", err)
	}
}
