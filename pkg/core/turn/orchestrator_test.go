package turn

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/verba-ai/verba/pkg/backend"
	"github.com/verba-ai/verba/pkg/core"
	"github.com/verba-ai/verba/pkg/core/speech"
	"github.com/verba-ai/verba/pkg/core/types"
)

type fakeStore struct {
	mu        sync.Mutex
	appends   map[string][]types.Message
	titles    []string
	updates   []types.Message
	history   []types.Message
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{appends: make(map[string][]types.Message)}
}

func (f *fakeStore) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == types.NewSessionID {
		return nil, nil
	}
	return append([]types.Message(nil), f.history...), nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, sessionID string, msg types.Message, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends[sessionID] = append(f.appends[sessionID], msg)
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, sessionID string, msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, msg)
	for i := range f.history {
		if f.history[i].ID == msg.ID {
			f.history[i] = msg
			f.history = f.history[:i+1]
			break
		}
	}
	return nil
}

func (f *fakeStore) messages(sessionID string) []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Message(nil), f.appends[sessionID]...)
}

type fakeInference struct {
	mu    sync.Mutex
	calls []backend.Request
	reply *types.Reply
	err   error
	block chan struct{}
}

func (f *fakeInference) Send(ctx context.Context, req backend.Request) (*types.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeInference) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSpeaker struct {
	mu    sync.Mutex
	tasks []speech.Task
}

func (f *fakeSpeaker) Enqueue(task speech.Task) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
}

func TestSingleFlight(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{Text: "ok"}, block: make(chan struct{})}
	o := New(Config{Inference: inf, Store: st})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "first question"}); err != nil {
			t.Error(err)
		}
	}()

	// Wait for the first send to reach inference.
	deadline := time.Now().Add(time.Second)
	for inf.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		if _, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "again"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := inf.callCount(); got != 1 {
		t.Fatalf("inference calls = %d, want 1", got)
	}

	close(inf.block)
	wg.Wait()
}

func TestGreetingShortcut(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{Text: "should not be used"}}
	o := New(Config{Inference: inf, Store: st})

	sessionID, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "Hello!"})
	if err != nil {
		t.Fatal(err)
	}
	if inf.callCount() != 0 {
		t.Fatal("greeting must not invoke inference")
	}
	msgs := st.messages(sessionID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + canned reply", len(msgs))
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Content != welcomeReply {
		t.Fatalf("unexpected reply: %+v", msgs[1])
	}
}

func TestAbortDuringGreetingReveal(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{Text: "should not be used"}}

	revealed := make(chan struct{}, 1)
	o := New(Config{
		Inference: inf,
		Store:     st,
		OnReveal: func(messageID, visible string) {
			select {
			case revealed <- struct{}{}:
			default:
			}
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "hello"})
		done <- err
	}()

	<-revealed
	o.Abort()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aborted greeting returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aborted greeting did not return")
	}

	// The canned reply was interrupted mid-reveal: only the user's
	// greeting persists.
	msgs := st.messages("s1")
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Fatalf("messages = %d, want only the user message", len(msgs))
	}
}

func TestNewSessionTransition(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{Text: "sure"}}
	var minted []string
	o := New(Config{
		Inference:    inf,
		Store:        st,
		NewSessionID: func() string { return "real-1" },
		OnSessionID:  func(id string) { minted = append(minted, id) },
	})

	sessionID, err := o.Send(context.Background(), Input{SessionID: types.NewSessionID, Text: "first message"})
	if err != nil {
		t.Fatal(err)
	}
	if sessionID != "real-1" {
		t.Fatalf("sessionID = %q", sessionID)
	}
	if len(minted) != 1 {
		t.Fatalf("OnSessionID fired %d times, want 1", len(minted))
	}
	if len(st.messages("real-1")) != 2 {
		t.Fatal("messages must be persisted under the real identifier")
	}
	if len(st.messages(types.NewSessionID)) != 0 {
		t.Fatal("nothing may persist under the sentinel identifier")
	}

	// A later send on the real identifier must not mint again.
	if _, err := o.Send(context.Background(), Input{SessionID: "real-1", Text: "second message"}); err != nil {
		t.Fatal(err)
	}
	if len(minted) != 1 {
		t.Fatal("identifier minted twice for one conversation")
	}
}

func TestTitleSetOnlyOnFirstSend(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{Text: "sure"}}
	o := New(Config{Inference: inf, Store: st, NewSessionID: func() string { return "real-1" }})

	if _, err := o.Send(context.Background(), Input{SessionID: types.NewSessionID, Text: "plan my trip to Goa"}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Send(context.Background(), Input{SessionID: "real-1", Text: "make it five days"}); err != nil {
		t.Fatal(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.titles) < 3 {
		t.Fatalf("appends = %d, want at least 3", len(st.titles))
	}
	if st.titles[0] != "plan my trip to Goa" {
		t.Fatalf("first title = %q, want the opening message", st.titles[0])
	}
	// Later appends must not overwrite what the user may have renamed.
	for i, title := range st.titles[1:] {
		if title != "" {
			t.Fatalf("append %d carried title %q, want empty", i+1, title)
		}
	}
}

func TestSessionTitleKeepsRunesIntact(t *testing.T) {
	short := "Weather today"
	if got := sessionTitle("  " + short + "  "); got != short {
		t.Fatalf("sessionTitle = %q, want %q", got, short)
	}

	long := strings.Repeat("नमस्ते ", 12)
	got := sessionTitle(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated title %q is not valid UTF-8", got)
	}
	runes := []rune(strings.TrimSpace(long))
	if got != string(runes[:40]) {
		t.Fatalf("sessionTitle = %q, want the first 40 runes", got)
	}
}

func TestUserMessagePersistedBeforeInference(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{err: core.NewTransientError("backend down", nil)}
	o := New(Config{Inference: inf, Store: st})

	_, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "what is the weather"})
	if err == nil {
		t.Fatal("expected inference error to surface")
	}

	msgs := st.messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user message + error turn", len(msgs))
	}
	if msgs[0].Role != types.RoleUser {
		t.Fatal("user message must persist before the network call")
	}
	if msgs[1].Role != types.RoleAssistant {
		t.Fatal("non-abort failure must append an error assistant turn")
	}
}

func TestLimitReachedGate(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{LimitReached: true}}
	limitCh := make(chan struct{}, 1)
	o := New(Config{Inference: inf, Store: st, OnLimitReached: func() { limitCh <- struct{}{} }})

	_, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "over quota"})
	if !core.IsLimitReached(err) {
		t.Fatalf("err = %v, want limit-reached", err)
	}
	select {
	case <-limitCh:
	case <-time.After(time.Second):
		t.Fatal("limit callback never fired")
	}

	// No assistant content renders or persists for that turn.
	msgs := st.messages("s1")
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Fatalf("messages = %+v, want only the user message", msgs)
	}

	// The gate blocks further sends without touching inference.
	before := inf.callCount()
	if _, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "another"}); !core.IsLimitReached(err) {
		t.Fatalf("gated send err = %v", err)
	}
	if inf.callCount() != before {
		t.Fatal("gated send must not reach inference")
	}

	o.ClearLimit()
	if o.LimitReached() {
		t.Fatal("gate did not clear")
	}
}

func TestMultiPartOrdering(t *testing.T) {
	st := newFakeStore()
	text := "part one" + types.PartDelimiter + "part two" + types.PartDelimiter + "part three"
	inf := &fakeInference{reply: &types.Reply{Text: text}}
	o := New(Config{Inference: inf, Store: st})

	if _, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "analyze these files"}); err != nil {
		t.Fatal(err)
	}

	msgs := st.messages("s1")
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want user + 3 parts", len(msgs))
	}
	want := []string{"part one", "part two", "part three"}
	for i, w := range want {
		if msgs[i+1].Content != w {
			t.Fatalf("part %d = %q, want %q", i, msgs[i+1].Content, w)
		}
	}
}

func TestVoiceTurnSpeaksFirstPart(t *testing.T) {
	st := newFakeStore()
	text := "spoken part" + types.PartDelimiter + "silent part"
	inf := &fakeInference{reply: &types.Reply{Text: text}}
	speaker := &fakeSpeaker{}
	o := New(Config{Inference: inf, Store: st, Speaker: speaker})

	if _, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "read this", FromVoice: true, Language: "en-US"}); err != nil {
		t.Fatal(err)
	}

	speaker.mu.Lock()
	defer speaker.mu.Unlock()
	if len(speaker.tasks) != 1 {
		t.Fatalf("speech tasks = %d, want 1", len(speaker.tasks))
	}
	if speaker.tasks[0].Text != "spoken part" || speaker.tasks[0].Language != "en-US" {
		t.Fatalf("unexpected speech task: %+v", speaker.tasks[0])
	}
}

func TestTypedTurnDoesNotSpeak(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{Text: "quiet"}}
	speaker := &fakeSpeaker{}
	o := New(Config{Inference: inf, Store: st, Speaker: speaker})

	if _, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "just text"}); err != nil {
		t.Fatal(err)
	}
	speaker.mu.Lock()
	defer speaker.mu.Unlock()
	if len(speaker.tasks) != 0 {
		t.Fatal("typed turns must not enqueue speech")
	}
}

func TestAbortDuringRevealDropsPart(t *testing.T) {
	st := newFakeStore()
	long := strings.TrimSpace(strings.Repeat("word ", 400))
	inf := &fakeInference{reply: &types.Reply{Text: long}}

	revealed := make(chan struct{}, 1)
	o := New(Config{
		Inference: inf,
		Store:     st,
		OnReveal: func(messageID, visible string) {
			select {
			case revealed <- struct{}{}:
			default:
			}
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "long answer please"})
		done <- err
	}()

	<-revealed
	o.Abort()
	o.Abort() // second abort must change nothing

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aborted turn returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aborted turn did not return")
	}

	msgs := st.messages("s1")
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Fatalf("messages = %d, want only the user message (no truncated part, no error turn)", len(msgs))
	}
}

func TestAbortInFlightCallIsQuiet(t *testing.T) {
	st := newFakeStore()
	inf := &fakeInference{reply: &types.Reply{Text: "late"}, block: make(chan struct{})}
	o := New(Config{Inference: inf, Store: st})

	done := make(chan error, 1)
	go func() {
		_, err := o.Send(context.Background(), Input{SessionID: "s1", Text: "question"})
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for inf.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	o.Abort()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("abort surfaced as error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after abort")
	}
	if msgs := st.messages("s1"); len(msgs) != 1 {
		t.Fatalf("messages = %d, want only the user message", len(msgs))
	}
}

func TestEditTruncatesAndRegenerates(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	st.history = []types.Message{
		{ID: "1", Role: types.RoleUser, Content: "first", CreatedAt: now},
		{ID: "2", Role: types.RoleAssistant, Content: "reply one", CreatedAt: now},
		{ID: "3", Role: types.RoleUser, Content: "second", CreatedAt: now},
		{ID: "4", Role: types.RoleAssistant, Content: "reply two", CreatedAt: now},
	}
	inf := &fakeInference{reply: &types.Reply{Text: "regenerated"}}
	o := New(Config{Inference: inf, Store: st})

	if err := o.EditMessage(context.Background(), "s1", "3", "second, but different"); err != nil {
		t.Fatal(err)
	}

	st.mu.Lock()
	if len(st.history) != 3 {
		t.Fatalf("history = %d messages after edit, want 3", len(st.history))
	}
	if st.history[2].Content != "second, but different" {
		t.Fatalf("edited content = %q", st.history[2].Content)
	}
	st.mu.Unlock()

	// Regeneration sees only the turns before the edit point.
	inf.mu.Lock()
	req := inf.calls[0]
	inf.mu.Unlock()
	if len(req.History) != 2 {
		t.Fatalf("regeneration history = %d, want 2", len(req.History))
	}
	if req.Text != "second, but different" {
		t.Fatalf("regeneration text = %q", req.Text)
	}

	msgs := st.messages("s1")
	if len(msgs) != 1 || msgs[0].Content != "regenerated" {
		t.Fatalf("regenerated reply not persisted: %+v", msgs)
	}
}

func TestIntentClassification(t *testing.T) {
	doc := []types.Attachment{{Kind: types.AttachmentDocument}}
	cases := []struct {
		text        string
		attachments []types.Attachment
		want        types.Mode
	}{
		{"how are you", nil, types.ModeChat},
		{"translate this to french", nil, types.ModeTranslate},
		{"write a function to sort a list", nil, types.ModeCode},
		{"convert this to PDF", doc, types.ModeConvert},
		{"what does this say", doc, types.ModeAnalyze},
		{"summarize the article", nil, types.ModeAnalyze},
	}
	for _, tc := range cases {
		if got := classifyIntent(tc.text, tc.attachments); got != tc.want {
			t.Errorf("classifyIntent(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestRevealDelayBounds(t *testing.T) {
	if d := revealDelay(3); d != revealMaxDelay {
		t.Fatalf("short response delay = %v, want max %v", d, revealMaxDelay)
	}
	if d := revealDelay(10000); d != revealMinDelay {
		t.Fatalf("long response delay = %v, want min %v", d, revealMinDelay)
	}
	words := 200
	if total := revealDelay(words) * time.Duration(words); total > revealTargetTotal+time.Second {
		t.Fatalf("total reveal time %v exceeds target", total)
	}
}

func TestRevealDeliversFullText(t *testing.T) {
	var last string
	err := reveal(context.Background(), "alpha beta gamma", func(visible string) { last = visible })
	if err != nil {
		t.Fatal(err)
	}
	if last != "alpha beta gamma" {
		t.Fatalf("final visible = %q", last)
	}
}
