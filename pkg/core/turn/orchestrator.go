// Package turn drives one user request end-to-end: request building,
// the inference call, the simulated streaming reveal, persistence
// ordering, and the handoff to spoken playback.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verba-ai/verba/pkg/backend"
	"github.com/verba-ai/verba/pkg/core"
	"github.com/verba-ai/verba/pkg/core/speech"
	"github.com/verba-ai/verba/pkg/core/types"
	"github.com/verba-ai/verba/pkg/store"
)

// SessionStore is the persistence surface the orchestrator depends on.
// *store.Store implements it; tests substitute mocks.
type SessionStore interface {
	History(ctx context.Context, sessionID string) ([]types.Message, error)
	AppendMessage(ctx context.Context, sessionID string, msg types.Message, title string) error
	UpdateMessage(ctx context.Context, sessionID string, msg types.Message) error
}

// Speaker is the spoken-playback surface. *speech.Queue implements it.
type Speaker interface {
	Enqueue(task speech.Task)
}

// Input is one user turn handed to the orchestrator.
type Input struct {
	SessionID   string
	Text        string
	Attachments []types.Attachment
	Language    string
	// FromVoice marks a turn originating from the capture loop: the
	// first reply part is spoken aloud.
	FromVoice bool
}

// Config configures the orchestrator.
type Config struct {
	Inference    backend.Inference
	Store        SessionStore
	Speaker      Speaker
	SystemPrompt string
	// NewSessionID mints the identifier when a turn arrives on the
	// sentinel "new" session. Defaults to store.NewSessionID.
	NewSessionID func() string
	// OnReveal fires with the growing visible prefix of the part being
	// revealed.
	OnReveal func(messageID, visible string)
	// OnMessage fires when a message is committed: the persisted user
	// message, each completed reply part, and error turns.
	OnMessage func(sessionID string, msg types.Message)
	// OnSessionID fires when the sentinel session receives its real
	// identifier.
	OnSessionID func(sessionID string)
	// OnLimitReached fires when the backend reports the usage limit.
	OnLimitReached func()
	Logger         *slog.Logger
}

// Orchestrator runs turns single-flight: while one send is in progress
// further sends are dropped.
type Orchestrator struct {
	config Config
	logger *slog.Logger

	inFlight     atomic.Bool
	limitReached atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Greeting shortcut: these exact phrases skip inference entirely.
var greetings = map[string]struct{}{
	"hi":             {},
	"hello":          {},
	"hey":            {},
	"hola":           {},
	"namaste":        {},
	"good morning":   {},
	"good afternoon": {},
	"good evening":   {},
}

const welcomeReply = "Hello! How can I help you today?"

// New creates an orchestrator.
func New(config Config) *Orchestrator {
	if config.NewSessionID == nil {
		config.NewSessionID = store.NewSessionID
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{config: config, logger: logger}
}

// LimitReached reports whether a previous turn hit the usage limit.
// Further sends are refused until the flag is cleared.
func (o *Orchestrator) LimitReached() bool {
	return o.limitReached.Load()
}

// ClearLimit lifts the usage-limit gate, typically after an upgrade or a
// quota reset.
func (o *Orchestrator) ClearLimit() {
	o.limitReached.Store(false)
}

// Send runs one turn. A send arriving while another is in flight is
// dropped. The returned session ID is the real identifier: for a turn on
// the sentinel "new" session it is freshly minted, otherwise it echoes
// the input.
func (o *Orchestrator) Send(ctx context.Context, input Input) (string, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Debug("send dropped, turn already in flight")
		return input.SessionID, nil
	}
	defer o.inFlight.Store(false)

	if o.limitReached.Load() {
		return input.SessionID, core.NewLimitReachedError("usage limit reached")
	}

	sessionID := o.resolveSession(input.SessionID)

	history, err := o.config.Store.History(ctx, input.SessionID)
	if err != nil {
		o.logger.Warn("history load failed", "error", err)
		history = nil
	}

	userMsg := types.Message{
		ID:          types.NextMessageID(),
		Role:        types.RoleUser,
		Content:     input.Text,
		Attachments: input.Attachments,
		CreatedAt:   time.Now(),
		Mode:        classifyIntent(input.Text, input.Attachments),
	}

	// The title is set once, from the first message of a fresh session;
	// later turns leave it alone (the user may have renamed it).
	title := ""
	if input.SessionID == types.NewSessionID {
		title = sessionTitle(input.Text)
	}

	// The user message is durable before the network call, so a failed
	// or cancelled turn never loses what the user typed.
	if err := o.config.Store.AppendMessage(ctx, sessionID, userMsg, title); err != nil {
		if core.IsLimitReached(err) {
			o.raiseLimit()
			return sessionID, err
		}
		o.logger.Warn("user message sync failed", "error", err)
	}
	o.emitMessage(sessionID, userMsg)

	sendCtx, cancel := context.WithCancel(ctx)
	o.setCancel(cancel)
	defer o.clearCancel()

	if reply, ok := greetingReply(input); ok {
		return sessionID, o.deliverParts(sendCtx, sessionID, input, reply)
	}

	req := backend.Request{
		History:      history,
		Text:         input.Text,
		SystemPrompt: o.config.SystemPrompt,
		Language:     input.Language,
		Mode:         userMsg.Mode,
	}
	for _, att := range input.Attachments {
		switch att.Kind {
		case types.AttachmentImage:
			req.Images = append(req.Images, att)
		case types.AttachmentDocument:
			req.Documents = append(req.Documents, att)
		case types.AttachmentLink:
			req.Links = append(req.Links, att)
		}
	}

	reply, err := o.config.Inference.Send(sendCtx, req)
	if err != nil {
		if core.IsAbort(err) {
			return sessionID, nil
		}
		if core.IsLimitReached(err) {
			o.raiseLimit()
			return sessionID, err
		}
		o.appendErrorTurn(ctx, sessionID, err)
		return sessionID, err
	}
	if reply.LimitReached {
		o.raiseLimit()
		return sessionID, core.NewLimitReachedError("usage limit reached")
	}

	return sessionID, o.deliverPartsReply(sendCtx, sessionID, input, reply)
}

// Abort cancels the in-flight turn, if any. Safe to call repeatedly; a
// second abort of the same turn is a no-op.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EditMessage rewrites the content of an existing user message,
// discarding every message after it, then regenerates the assistant
// reply from the edit point. Same single-flight discipline as Send.
func (o *Orchestrator) EditMessage(ctx context.Context, sessionID, messageID, newText string) error {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Debug("edit dropped, turn already in flight")
		return nil
	}
	defer o.inFlight.Store(false)

	if o.limitReached.Load() {
		return core.NewLimitReachedError("usage limit reached")
	}

	history, err := o.config.Store.History(ctx, sessionID)
	if err != nil {
		return err
	}
	var edited *types.Message
	var prior []types.Message
	for i, msg := range history {
		if msg.ID == messageID {
			m := msg
			m.Content = newText
			edited = &m
			prior = history[:i]
			break
		}
	}
	if edited == nil {
		return core.NewInvalidRequestError("message not found: " + messageID)
	}

	// The store truncates everything after the edited message: the
	// conversation forks here.
	if err := o.config.Store.UpdateMessage(ctx, sessionID, *edited); err != nil {
		if core.IsLimitReached(err) {
			o.raiseLimit()
			return err
		}
		o.logger.Warn("edit sync failed", "error", err)
	}
	o.emitMessage(sessionID, *edited)

	input := Input{
		SessionID:   sessionID,
		Text:        newText,
		Attachments: edited.Attachments,
	}

	req := backend.Request{
		History:      prior,
		Text:         newText,
		SystemPrompt: o.config.SystemPrompt,
		Mode:         classifyIntent(newText, edited.Attachments),
	}

	sendCtx, cancel := context.WithCancel(ctx)
	o.setCancel(cancel)
	defer o.clearCancel()

	reply, err := o.config.Inference.Send(sendCtx, req)
	if err != nil {
		if core.IsAbort(err) {
			return nil
		}
		if core.IsLimitReached(err) {
			o.raiseLimit()
			return err
		}
		o.appendErrorTurn(ctx, sessionID, err)
		return err
	}
	if reply.LimitReached {
		o.raiseLimit()
		return core.NewLimitReachedError("usage limit reached")
	}
	return o.deliverPartsReply(sendCtx, sessionID, input, reply)
}

// resolveSession mints a real identifier for the sentinel session. The
// new→real transition happens exactly once, here, on first send.
func (o *Orchestrator) resolveSession(sessionID string) string {
	if sessionID != types.NewSessionID {
		return sessionID
	}
	id := o.config.NewSessionID()
	o.logger.Debug("session created", "session", id)
	if o.config.OnSessionID != nil {
		o.config.OnSessionID(id)
	}
	return id
}

// deliverPartsReply splits the reply on the reserved delimiter and
// renders, persists, and optionally speaks each part in order.
func (o *Orchestrator) deliverPartsReply(ctx context.Context, sessionID string, input Input, reply *types.Reply) error {
	parts := reply.Parts()
	if len(parts) == 0 {
		return nil
	}
	for i, part := range parts {
		msg := types.Message{
			ID:        types.NextMessageID(),
			Role:      types.RoleAssistant,
			Content:   part,
			CreatedAt: time.Now(),
		}
		if i == len(parts)-1 {
			msg.Conversion = reply.Conversion
			msg.MediaURL = reply.MediaURL
		}

		err := reveal(ctx, part, func(visible string) {
			if o.config.OnReveal != nil {
				o.config.OnReveal(msg.ID, visible)
			}
		})
		if err != nil {
			// Cancelled mid-reveal: the rendered prefix stays on
			// screen, the truncated part is never persisted.
			return nil
		}

		if err := o.config.Store.AppendMessage(ctx, sessionID, msg, ""); err != nil {
			if core.IsLimitReached(err) {
				o.raiseLimit()
				return err
			}
			o.logger.Warn("reply sync failed", "error", err)
		}
		o.emitMessage(sessionID, msg)

		if input.FromVoice && i == 0 && o.config.Speaker != nil {
			o.config.Speaker.Enqueue(speech.Task{
				Text:      part,
				Language:  input.Language,
				MessageID: msg.ID,
			})
		}
	}
	return nil
}

func (o *Orchestrator) deliverParts(ctx context.Context, sessionID string, input Input, text string) error {
	return o.deliverPartsReply(ctx, sessionID, input, &types.Reply{Text: text})
}

// appendErrorTurn records a non-abort failure as an assistant turn. The
// user's message stays persisted; nothing is rolled back.
func (o *Orchestrator) appendErrorTurn(ctx context.Context, sessionID string, cause error) {
	o.logger.Warn("turn failed", "error", cause)
	msg := types.Message{
		ID:        types.NextMessageID(),
		Role:      types.RoleAssistant,
		Content:   "Something went wrong while generating a response. Please try again.",
		CreatedAt: time.Now(),
	}
	if err := o.config.Store.AppendMessage(ctx, sessionID, msg, ""); err != nil {
		o.logger.Warn("error turn sync failed", "error", err)
	}
	o.emitMessage(sessionID, msg)
}

func (o *Orchestrator) raiseLimit() {
	if o.limitReached.Swap(true) {
		return
	}
	o.logger.Info("usage limit reached")
	if o.config.OnLimitReached != nil {
		go o.config.OnLimitReached()
	}
}

func (o *Orchestrator) emitMessage(sessionID string, msg types.Message) {
	if o.config.OnMessage != nil {
		o.config.OnMessage(sessionID, msg)
	}
}

func (o *Orchestrator) setCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) clearCancel() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()
}

// greetingReply checks the greeting shortcut: a bare greeting with no
// attachments returns the canned welcome without touching inference.
func greetingReply(input Input) (string, bool) {
	if len(input.Attachments) > 0 {
		return "", false
	}
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(input.Text), "!.?"))
	if _, ok := greetings[normalized]; ok {
		return welcomeReply, true
	}
	return "", false
}

// sessionTitle derives the stored title from the first message text,
// truncating on rune boundaries.
func sessionTitle(text string) string {
	const maxTitle = 40
	title := strings.TrimSpace(text)
	if runes := []rune(title); len(runes) > maxTitle {
		title = string(runes[:maxTitle])
	}
	return title
}
