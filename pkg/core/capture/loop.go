// Package capture runs the continuous voice input loop: one recognition
// session per utterance, chained so the microphone reopens only after
// the assistant has finished speaking its reply.
package capture

import (
	"log/slog"
	"sync"

	"github.com/verba-ai/verba/pkg/core/voice/stt"
)

// State is the externally visible capture state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
	StateError
)

// String returns a human-readable capture state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateFinalizing:
		return "FINALIZING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config configures the capture loop.
type Config struct {
	Recognizer stt.Recognizer
	// OnPartial fires on every interim transcript for live display.
	OnPartial func(text string)
	// OnFinal fires once per utterance with the finalized transcript and
	// the language it was recognized in. The loop stays armed; it
	// resumes when ResumeAfterPlayback is called.
	OnFinal func(text, language string)
	// OnState fires on externally visible state changes.
	OnState func(State)
	// OnError fires when recognition fails. A failed session disarms
	// the loop until the user starts it again; permission failures are
	// the distinguished user-actionable kind.
	OnError func(err error)
	Logger  *slog.Logger
}

// Loop drives repeated recognition sessions. Whether a finished session
// restarts depends on two guard flags: keepListening marks the loop
// armed, manualStop marks a deliberate user stop that must win over any
// in-flight end event.
type Loop struct {
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	language      string
	keepListening bool
	manualStop    bool
	// awaitingReply is set after an utterance is submitted: the session
	// that follows opens on playback completion, never on the
	// recognizer's own end event.
	awaitingReply bool
	// suspended silences this loop while a live conversation session
	// owns the microphone.
	suspended bool
}

// NewLoop creates a capture loop.
func NewLoop(config Config) *Loop {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		config: config,
		logger: logger,
		state:  StateIdle,
	}
}

// Start arms the loop and opens the first recognition session in the
// given language.
func (l *Loop) Start(language string) error {
	l.mu.Lock()
	if l.state == StateListening {
		l.mu.Unlock()
		return nil
	}
	l.keepListening = true
	l.manualStop = false
	l.awaitingReply = false
	l.language = language
	l.mu.Unlock()
	return l.startSession()
}

// StopManual is the user-initiated stop. The manual flag is raised
// before the recognizer is told to stop, so the end event that follows
// cannot restart the loop.
func (l *Loop) StopManual() {
	l.mu.Lock()
	l.manualStop = true
	l.keepListening = false
	l.mu.Unlock()
	l.config.Recognizer.Stop()
}

// ResumeAfterPlayback reopens recognition once the spoken reply has
// finished. This is the only path that restarts a session after an
// utterance was submitted.
func (l *Loop) ResumeAfterPlayback() {
	l.mu.Lock()
	if !l.keepListening || l.manualStop || l.suspended || !l.awaitingReply {
		l.mu.Unlock()
		return
	}
	l.awaitingReply = false
	l.mu.Unlock()
	if err := l.startSession(); err != nil {
		l.logger.Warn("capture restart failed", "error", err)
	}
}

// Suspend silences the loop while another subsystem owns the
// microphone. Resume re-arms it if it was listening before.
func (l *Loop) Suspend() {
	l.mu.Lock()
	l.suspended = true
	wasListening := l.state == StateListening
	l.mu.Unlock()
	if wasListening {
		l.config.Recognizer.Abort()
	}
}

// Resume lifts a suspension. The loop reopens only if it was still
// armed.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.suspended = false
	restart := l.keepListening && !l.manualStop && !l.awaitingReply
	l.mu.Unlock()
	if restart {
		if err := l.startSession(); err != nil {
			l.logger.Warn("capture resume failed", "error", err)
		}
	}
}

// State reports the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ObserveReply inspects an assistant reply and auto-switches the next
// session's recognition language to match the script the conversation
// has moved into.
func (l *Loop) ObserveReply(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.language = DetectLanguage(text, l.language)
}

// Language reports the language the next session will be recognized in.
func (l *Loop) Language() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.language
}

func (l *Loop) startSession() error {
	l.mu.Lock()
	language := l.language
	l.mu.Unlock()

	events := stt.Events{
		OnTranscript: l.onTranscript,
		OnEnd:        l.onEnd,
		OnError:      l.onError,
	}
	if err := l.config.Recognizer.Start(language, events); err != nil {
		l.mu.Lock()
		l.setStateLocked(StateError)
		l.keepListening = false
		l.mu.Unlock()
		return err
	}
	l.mu.Lock()
	l.setStateLocked(StateListening)
	l.mu.Unlock()
	l.logger.Debug("capture session opened", "language", language)
	return nil
}

func (l *Loop) onTranscript(delta stt.TranscriptDelta) {
	if !delta.IsFinal {
		if l.config.OnPartial != nil {
			go l.config.OnPartial(delta.Text)
		}
		return
	}
	if delta.Text == "" {
		return
	}

	l.mu.Lock()
	language := l.language
	l.awaitingReply = true
	l.setStateLocked(StateFinalizing)
	l.mu.Unlock()

	l.logger.Debug("utterance finalized", "length", len(delta.Text))
	l.config.Recognizer.Stop()
	if l.config.OnFinal != nil {
		go l.config.OnFinal(delta.Text, language)
	}
}

func (l *Loop) onEnd() {
	l.mu.Lock()
	if l.manualStop || !l.keepListening || l.suspended {
		l.setStateLocked(StateIdle)
		l.mu.Unlock()
		return
	}
	if l.awaitingReply {
		// The next session opens from ResumeAfterPlayback, not here:
		// restarting now would have the microphone pick up the
		// assistant's own voice. Nothing is listening in the meantime.
		l.setStateLocked(StateIdle)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	// The session ended without an utterance (silence or a recognizer
	// timeout). Reopen immediately.
	if err := l.startSession(); err != nil {
		l.logger.Warn("capture restart failed", "error", err)
	}
}

func (l *Loop) onError(err error) {
	l.mu.Lock()
	// Any session failure disarms the loop: the end event that follows
	// lands in Idle instead of redialing a failing service in a tight
	// loop. Only Start rearms.
	l.keepListening = false
	l.setStateLocked(StateError)
	l.mu.Unlock()

	l.logger.Warn("recognition error", "error", err)
	if l.config.OnError != nil {
		go l.config.OnError(err)
	}
}

func (l *Loop) setStateLocked(state State) {
	if l.state == state {
		return
	}
	l.state = state
	if l.config.OnState != nil {
		go l.config.OnState(state)
	}
}
