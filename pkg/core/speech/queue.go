// Package speech serializes text-to-speech requests behind a single owned
// audio handle. Tasks queue FIFO, can be pre-empted by a forced enqueue,
// and the live playback can be paused and resumed in place. No other
// component ever touches the audio handle directly.
package speech

import (
	"context"
	"log/slog"
	"sync"

	"github.com/verba-ai/verba/pkg/core/types"
	"github.com/verba-ai/verba/pkg/core/voice/tts"
)

// TaskState is the lifecycle of one queued speech task.
type TaskState int

const (
	StateQueued TaskState = iota
	StateSynthesizing
	StatePlaying
	StatePaused
	StateCompleted
	StateAborted
)

// String returns a human-readable task state.
func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateCompleted:
		return "COMPLETED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Task is one request to speak a message aloud. Ephemeral: tasks are
// never persisted.
type Task struct {
	Text        string
	Language    string
	MessageID   string
	Attachments []types.Attachment
}

// Status is the queue's externally visible state, reported to the UI for
// the pause/resume controls.
type Status struct {
	ActiveMessageID string
	State           TaskState
}

// Config configures the queue.
type Config struct {
	TTS      tts.Provider
	Player   Player
	Fallback FallbackSpeaker
	// Voice is the synthesized voice for plain-text tasks.
	Voice tts.VoiceGender
	// OnPlaybackStart fires before a task's audio begins, so the capture
	// loop can be silenced first: speech must never play into a live
	// microphone session.
	OnPlaybackStart func()
	// OnAllDone fires when the last queued task completes naturally and
	// the queue drains. The capture loop gates its restart on this hook.
	OnAllDone func()
	// OnStatus fires on every externally visible state change.
	OnStatus func(Status)
	Logger   *slog.Logger
}

// Queue is the speech queue and playback controller.
type Queue struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []Task
	active  *Task
	state   TaskState
	handle  Handle
	// generation guards against a stale synthesis or completion touching
	// state after a pre-emption.
	generation int
	// cache holds already-synthesized audio per message so repeat
	// playback does not re-pay synthesis.
	cache map[string][]byte
	// externalStop tears down an audio handle owned by another subsystem
	// (a one-off preview player) before we start ours.
	externalStop func()
}

// NewQueue creates a speech queue.
func NewQueue(config Config) *Queue {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		config: config,
		logger: logger,
		cache:  make(map[string][]byte),
	}
}

// Enqueue appends a task to the FIFO and starts it if nothing is active.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, task)
	q.logger.Debug("speech task queued", "message", task.MessageID, "pending", len(q.pending))
	if q.active == nil {
		q.startNextLocked()
	}
}

// EnqueueForce stops any active task, clears the entire pending queue,
// and runs this task immediately. This is the "user clicked play on a
// different message" path.
func (q *Queue) EnqueueForce(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopActiveLocked()
	q.pending = q.pending[:0]
	q.pending = append(q.pending, task)
	q.startNextLocked()
}

// Toggle flips the live playback between playing and paused when the
// active task matches messageID. It reports whether the toggle applied;
// a false return means the caller should enqueue the message instead.
func (q *Queue) Toggle(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil || q.active.MessageID != messageID || q.handle == nil {
		return false
	}
	if q.handle.Paused() {
		q.handle.Resume()
		q.setStateLocked(StatePlaying)
	} else {
		q.handle.Pause()
		q.setStateLocked(StatePaused)
	}
	return true
}

// Stop halts the current audio and clears the pending queue. It does not
// cancel any in-flight text generation, and it does not fire OnAllDone:
// a manual stop is not a natural completion.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopActiveLocked()
	q.pending = q.pending[:0]
}

// Status reports the queue's externally visible state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Status{}
	}
	return Status{ActiveMessageID: q.active.MessageID, State: q.state}
}

// AdoptExternal registers the stop function of an audio handle owned
// outside the queue. Starting any queue playback tears it down first, so
// only one audio stream ever plays system-wide.
func (q *Queue) AdoptExternal(stop func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.externalStop != nil {
		q.externalStop()
	}
	q.externalStop = stop
}

// stopActiveLocked tears down the live handle and marks the active task
// aborted. Callers hold q.mu.
func (q *Queue) stopActiveLocked() {
	q.generation++
	if q.handle != nil {
		q.handle.Stop()
		q.handle = nil
	}
	if q.active != nil {
		q.logger.Debug("speech task aborted", "message", q.active.MessageID)
		q.active = nil
		q.setStateLocked(StateAborted)
	}
}

// startNextLocked pops the queue head and begins synthesis. Callers hold
// q.mu.
func (q *Queue) startNextLocked() {
	if len(q.pending) == 0 {
		q.active = nil
		if q.config.OnStatus != nil {
			go q.config.OnStatus(Status{})
		}
		return
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	q.active = &task
	q.generation++
	gen := q.generation
	q.setStateLocked(StateSynthesizing)

	go q.synthesizeAndPlay(task, gen)
}

func (q *Queue) synthesizeAndPlay(task Task, gen int) {
	audio, err := q.resolveAudio(task)
	if err != nil {
		q.logger.Debug("synthesis failed, using fallback speech", "message", task.MessageID, "error", err)
		q.speakFallback(task, gen)
		return
	}

	q.mu.Lock()
	if gen != q.generation {
		// Pre-empted while synthesizing.
		q.mu.Unlock()
		return
	}
	q.cache[task.MessageID] = audio
	external := q.externalStop
	q.externalStop = nil
	old := q.handle
	q.handle = nil
	q.mu.Unlock()

	if external != nil {
		external()
	}
	if old != nil {
		old.Stop()
	}
	// Capture and playback mutually exclude: any open microphone
	// session is stopped before the first sample plays.
	if q.config.OnPlaybackStart != nil {
		q.config.OnPlaybackStart()
	}

	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		return
	}
	handle, err := q.config.Player.NewHandle(audio, func() { q.onPlaybackDone(gen) })
	if err != nil {
		q.mu.Unlock()
		q.logger.Debug("playback failed, using fallback speech", "message", task.MessageID, "error", err)
		q.speakFallback(task, gen)
		return
	}
	q.handle = handle
	q.setStateLocked(StatePlaying)
	q.mu.Unlock()
}

// resolveAudio picks the synthesis path for a task: cached audio first,
// then file transcoding when a readable attachment is present, plain
// text otherwise.
func (q *Queue) resolveAudio(task Task) ([]byte, error) {
	q.mu.Lock()
	cached, ok := q.cache[task.MessageID]
	q.mu.Unlock()
	if ok {
		return cached, nil
	}

	ctx := context.Background()
	for _, att := range task.Attachments {
		if att.Readable() && len(att.Data) > 0 {
			return q.config.TTS.SynthesizeFromFile(ctx, att.Data, att.MIME, spokenIntro(task.Text))
		}
	}
	return q.config.TTS.Synthesize(ctx, task.Text, task.Language, q.config.Voice)
}

// spokenIntro derives the optional spoken header for a file task from the
// message text.
func spokenIntro(text string) string {
	const maxIntro = 120
	if len(text) > maxIntro {
		return text[:maxIntro]
	}
	return text
}

func (q *Queue) speakFallback(task Task, gen int) {
	q.mu.Lock()
	if gen != q.generation {
		// Pre-empted while synthesis was failing: stay silent.
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	if q.config.Fallback != nil {
		if err := q.config.Fallback.Speak(task.Text, task.Language); err != nil {
			// Fallback unavailable: fail silently, speech is optional.
			q.logger.Debug("fallback speech unavailable", "error", err)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation {
		return
	}
	q.setStateLocked(StateCompleted)
	q.startNextLocked()
	q.notifyDrainedLocked()
}

// onPlaybackDone handles natural completion of the live handle: dequeue
// the finished task and immediately start the next, or clear the active
// indicator and fire the drain hook.
func (q *Queue) onPlaybackDone(gen int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation {
		// Late completion from a handle we already replaced.
		return
	}
	if q.active != nil {
		q.logger.Debug("speech task completed", "message", q.active.MessageID)
	}
	q.handle = nil
	q.setStateLocked(StateCompleted)
	q.startNextLocked()
	q.notifyDrainedLocked()
}

func (q *Queue) notifyDrainedLocked() {
	if q.active == nil && len(q.pending) == 0 && q.config.OnAllDone != nil {
		go q.config.OnAllDone()
	}
}

func (q *Queue) setStateLocked(state TaskState) {
	q.state = state
	if q.config.OnStatus != nil {
		status := Status{State: state}
		if q.active != nil {
			status.ActiveMessageID = q.active.MessageID
		}
		go q.config.OnStatus(status)
	}
}
