// Package stt defines the speech recognition contract used by the capture
// loop, and a WebSocket streaming client implementing it.
package stt

// TranscriptDelta is one recognition update: interim text while the user
// is speaking, or the final text of the finished utterance.
type TranscriptDelta struct {
	Text    string
	IsFinal bool
}

// Events are the callbacks a recognition session emits. Every field is
// optional; a nil callback is skipped.
type Events struct {
	// OnTranscript fires for each interim and final delta.
	OnTranscript func(delta TranscriptDelta)
	// OnEnd fires exactly once when the session ends, for any reason.
	OnEnd func()
	// OnError fires for session failures. Aborts the caller requested do
	// not reach this callback.
	OnError func(err error)
}

// Recognizer is the platform speech recognition engine. A session runs
// from Start until Stop, Abort, or engine-side end.
type Recognizer interface {
	// Start opens a recognition session for the given language tag.
	Start(language string, events Events) error

	// Stop ends the session gracefully: a pending utterance is finalized
	// and delivered before OnEnd.
	Stop()

	// Abort ends the session immediately, discarding pending audio. No
	// error is reported for the abort itself.
	Abort()
}
