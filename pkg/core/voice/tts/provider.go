// Package tts provides the speech synthesis contract and the HTTP client
// for the remote synthesis service.
package tts

import (
	"context"
)

// VoiceGender selects the synthesized voice.
type VoiceGender string

const (
	VoiceFemale VoiceGender = "female"
	VoiceMale   VoiceGender = "male"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Synthesize converts plain text to audio bytes.
	Synthesize(ctx context.Context, text, languageCode string, gender VoiceGender) ([]byte, error)

	// SynthesizeFromFile transcodes a readable document or image into
	// speech server-side, in one combined request. intro, when non-empty,
	// is spoken before the file content.
	SynthesizeFromFile(ctx context.Context, data []byte, mimeType, intro string) ([]byte, error)
}
