package speech

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// FallbackSpeaker is the on-device best-effort speech output used when
// remote synthesis fails. Speech is an enhancement, not a required path:
// when the fallback is also unavailable the failure stays silent.
type FallbackSpeaker interface {
	Speak(text, language string) error
}

// CommandSpeaker shells out to the platform speech command: `say` on
// macOS, `espeak` elsewhere.
type CommandSpeaker struct {
	// Path overrides the command lookup (tests, unusual installs).
	Path string
}

// Speak runs the platform speech command with a language-derived voice.
func (s *CommandSpeaker) Speak(text, language string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	path := s.Path
	var args []string
	if runtime.GOOS == "darwin" {
		if path == "" {
			path = "say"
		}
		if voice := macVoiceForLanguage(language); voice != "" {
			args = append(args, "-v", voice)
		}
	} else {
		if path == "" {
			path = "espeak"
		}
		if lang := baseLanguage(language); lang != "" {
			args = append(args, "-v", lang)
		}
	}
	args = append(args, text)

	cmd := exec.Command(path, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fallback speech: %w", err)
	}
	return nil
}

// baseLanguage reduces a BCP-47 tag to its primary subtag ("hi-IN" → "hi").
func baseLanguage(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

func macVoiceForLanguage(language string) string {
	switch baseLanguage(language) {
	case "hi":
		return "Lekha"
	case "es":
		return "Monica"
	case "fr":
		return "Thomas"
	case "de":
		return "Anna"
	default:
		return ""
	}
}
