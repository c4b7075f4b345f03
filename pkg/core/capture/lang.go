package capture

import "unicode"

// LanguageHindi is the recognition language selected when a transcript
// arrives in Devanagari script.
const LanguageHindi = "hi-IN"

// DetectLanguage inspects a transcript and returns the recognition
// language the next capture session should use, or current when no
// switch is warranted. Devanagari text switches recognition to Hindi so
// the follow-up utterance is transcribed in the language the user is
// actually speaking.
func DetectLanguage(transcript, current string) string {
	if containsDevanagari(transcript) {
		return LanguageHindi
	}
	return current
}

func containsDevanagari(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Devanagari, r) {
			return true
		}
	}
	return false
}
