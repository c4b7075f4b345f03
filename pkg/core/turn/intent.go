package turn

import (
	"strings"

	"github.com/verba-ai/verba/pkg/core/types"
)

// classifyIntent derives the mode tag for a turn from keyword patterns in
// the text and the attachment mix. The tag shapes the prompt and labels
// the turn in history; misclassification degrades labeling only.
func classifyIntent(text string, attachments []types.Attachment) types.Mode {
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, "convert", "change format", "export as", "save as"):
		if hasKind(attachments, types.AttachmentDocument) || hasKind(attachments, types.AttachmentImage) {
			return types.ModeConvert
		}
	case containsAny(lower, "translate", "translation", "in hindi", "in spanish", "in french", "in german"):
		return types.ModeTranslate
	case containsAny(lower, "code", "function", "debug", "compile", "script", "program"):
		return types.ModeCode
	}

	if len(attachments) > 0 {
		for _, att := range attachments {
			if att.Kind == types.AttachmentDocument || att.Kind == types.AttachmentImage {
				return types.ModeAnalyze
			}
		}
	}
	if containsAny(lower, "analyze", "analyse", "summarize", "summarise", "review this", "explain this") {
		return types.ModeAnalyze
	}
	return types.ModeChat
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasKind(attachments []types.Attachment, kind types.AttachmentKind) bool {
	for _, att := range attachments {
		if att.Kind == kind {
			return true
		}
	}
	return false
}
