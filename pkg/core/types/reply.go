package types

import (
	"encoding/json"
	"strings"
)

// Reply is the normalized shape of an inference response. The wire format
// is either a bare JSON string (legacy clients) or a structured object;
// Normalize collapses both so code past the orchestrator boundary only
// ever sees this one shape.
type Reply struct {
	Text       string      `json:"reply"`
	Conversion *Conversion `json:"conversion,omitempty"`
	MediaURL   string      `json:"media_url,omitempty"`
	// LimitReached is set when the backend answered with the usage-limit
	// sentinel instead of a reply.
	LimitReached bool `json:"-"`
}

// limitSentinel is the error discriminator the backend uses for the
// usage-limit gate.
const limitSentinel = "LIMIT_REACHED"

type wireReply struct {
	Reply      string      `json:"reply"`
	Error      string      `json:"error"`
	Conversion *Conversion `json:"conversion"`
	MediaURL   string      `json:"media_url"`
}

// NormalizeReply decodes an inference response body into a Reply,
// accepting both the bare-string and the structured object shapes.
func NormalizeReply(body []byte) (*Reply, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return &Reply{}, nil
	}

	// Legacy shape: the whole body is one JSON string.
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return nil, err
		}
		return &Reply{Text: text}, nil
	}

	var w wireReply
	if err := json.Unmarshal(body, &w); err != nil {
		// Not JSON at all: some deployments return raw text.
		return &Reply{Text: trimmed}, nil
	}
	if w.Error == limitSentinel {
		return &Reply{LimitReached: true}, nil
	}
	return &Reply{Text: w.Reply, Conversion: w.Conversion, MediaURL: w.MediaURL}, nil
}

// PartDelimiter is the reserved string the backend emits between the
// independent parts of a multi-file response. There is no escaping: a
// delimiter occurring in generated prose splits the reply. Known risk,
// matches the backend contract.
const PartDelimiter = "<<<FILE_BREAK>>>"

// Parts splits the reply text on the reserved delimiter. A reply with no
// delimiter is a single part. Empty segments produced by leading or
// trailing delimiters are dropped.
func (r *Reply) Parts() []string {
	raw := strings.Split(r.Text, PartDelimiter)
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 && strings.TrimSpace(r.Text) != "" {
		parts = append(parts, strings.TrimSpace(r.Text))
	}
	return parts
}
