package turn

import (
	"context"
	"strings"
	"time"
)

// Reveal pacing. The per-word delay shrinks with response length so a
// long answer still finishes revealing within roughly the target window.
const (
	revealTargetTotal = 8 * time.Second
	revealMaxDelay    = 80 * time.Millisecond
	revealMinDelay    = 15 * time.Millisecond
)

// revealDelay returns the per-word pause for a response of the given
// word count.
func revealDelay(words int) time.Duration {
	if words <= 0 {
		return revealMaxDelay
	}
	d := revealTargetTotal / time.Duration(words)
	if d > revealMaxDelay {
		return revealMaxDelay
	}
	if d < revealMinDelay {
		return revealMinDelay
	}
	return d
}

// reveal simulates streaming over an already-complete part: the visible
// prefix grows word by word, delivered through onUpdate, with a pause
// between words. Cancellation is checked at every word boundary; on
// cancel the already-revealed prefix stays visible and ctx.Err() is
// returned.
func reveal(ctx context.Context, text string, onUpdate func(visible string)) error {
	words := strings.Fields(text)
	if len(words) == 0 {
		onUpdate(text)
		return nil
	}
	delay := revealDelay(len(words))

	var b strings.Builder
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
		onUpdate(b.String())
		if i < len(words)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	// Whitespace and newlines collapse during the word walk; the final
	// update restores the exact text.
	onUpdate(text)
	return nil
}
