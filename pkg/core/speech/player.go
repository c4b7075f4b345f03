package speech

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Handle is one live playback of a synthesized clip. At most one Handle
// exists system-wide; the queue owns it.
type Handle interface {
	// Pause suspends playback in place.
	Pause()
	// Resume continues a paused playback.
	Resume()
	// Stop halts playback and releases the handle. The completion
	// callback is detached first: a stop never looks like a natural end.
	Stop()
	// Paused reports whether the handle is currently paused.
	Paused() bool
}

// Player creates playback handles. *OtoPlayer is the real implementation;
// tests substitute fakes.
type Player interface {
	// NewHandle starts playing pcm immediately and fires onDone exactly
	// once when playback reaches the natural end of the clip. A stopped
	// handle never fires onDone.
	NewHandle(pcm []byte, onDone func()) (Handle, error)
}

// OtoPlayer implements Player over the system audio device.
type OtoPlayer struct {
	ctx *oto.Context
}

// NewOtoPlayer initializes the audio device for 16-bit little-endian PCM.
func NewOtoPlayer(sampleRate, channels int) (*OtoPlayer, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("init audio device: %w", err)
	}
	<-ready
	return &OtoPlayer{ctx: ctx}, nil
}

// NewHandle starts playing pcm and watches for its natural end.
func (p *OtoPlayer) NewHandle(pcm []byte, onDone func()) (Handle, error) {
	player := p.ctx.NewPlayer(bytes.NewReader(pcm))
	h := &otoHandle{player: player, onDone: onDone}
	player.Play()
	go h.watch()
	return h, nil
}

type otoHandle struct {
	player *oto.Player
	onDone func()

	mu       sync.Mutex
	paused   bool
	stopped  atomic.Bool
	doneOnce sync.Once
}

func (h *otoHandle) watch() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if h.stopped.Load() {
			return
		}
		h.mu.Lock()
		paused := h.paused
		h.mu.Unlock()
		if paused {
			continue
		}
		// oto reports not-playing once the reader is drained and the
		// device buffer has emptied.
		if !h.player.IsPlaying() {
			h.doneOnce.Do(func() {
				if h.onDone != nil && !h.stopped.Load() {
					h.onDone()
				}
			})
			return
		}
	}
}

func (h *otoHandle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() || h.paused {
		return
	}
	h.paused = true
	h.player.Pause()
}

func (h *otoHandle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() || !h.paused {
		return
	}
	h.paused = false
	h.player.Play()
}

func (h *otoHandle) Stop() {
	// Detach before tearing down so a racing watch tick cannot report a
	// natural completion for a handle we killed.
	if h.stopped.Swap(true) {
		return
	}
	h.doneOnce.Do(func() {})
	h.player.Pause()
	_ = h.player.Close()
}

func (h *otoHandle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}
