package capture

import (
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
)

// MicConfig configures the microphone source.
type MicConfig struct {
	SampleRate int
	Channels   int
}

// DefaultMicConfig returns microphone settings matching the recognizer's
// expected input: 16kHz mono 16-bit PCM.
func DefaultMicConfig() MicConfig {
	return MicConfig{
		SampleRate: 16000,
		Channels:   1,
	}
}

// Mic is a malgo-backed microphone source. It buffers captured PCM and
// serves it through blocking Reads, satisfying the recognizer's audio
// source contract.
type Mic struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

// OpenMic initializes the audio context and starts capturing.
func OpenMic(config MicConfig) (*Mic, error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &Mic{
		ctx: ctx,
		buf: make([]byte, 0, config.SampleRate*2),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(config.Channels)
	deviceConfig.SampleRate = uint32(config.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, input...)
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return m, nil
}

// Read blocks until captured audio is available, then copies it into p.
// Returns io.EOF after Close.
func (m *Mic) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed && len(m.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

// Close stops the device and releases the audio context. Pending Reads
// drain the buffer and then return io.EOF.
func (m *Mic) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
	}
}
