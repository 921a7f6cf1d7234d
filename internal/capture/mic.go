package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// Mic owns the capture-side audio device. It accumulates PCM16 between
// StartClip and StopClip so user turns can be recorded as discrete clips.
type Mic struct {
	actx   *malgo.AllocatedContext
	device *malgo.Device
	logger *slog.Logger

	mu        sync.Mutex
	clipping  bool
	clip      []byte
	closeOnce sync.Once
}

// OpenMic initializes the default capture device at the given format and
// starts it. Returns an error when the host has no usable microphone.
func OpenMic(sampleRate, channels int, log *slog.Logger) (*Mic, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	actx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio capture context: %w", err)
	}

	m := &Mic{
		actx:   actx,
		logger: log.With(slog.String("component", "mic")),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.mu.Lock()
			if m.clipping {
				m.clip = append(m.clip, input...)
			}
			m.mu.Unlock()
		},
	}

	device, err := malgo.InitDevice(actx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = actx.Uninit()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = actx.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	m.logger.Info("microphone capture started",
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels))
	return m, nil
}

// StartClip begins accumulating microphone audio. Starting while a clip is
// already open discards the open clip and starts fresh.
func (m *Mic) StartClip() {
	m.mu.Lock()
	m.clipping = true
	m.clip = nil
	m.mu.Unlock()
}

// StopClip ends accumulation and returns the captured PCM16 bytes, which may
// be empty if the device produced nothing.
func (m *Mic) StopClip() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clipping = false
	clip := m.clip
	m.clip = nil
	return clip
}

// Close stops and releases the device. Idempotent.
func (m *Mic) Close() {
	m.closeOnce.Do(func() {
		if m.device != nil {
			m.device.Stop()
			m.device.Uninit()
		}
		if m.actx != nil {
			_ = m.actx.Uninit()
		}
	})
}
