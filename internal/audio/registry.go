package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Tap receives a copy of every PCM16 byte slice handed to the output device,
// letting the capture pipeline mirror the mix without touching sources.
type Tap func(pcm []byte)

// Registry owns the audio output context and tracks every live
// sound-producing node so teardown can never leak one. All source lifecycle
// goes through here; no other component stops players directly.
type Registry struct {
	driver Driver
	log    *slog.Logger

	mu      sync.Mutex
	sources map[*Source]struct{}
	tap     Tap
	down    bool
}

func NewRegistry(driver Driver, log *slog.Logger) *Registry {
	return &Registry{
		driver:  driver,
		log:     log.With(slog.String("component", "audio-registry")),
		sources: make(map[*Source]struct{}),
		down:    true,
	}
}

// Acquire creates or resumes the output context. The registry starts down
// and opens only on a successful Acquire; after a Teardown the next Acquire
// reopens it for a new session. A failed Acquire leaves the registry down so
// StartSource rejects instead of touching a driver that never came up.
func (r *Registry) Acquire() error {
	err := r.driver.Ready()
	r.mu.Lock()
	r.down = err != nil
	r.mu.Unlock()
	return err
}

// SetTap installs the capture mirror; nil removes it.
func (r *Registry) SetTap(tap Tap) {
	r.mu.Lock()
	r.tap = tap
	r.mu.Unlock()
}

// Live reports the number of registered live sources.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

var errTornDown = errors.New("audio output is not acquired")

// StartSource encodes a decoded buffer, binds it to a new player and starts
// it. The returned source signals Done when the device finishes draining.
func (r *Registry) StartSource(buf *Buffer) (*Source, error) {
	if buf == nil || len(buf.Data) == 0 {
		return nil, errEmptyPCM
	}

	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return nil, errTornDown
	}
	s := &Source{
		reg:  r,
		data: EncodePCM16(buf.Data),
		done: make(chan struct{}),
	}
	r.sources[s] = struct{}{}
	r.mu.Unlock()

	s.player = r.driver.NewPlayer(s)
	s.player.Play()
	go s.watch()
	return s, nil
}

func (r *Registry) release(s *Source) {
	r.mu.Lock()
	delete(r.sources, s)
	r.mu.Unlock()
}

func (r *Registry) tapFn() Tap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tap
}

// Teardown stops every live source and clears the set. Idempotent and
// error-free by contract: stopping an already-stopped node or closing an
// already-closed context is an expected race, not a failure.
func (r *Registry) Teardown() {
	r.mu.Lock()
	if r.down && len(r.sources) == 0 {
		r.mu.Unlock()
		return
	}
	r.down = true
	live := make([]*Source, 0, len(r.sources))
	for s := range r.sources {
		live = append(live, s)
	}
	r.sources = make(map[*Source]struct{})
	r.tap = nil
	r.mu.Unlock()

	for _, s := range live {
		s.stop()
	}
	if len(live) > 0 {
		r.log.Info("audio registry torn down", slog.Int("stopped", len(live)))
	}
}

// Source is one playing buffer. It implements io.Reader for the player and
// mirrors read bytes into the registry tap.
type Source struct {
	reg    *Registry
	player Player

	mu        sync.Mutex
	data      []byte
	off       int
	exhausted bool

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// Read feeds the output device.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.off >= len(s.data) {
		s.exhausted = true
		s.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:])
	s.off += n
	chunk := s.data[s.off-n : s.off]
	s.mu.Unlock()

	if tap := s.reg.tapFn(); tap != nil {
		tap(chunk)
	}
	return n, nil
}

// Done fires when the device has drained this source or it was stopped.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

func (s *Source) isExhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

func (s *Source) watch() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		select {
		case <-s.done:
			return
		default:
		}
		if s.isExhausted() && !s.player.IsPlaying() {
			s.stop()
			return
		}
	}
}

// stop halts playback and releases the source. Safe to call repeatedly and
// on sources that already finished.
func (s *Source) stop() {
	s.stopOnce.Do(func() {
		_ = s.player.Close()
		s.reg.release(s)
	})
	s.doneOnce.Do(func() { close(s.done) })
}
