package speechcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/script"
	"github.com/parley-labs/parley-core/internal/tts"
)

// Cache is the session-scoped speech artifact store plus the best-effort
// prefetch queue. Artifacts move no-artifact -> raw bytes -> decoded buffer
// and never backward. It is created on session start and cleared on
// teardown so sessions cannot cross-contaminate.
type Cache struct {
	synth  tts.Synthesizer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	raw      map[string][]byte
	decoded  map[string]*audio.Buffer
	inflight map[string]struct{}
}

func New(parent context.Context, synth tts.Synthesizer, log *slog.Logger) *Cache {
	ctx, cancel := context.WithCancel(parent)
	return &Cache{
		synth:    synth,
		logger:   log.With(slog.String("component", "speech-cache")),
		ctx:      ctx,
		cancel:   cancel,
		raw:      make(map[string][]byte),
		decoded:  make(map[string]*audio.Buffer),
		inflight: make(map[string]struct{}),
	}
}

// Prefetch starts one background synthesis per non-user line that is neither
// cached nor already in flight. Fire-and-forget: failures are logged and
// dropped, the loading phase retries those lines.
func (c *Cache) Prefetch(lines []script.Line, voices map[script.Role]string) {
	for _, line := range lines {
		if line.Role == script.RoleUser {
			continue
		}
		c.mu.Lock()
		_, haveRaw := c.raw[line.ID]
		_, haveDecoded := c.decoded[line.ID]
		_, busy := c.inflight[line.ID]
		if haveRaw || haveDecoded || busy {
			c.mu.Unlock()
			continue
		}
		c.inflight[line.ID] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.fetch(line, voices[line.Role])
	}
}

func (c *Cache) fetch(line script.Line, voice string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, line.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	pcm, err := c.synth.Synthesize(ctx, line.Text, voice)
	if err != nil {
		c.logger.Warn("prefetch synthesis failed",
			slog.String("line_id", line.ID),
			slog.String("error", err.Error()))
		return
	}
	if len(pcm) == 0 {
		return
	}
	c.Put(line.ID, pcm)
}

// Put stores raw synthesized bytes unless the line already advanced further.
func (c *Cache) Put(lineID string, pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.decoded[lineID]; ok {
		return
	}
	if _, ok := c.raw[lineID]; ok {
		return
	}
	c.raw[lineID] = pcm
}

// Get returns cached raw bytes for a line, or nil.
func (c *Cache) Get(lineID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw[lineID]
}

// PutDecoded stores a decoded buffer; the raw bytes are dropped since the
// buffer supersedes them.
func (c *Cache) PutDecoded(lineID string, buf *audio.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.decoded[lineID]; ok {
		return
	}
	c.decoded[lineID] = buf
	delete(c.raw, lineID)
}

// Decoded returns the decoded buffer for a line, or nil.
func (c *Cache) Decoded(lineID string) *audio.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decoded[lineID]
}

// InFlight reports whether a prefetch task is pending for the line.
func (c *Cache) InFlight(lineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[lineID]
	return ok
}

// Wait blocks until every in-flight prefetch resolves.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Clear cancels in-flight work and drops all artifacts. Part of session
// teardown; safe to call more than once.
func (c *Cache) Clear() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.raw = make(map[string][]byte)
	c.decoded = make(map[string]*audio.Buffer)
	c.inflight = make(map[string]struct{})
	c.mu.Unlock()
}
