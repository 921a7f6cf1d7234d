package synthbatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/script"
	"github.com/parley-labs/parley-core/internal/speechcache"
	"github.com/parley-labs/parley-core/internal/tts"
)

// Progress is invoked after each line settles, with the running completed
// count, the total line count, and the line that just settled.
type Progress func(completed, total int, lineID string)

// Resolver turns a full script into decoded, play-ready audio during the
// loading phase. Synthesis fans out across a bounded number of workers;
// a line that fails is marked fallback-only and the batch keeps going.
type Resolver struct {
	synth  tts.Synthesizer
	cache  *speechcache.Cache
	fanOut int
	logger *slog.Logger
}

func New(synth tts.Synthesizer, cache *speechcache.Cache, fanOut int, log *slog.Logger) *Resolver {
	if fanOut <= 0 {
		fanOut = 1
	}
	return &Resolver{
		synth:  synth,
		cache:  cache,
		fanOut: fanOut,
		logger: log.With(slog.String("component", "synth-batch")),
	}
}

// Resolve settles every line in the script. Prefetched raw bytes are
// decoded in place; misses are synthesized fresh. User lines and lines
// that already hold a decoded buffer count as settled immediately.
// Returns ctx.Err() if cancelled, nil otherwise; per-line failures never
// abort the batch.
func (r *Resolver) Resolve(ctx context.Context, scr *script.Script, voices map[script.Role]string, onProgress Progress) error {
	// Drain prefetch first so every line's artifact state is final before
	// we decide what still needs synthesis.
	r.cache.Wait()

	lines := scr.Lines()
	total := len(lines)
	var completed atomic.Int64

	settle := func(lineID string) {
		done := int(completed.Add(1))
		if onProgress != nil {
			onProgress(done, total, lineID)
		}
	}

	slots := make(chan struct{}, r.fanOut)
	var wg sync.WaitGroup

	for _, line := range lines {
		if line.Role == script.RoleUser || r.cache.Decoded(line.ID) != nil {
			if line.Role != script.RoleUser {
				scr.SetStatus(line.ID, script.AudioReady)
			}
			settle(line.ID)
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func(line script.Line) {
			defer wg.Done()
			defer func() { <-slots }()
			r.resolveLine(ctx, scr, line, voices[line.Role])
			settle(line.ID)
		}(line)
	}

	wg.Wait()
	return ctx.Err()
}

func (r *Resolver) resolveLine(ctx context.Context, scr *script.Script, line script.Line, voice string) {
	raw := r.cache.Get(line.ID)
	if raw == nil {
		var err error
		raw, err = r.synth.Synthesize(ctx, line.Text, voice)
		if err != nil {
			r.logger.Warn("synthesis failed, line will use fallback speech",
				slog.String("line_id", line.ID),
				slog.String("error", err.Error()))
			scr.SetStatus(line.ID, script.AudioFallbackOnly)
			return
		}
		if len(raw) == 0 {
			scr.SetStatus(line.ID, script.AudioFallbackOnly)
			return
		}
	}

	buf, err := audio.DecodeCtx(ctx, raw)
	if err != nil {
		r.logger.Warn("decode failed, line will use fallback speech",
			slog.String("line_id", line.ID),
			slog.String("error", err.Error()))
		scr.SetStatus(line.ID, script.AudioFallbackOnly)
		return
	}
	r.cache.PutDecoded(line.ID, buf)
	scr.SetStatus(line.ID, script.AudioReady)
}
