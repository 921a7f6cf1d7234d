package playback

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/script"
	"github.com/parley-labs/parley-core/internal/speak"
	"github.com/parley-labs/parley-core/internal/speechcache"
)

// EventSink is where the scheduler publishes turn and completion events.
// Satisfied by *bus.Client.
type EventSink interface {
	PublishJSON(subject string, payload any)
}

// Scheduler performs the loaded script in strict order: countdown, then one
// turn at a time, advancing only when the current turn's audio (or its
// substitute wait) has finished. A turn is voiced from its decoded buffer
// when one exists, through the local speech engine when not, and as a timed
// silent wait as the last resort.
type Scheduler struct {
	cfg      config.PlaybackConfig
	registry *audio.Registry
	cache    *speechcache.Cache
	engine   speak.Engine
	stage    *Stage
	sink     EventSink
	logger   *slog.Logger

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	completeOnce sync.Once
	onComplete   func()
}

func NewScheduler(cfg config.PlaybackConfig, registry *audio.Registry, cache *speechcache.Cache, engine speak.Engine, stage *Stage, sink EventSink, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		engine:   engine,
		stage:    stage,
		sink:     sink,
		logger:   log.With(slog.String("component", "playback")),
	}
}

// OnComplete registers the completion hook. The hook fires at most once per
// scheduler, whether the performance ran to the end or was stopped.
func (p *Scheduler) OnComplete(fn func()) {
	p.onComplete = fn
}

// Stop interrupts a running performance. Safe to call at any time.
func (p *Scheduler) Stop() {
	p.cancelMu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancelMu.Unlock()
}

func (p *Scheduler) finish() {
	p.completeOnce.Do(func() {
		if p.onComplete != nil {
			p.onComplete()
		}
	})
}

// Run performs the script and blocks until the final grace period elapses or
// ctx is cancelled. The completion hook fires exactly once either way.
func (p *Scheduler) Run(parent context.Context, sessionID string, scr *script.Script, speakers map[script.Role]script.Speaker) error {
	ctx, cancel := context.WithCancel(parent)
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()
	defer cancel()
	defer p.finish()

	if err := p.countdown(ctx); err != nil {
		return err
	}
	if !sleepCtx(ctx, time.Duration(p.cfg.PreRollPauseMS)*time.Millisecond) {
		return ctx.Err()
	}

	lines := scr.Lines()
	for idx, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.stage.SetTurn(idx, line)
		source := p.turnSource(line)
		p.sink.PublishJSON(protocol.SubjectTurnStarted, protocol.TurnEvent{
			SessionID: sessionID,
			Index:     idx,
			LineID:    line.ID,
			Role:      string(line.Role),
			Source:    source,
			Timestamp: time.Now().UTC(),
		})
		p.playTurn(ctx, line, speakers[line.Role], source)
		p.logger.Info("turn finished",
			slog.Int("index", idx),
			slog.String("role", string(line.Role)),
			slog.String("source", source))
	}

	sleepCtx(ctx, time.Duration(p.cfg.FinalGraceMS)*time.Millisecond)
	return ctx.Err()
}

// countdown shows the 3-2-1-GO beats at the configured cadence.
func (p *Scheduler) countdown(ctx context.Context) error {
	gap := time.Duration(p.cfg.CountdownGapMS) * time.Millisecond
	for beat := p.cfg.CountdownBeats; beat >= 1; beat-- {
		p.stage.SetCountdown(strconv.Itoa(beat))
		if !sleepCtx(ctx, gap) {
			return ctx.Err()
		}
	}
	if p.cfg.CountdownBeats > 0 {
		p.stage.SetCountdown("GO")
		if !sleepCtx(ctx, gap) {
			return ctx.Err()
		}
	}
	p.stage.SetCountdown("")
	return nil
}

// turnSource picks how a line will be voiced: its decoded buffer when one
// exists, the local speech engine for scripted roles without audio, a timed
// silent wait as the last resort.
func (p *Scheduler) turnSource(line script.Line) string {
	if p.cache.Decoded(line.ID) != nil {
		return "buffer"
	}
	if p.engine != nil && line.Role != script.RoleUser {
		return "fallback"
	}
	return "wait"
}

// playTurn voices one line and blocks until it is done. A source that fails
// mid-turn degrades to the next substitute so the turn always ends.
func (p *Scheduler) playTurn(ctx context.Context, line script.Line, speaker script.Speaker, source string) {
	if source == "buffer" {
		if buf := p.cache.Decoded(line.ID); buf != nil && p.playBuffer(ctx, line, buf, speaker.Rate) {
			return
		}
		source = "fallback"
	}

	if source == "fallback" && p.engine != nil && line.Role != script.RoleUser {
		rate := speaker.Rate
		if rate <= 0 {
			rate = 1.0
		}
		err := p.engine.Speak(ctx, line.Text, speaker.Voice, 1.0, rate)
		if err == nil {
			return
		}
		if ctx.Err() == nil {
			p.logger.Warn("fallback speech failed",
				slog.String("line_id", line.ID),
				slog.String("error", err.Error()))
		}
	}

	sleepCtx(ctx, p.turnWait(line.Text))
}

func (p *Scheduler) playBuffer(ctx context.Context, line script.Line, buf *audio.Buffer, rate float64) bool {
	if rate > 0 {
		adjusted, err := audio.ApplyRate(buf, rate)
		if err != nil {
			p.logger.Warn("rate adjust failed, playing at native rate",
				slog.String("line_id", line.ID),
				slog.String("error", err.Error()))
		} else {
			buf = adjusted
		}
	}

	src, err := p.registry.StartSource(buf)
	if err != nil {
		p.logger.Warn("could not start audio source",
			slog.String("line_id", line.ID),
			slog.String("error", err.Error()))
		return false
	}
	select {
	case <-src.Done():
		return true
	case <-ctx.Done():
		return true
	}
}

// turnWait is the silent substitute duration for a line with no audio,
// scaled by text length and clamped to the configured bounds.
func (p *Scheduler) turnWait(text string) time.Duration {
	chars := utf8.RuneCountInString(text)
	wait := time.Duration(chars*p.cfg.PerCharWaitMS) * time.Millisecond
	min := time.Duration(p.cfg.MinWaitMS) * time.Millisecond
	max := time.Duration(p.cfg.MaxWaitMS) * time.Millisecond
	if wait < min {
		return min
	}
	if wait > max {
		return max
	}
	return wait
}

// ProgressCaption renders the loading caption shown on stage.
func ProgressCaption(completed, total int) string {
	return fmt.Sprintf("Preparing voices %d/%d", completed, total)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
