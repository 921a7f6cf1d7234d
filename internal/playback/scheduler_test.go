package playback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/script"
	"github.com/parley-labs/parley-core/internal/speechcache"
)

type fakePlayer struct {
	src     io.Reader
	playing atomic.Bool
}

func (p *fakePlayer) Play() {
	p.playing.Store(true)
	go func() {
		_, _ = io.Copy(io.Discard, p.src)
		p.playing.Store(false)
	}()
}

func (p *fakePlayer) IsPlaying() bool { return p.playing.Load() }
func (p *fakePlayer) Close() error {
	p.playing.Store(false)
	return nil
}

type fakeDriver struct{}

func (fakeDriver) Ready() error { return nil }
func (fakeDriver) NewPlayer(r io.Reader) audio.Player {
	return &fakePlayer{src: r}
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.TurnEvent
}

func (s *recordingSink) PublishJSON(subject string, payload any) {
	if subject != protocol.SubjectTurnStarted {
		return
	}
	raw, _ := json.Marshal(payload)
	var ev protocol.TurnEvent
	_ = json.Unmarshal(raw, &ev)
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) turns() []protocol.TurnEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.TurnEvent, len(s.events))
	copy(out, s.events)
	return out
}

type recordingEngine struct {
	mu    sync.Mutex
	texts []string
}

func (e *recordingEngine) Speak(ctx context.Context, text, voice string, pitch, rate float64) error {
	e.mu.Lock()
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() config.PlaybackConfig {
	return config.PlaybackConfig{
		CountdownBeats: 3,
		CountdownGapMS: 1,
		PreRollPauseMS: 1,
		FinalGraceMS:   1,
		MinWaitMS:      1,
		PerCharWaitMS:  1,
		MaxWaitMS:      5,
	}
}

func testSpeakers() map[script.Role]script.Speaker {
	return map[script.Role]script.Speaker{
		script.RoleModerator:   {Role: script.RoleModerator, Voice: "alloy", Rate: 1.0},
		script.RoleCommentator: {Role: script.RoleCommentator, Voice: "verse", Rate: 1.0},
		script.RoleUser:        {Role: script.RoleUser, Rate: 1.0},
	}
}

func shortBuffer() *audio.Buffer {
	data := make([]float32, 240)
	for i := range data {
		data[i] = 0.1
	}
	return &audio.Buffer{Data: data, SampleRate: audio.SampleRate}
}

type noSynth struct{}

func (noSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T, engine *recordingEngine) (*Scheduler, *speechcache.Cache, *recordingSink, *Stage) {
	t.Helper()
	reg := audio.NewRegistry(fakeDriver{}, discardLogger())
	if err := reg.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cache := speechcache.New(context.Background(), noSynth{}, discardLogger())
	t.Cleanup(cache.Clear)
	sink := &recordingSink{}
	stage := NewStage()
	var sched *Scheduler
	if engine != nil {
		sched = NewScheduler(fastConfig(), reg, cache, engine, stage, sink, discardLogger())
	} else {
		sched = NewScheduler(fastConfig(), reg, cache, nil, stage, sink, discardLogger())
	}
	return sched, cache, sink, stage
}

func TestRunPlaysTurnsInScriptOrder(t *testing.T) {
	sched, cache, sink, _ := newTestScheduler(t, nil)

	scr := script.New()
	for i := 0; i < 3; i++ {
		line := script.NewLine(script.RoleModerator, "ordered line", "")
		scr.Append(line)
		cache.PutDecoded(line.ID, shortBuffer())
	}

	if err := sched.Run(context.Background(), "s1", scr, testSpeakers()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := sink.turns()
	if len(events) != 3 {
		t.Fatalf("expected 3 turn events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Index != i {
			t.Fatalf("turn %d published out of order: %+v", i, ev)
		}
		if ev.Source != "buffer" {
			t.Fatalf("turn %d source = %q, want buffer", i, ev.Source)
		}
	}
}

func TestThreeRoleScenarioPlaysInOrder(t *testing.T) {
	sched, cache, sink, _ := newTestScheduler(t, nil)

	// Moderator and commentator have synthesized buffers; the user line
	// carries their own recorded clip, also decoded.
	scr := script.New()
	for _, role := range []script.Role{script.RoleModerator, script.RoleUser, script.RoleCommentator} {
		line := script.NewLine(role, "turn for "+string(role), "")
		scr.Append(line)
		cache.PutDecoded(line.ID, shortBuffer())
	}

	var completions atomic.Int64
	sched.OnComplete(func() { completions.Add(1) })
	if err := sched.Run(context.Background(), "s1", scr, testSpeakers()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := sink.turns()
	if len(events) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(events))
	}
	wantRoles := []string{"moderator", "user", "commentator"}
	for i, ev := range events {
		if ev.Index != i || ev.Role != wantRoles[i] || ev.Source != "buffer" {
			t.Fatalf("turn %d = %+v, want role %s from buffer", i, ev, wantRoles[i])
		}
	}
	if got := completions.Load(); got != 1 {
		t.Fatalf("completion fired %d times", got)
	}
}

// deadDriver stands in for missing audio hardware. Asking it for a player is
// the defect the registry must prevent.
type deadDriver struct{}

func (deadDriver) Ready() error { return errors.New("no output device") }
func (deadDriver) NewPlayer(r io.Reader) audio.Player {
	panic("player requested from a dead output device")
}

func TestRunDegradesWhenOutputNeverAcquired(t *testing.T) {
	reg := audio.NewRegistry(deadDriver{}, discardLogger())
	if err := reg.Acquire(); err == nil {
		t.Fatal("Acquire should fail on a dead device")
	}
	cache := speechcache.New(context.Background(), noSynth{}, discardLogger())
	t.Cleanup(cache.Clear)
	engine := &recordingEngine{}
	sink := &recordingSink{}
	sched := NewScheduler(fastConfig(), reg, cache, engine, NewStage(), sink, discardLogger())

	scr := script.New()
	line := script.NewLine(script.RoleModerator, "still spoken", "")
	scr.Append(line)
	cache.PutDecoded(line.ID, shortBuffer())

	if err := sched.Run(context.Background(), "s1", scr, testSpeakers()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(engine.texts) != 1 || engine.texts[0] != "still spoken" {
		t.Fatalf("turn was not voiced through the engine: %v", engine.texts)
	}
}

func TestRunUsesFallbackSpeechWhenBufferMissing(t *testing.T) {
	engine := &recordingEngine{}
	sched, _, sink, _ := newTestScheduler(t, engine)

	scr := script.New()
	scr.Append(script.NewLine(script.RoleCommentator, "no audio for this one", ""))

	if err := sched.Run(context.Background(), "s1", scr, testSpeakers()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := sink.turns()
	if len(events) != 1 || events[0].Source != "fallback" {
		t.Fatalf("expected one fallback turn, got %+v", events)
	}
	if len(engine.texts) != 1 || engine.texts[0] != "no audio for this one" {
		t.Fatalf("engine calls = %v", engine.texts)
	}
}

func TestRunWaitsWhenNothingCanVoiceTheLine(t *testing.T) {
	sched, _, sink, _ := newTestScheduler(t, nil)

	scr := script.New()
	scr.Append(script.NewLine(script.RoleUser, "the user speaks live", ""))

	if err := sched.Run(context.Background(), "s1", scr, testSpeakers()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := sink.turns()
	if len(events) != 1 || events[0].Source != "wait" {
		t.Fatalf("expected one wait turn, got %+v", events)
	}
}

func TestTurnWaitClampsToBounds(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, nil)
	if got := sched.turnWait(""); got != time.Millisecond {
		t.Fatalf("empty text wait = %v, want min", got)
	}
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	if got := sched.turnWait(string(long)); got != 5*time.Millisecond {
		t.Fatalf("long text wait = %v, want max", got)
	}
	if got := sched.turnWait("abc"); got != 3*time.Millisecond {
		t.Fatalf("mid text wait = %v", got)
	}
}

func TestCompletionFiresExactlyOnceOnStop(t *testing.T) {
	sched, cache, _, _ := newTestScheduler(t, nil)

	scr := script.New()
	for i := 0; i < 50; i++ {
		line := script.NewLine(script.RoleModerator, "long running script", "")
		scr.Append(line)
		cache.PutDecoded(line.ID, shortBuffer())
	}

	var completions atomic.Int64
	sched.OnComplete(func() { completions.Add(1) })

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background(), "s1", scr, testSpeakers()) }()

	time.Sleep(20 * time.Millisecond)
	sched.Stop()
	sched.Stop()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context cancellation error after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if got := completions.Load(); got != 1 {
		t.Fatalf("completion hook fired %d times", got)
	}
}

func TestStageShowsActiveTurn(t *testing.T) {
	sched, cache, _, stage := newTestScheduler(t, nil)

	scr := script.New()
	line := script.NewLine(script.RoleCommentator, "watch the stage", "")
	scr.Append(line)
	cache.PutDecoded(line.ID, shortBuffer())

	if err := sched.Run(context.Background(), "s1", scr, testSpeakers()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := stage.Snapshot()
	if snap.TurnIndex != 0 || snap.Speaker != script.RoleCommentator || snap.LineText != "watch the stage" {
		t.Fatalf("stage snapshot = %+v", snap)
	}
}
