package speechcache

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/script"
)

type countingSynth struct {
	calls atomic.Int64
	gate  chan struct{}
	pcm   []byte
	err   error
}

func (s *countingSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.pcm, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVoices() map[script.Role]string {
	return map[script.Role]string{
		script.RoleModerator:   "alloy",
		script.RoleCommentator: "verse",
	}
}

func TestPrefetchDeduplicates(t *testing.T) {
	gate := make(chan struct{})
	synth := &countingSynth{pcm: []byte{0x01, 0x00, 0x02, 0x00}, gate: gate}
	cache := New(context.Background(), synth, discardLogger())
	defer cache.Clear()

	// The first task blocks inside the synthesizer, so every repeat below
	// races against a genuinely in-flight line.
	line := script.NewLine(script.RoleModerator, "welcome", "")
	for i := 0; i < 8; i++ {
		cache.Prefetch([]script.Line{line}, testVoices())
	}
	close(gate)
	cache.Wait()

	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one synthesis call, got %d", got)
	}
	if cache.Get(line.ID) == nil {
		t.Fatal("expected raw bytes cached after prefetch")
	}

	// Already cached, so another prefetch must be a no-op.
	cache.Prefetch([]script.Line{line}, testVoices())
	cache.Wait()
	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("cached line re-synthesized, calls = %d", got)
	}
}

func TestPrefetchSkipsUserLines(t *testing.T) {
	synth := &countingSynth{pcm: []byte{0x01, 0x00}}
	cache := New(context.Background(), synth, discardLogger())
	defer cache.Clear()

	cache.Prefetch([]script.Line{script.NewLine(script.RoleUser, "my take", "")}, testVoices())
	cache.Wait()
	if got := synth.calls.Load(); got != 0 {
		t.Fatalf("user line should not be synthesized, calls = %d", got)
	}
}

func TestArtifactStateIsMonotonic(t *testing.T) {
	cache := New(context.Background(), &countingSynth{}, discardLogger())
	defer cache.Clear()

	cache.Put("ln", []byte{0x01, 0x00})
	buf := &audio.Buffer{Data: []float32{0.5}, SampleRate: audio.SampleRate}
	cache.PutDecoded("ln", buf)

	if cache.Get("ln") != nil {
		t.Fatal("raw bytes should be dropped once decoded")
	}
	if cache.Decoded("ln") != buf {
		t.Fatal("decoded buffer missing")
	}

	// A late raw write must not regress a decoded line.
	cache.Put("ln", []byte{0x09, 0x00})
	if cache.Get("ln") != nil {
		t.Fatal("late raw write regressed decoded state")
	}
	if cache.Decoded("ln") != buf {
		t.Fatal("decoded buffer replaced")
	}
}

func TestClearDropsEverything(t *testing.T) {
	synth := &countingSynth{pcm: []byte{0x01, 0x00}}
	cache := New(context.Background(), synth, discardLogger())

	line := script.NewLine(script.RoleCommentator, "hot take", "")
	cache.Prefetch([]script.Line{line}, testVoices())
	cache.Wait()
	cache.Clear()
	cache.Clear()

	if cache.Get(line.ID) != nil || cache.Decoded(line.ID) != nil {
		t.Fatal("artifacts survived Clear")
	}
}

func TestFailedPrefetchLeavesNoArtifact(t *testing.T) {
	synth := &countingSynth{err: context.DeadlineExceeded}
	cache := New(context.Background(), synth, discardLogger())
	defer cache.Clear()

	line := script.NewLine(script.RoleModerator, "flaky", "")
	cache.Prefetch([]script.Line{line}, testVoices())
	cache.Wait()

	if cache.Get(line.ID) != nil {
		t.Fatal("failed synthesis left raw bytes behind")
	}
	if cache.InFlight(line.ID) {
		t.Fatal("inflight marker leaked")
	}

	// Line is retriable after the failure.
	synth.err = nil
	synth.pcm = []byte{0x01, 0x00}
	cache.Prefetch([]script.Line{line}, testVoices())
	cache.Wait()
	if cache.Get(line.ID) == nil {
		t.Fatal("retry after failure did not cache")
	}
}
