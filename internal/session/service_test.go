package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/dialogue"
	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/script"
	"github.com/parley-labs/parley-core/internal/store"
	"github.com/parley-labs/parley-core/internal/tts"
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

type memorySink struct {
	mu        sync.Mutex
	subjects  []string
	onPublish func(subject string, payload any)
}

func (s *memorySink) PublishJSON(subject string, payload any) {
	s.mu.Lock()
	s.subjects = append(s.subjects, subject)
	hook := s.onPublish
	s.mu.Unlock()
	if hook != nil {
		hook(subject, payload)
	}
}

func (s *memorySink) count(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subjects {
		if sub == subject {
			n++
		}
	}
	return n
}

type scriptedGenerator struct {
	mu      sync.Mutex
	gate    chan struct{}
	failErr error
	calls   int
}

func (g *scriptedGenerator) Generate(ctx context.Context, req dialogue.Request) ([]script.Line, error) {
	g.mu.Lock()
	g.calls++
	gate := g.gate
	failErr := g.failErr
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return []script.Line{
		script.NewLine(script.RoleModerator, "Let us begin.", ""),
		script.NewLine(script.RoleCommentator, "About time.", "dry"),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Capture.Enabled = false
	cfg.Store.RetentionMode = "ephemeral"
	cfg.Audio.BufferSizeMS = 10
	cfg.Session.Topic = ""
	cfg.Playback = config.PlaybackConfig{
		CountdownBeats: 1,
		CountdownGapMS: 1,
		PreRollPauseMS: 1,
		FinalGraceMS:   1,
		MinWaitMS:      1,
		PerCharWaitMS:  1,
		MaxWaitMS:      5,
	}
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, gen dialogue.Generator) (*Service, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	st, err := store.Open(context.Background(), cfg.Store, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	deps := Deps{
		Sink:      sink,
		Store:     st,
		Generator: gen,
		Synth:     tts.NewMockSynth(cfg.Audio.SampleRate),
		Registry:  audio.NewRegistry(fakeDriver{}, discardLogger()),
	}
	svc := NewService(context.Background(), cfg, deps, discardLogger())
	t.Cleanup(svc.Close)
	return svc, sink
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBeginWritesOpeningSection(t *testing.T) {
	svc, sink := newTestService(t, testConfig(t), &scriptedGenerator{})

	if err := svc.Begin(context.Background(), "cats versus dogs"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if svc.Phase() != PhaseScripting {
		t.Fatalf("phase = %v, want scripting", svc.Phase())
	}
	if svc.Script().Len() != 2 {
		t.Fatalf("script length = %d, want 2", svc.Script().Len())
	}
	if sink.count(protocol.SubjectLineAppended) != 2 {
		t.Fatalf("line events = %d, want 2", sink.count(protocol.SubjectLineAppended))
	}
	if sink.count(protocol.SubjectPhase) == 0 {
		t.Fatal("no phase change event published")
	}
}

func TestBeginSurvivesGenerationFailure(t *testing.T) {
	gen := &scriptedGenerator{failErr: errors.New("model offline")}
	svc, _ := newTestService(t, testConfig(t), gen)

	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin should not fail on generation error: %v", err)
	}
	if svc.Phase() != PhaseScripting {
		t.Fatalf("phase = %v, want scripting", svc.Phase())
	}
	if !svc.GenerationFailed() {
		t.Fatal("retry flag not set")
	}

	gen.mu.Lock()
	gen.failErr = nil
	gen.mu.Unlock()
	if err := svc.RetryGeneration(context.Background()); err != nil {
		t.Fatalf("RetryGeneration: %v", err)
	}
	if svc.Script().Len() != 2 {
		t.Fatalf("script length after retry = %d", svc.Script().Len())
	}
}

func TestSubmitUserLineAppendsAndRespondsOnce(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	before := svc.Script().Len()

	if err := svc.SubmitUserLine(context.Background(), "  my hot take\t"); err != nil {
		t.Fatalf("SubmitUserLine: %v", err)
	}

	// The user line lands synchronously; the response section follows.
	lines := svc.Script().Lines()
	if lines[before].Role != script.RoleUser || lines[before].Text != "my hot take" {
		t.Fatalf("user line not appended sanitized: %+v", lines[before])
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Script().Len() == before+3 },
		"response section never arrived")
}

func TestSubmitRejectedWhileGenerationInFlight(t *testing.T) {
	gate := make(chan struct{})
	gen := &scriptedGenerator{}
	svc, _ := newTestService(t, testConfig(t), gen)
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	gen.mu.Lock()
	gen.gate = gate
	gen.mu.Unlock()

	if err := svc.SubmitUserLine(context.Background(), "first"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := svc.SubmitUserLine(context.Background(), "second"); !errors.Is(err, ErrSubmissionBusy) {
		t.Fatalf("second submit err = %v, want ErrSubmissionBusy", err)
	}
	close(gate)
}

func TestSubmitRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.RateLimitCount = 1
	svc, _ := newTestService(t, cfg, &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := svc.SubmitUserLine(context.Background(), "one"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// Wait until the submission slot frees so only the limiter can reject.
	waitFor(t, 2*time.Second, func() bool {
		err := svc.SubmitUserLine(context.Background(), "two")
		return errors.Is(err, ErrRateLimited)
	}, "second submit was never rate limited")
}

func TestSubmitEmptyLineRejected(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := svc.SubmitUserLine(context.Background(), " \t\n "); !errors.Is(err, ErrEmptyLine) {
		t.Fatalf("err = %v, want ErrEmptyLine", err)
	}
}

func TestEditingRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := svc.BeginEditing(); err != nil {
		t.Fatalf("BeginEditing: %v", err)
	}
	if err := svc.SubmitUserLine(context.Background(), "mid-edit"); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("submit during editing err = %v, want ErrBadPhase", err)
	}
	if err := svc.EndEditing(); err != nil {
		t.Fatalf("EndEditing: %v", err)
	}
	if svc.Phase() != PhaseScripting {
		t.Fatalf("phase = %v, want scripting", svc.Phase())
	}
}

func TestBeginEditingSnapshotsAudioStatus(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := svc.SubmitUserLine(context.Background(), "no clip for this one"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Script().Len() == 5 },
		"response section never arrived")
	// Prefetch runs in the background; wait until every scripted line has an
	// artifact so the snapshot below is deterministic.
	waitFor(t, 2*time.Second, func() bool {
		for _, l := range svc.Script().Lines() {
			if l.Role == script.RoleUser {
				continue
			}
			if svc.cache.Get(l.ID) == nil && svc.cache.Decoded(l.ID) == nil {
				return false
			}
		}
		return true
	}, "prefetch never cached the scripted lines")

	if err := svc.BeginEditing(); err != nil {
		t.Fatalf("BeginEditing: %v", err)
	}
	for _, l := range svc.Script().Lines() {
		st, ok := svc.Script().Status(l.ID)
		if !ok {
			t.Fatalf("%s line has no audio status after entering editing", l.Role)
		}
		want := script.AudioReady
		if l.Role == script.RoleUser {
			want = script.AudioNeedsGeneration
		}
		if st != want {
			t.Fatalf("%s line status = %v, want %v", l.Role, st, want)
		}
	}
}

func TestPerformFromEditing(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := svc.BeginEditing(); err != nil {
		t.Fatalf("BeginEditing: %v", err)
	}
	if err := svc.Perform(context.Background()); err != nil {
		t.Fatalf("Perform from editing: %v", err)
	}
	if svc.Phase() != PhaseComplete {
		t.Fatalf("phase = %v, want complete", svc.Phase())
	}
}

func TestRecordingFinalizedBeforeCompleteAnnounced(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Enabled = true
	cfg.Capture.OutputDir = t.TempDir()
	cfg.Capture.FFmpegPath = "definitely-not-ffmpeg"
	svc, sink := newTestService(t, cfg, &scriptedGenerator{})

	var sawComplete, finalized atomic.Bool
	sink.onPublish = func(subject string, payload any) {
		pc, ok := payload.(protocol.PhaseChange)
		if subject != protocol.SubjectPhase || !ok || pc.To != string(PhaseComplete) {
			return
		}
		sawComplete.Store(true)
		// The finalized artifact must already be on disk when the complete
		// phase becomes visible.
		wavs, _ := filepath.Glob(filepath.Join(cfg.Capture.OutputDir, "*", "audio.wav"))
		frames, _ := filepath.Glob(filepath.Join(cfg.Capture.OutputDir, "*", "frames", "*.png"))
		finalized.Store(len(wavs) > 0 || len(frames) > 0)
	}

	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := svc.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if !sawComplete.Load() {
		t.Fatal("no transition to complete observed")
	}
	if !finalized.Load() {
		t.Fatal("complete announced before the recording was finalized")
	}
	if kind := svc.Recording().Kind; kind != "wav" && kind != "frames" {
		t.Fatalf("recording kind = %q, want a degraded artifact", kind)
	}
}

func TestPerformRunsToCompletionAndArchives(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.RetentionMode = "session"
	cfg.Store.Path = filepath.Join(t.TempDir(), "sessions.db")
	svc, sink := newTestService(t, cfg, &scriptedGenerator{})

	if err := svc.Begin(context.Background(), "pineapple on pizza"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := svc.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}

	if svc.Phase() != PhaseComplete {
		t.Fatalf("phase = %v, want complete", svc.Phase())
	}
	if sink.count(protocol.SubjectTurnStarted) != 2 {
		t.Fatalf("turn events = %d, want 2", sink.count(protocol.SubjectTurnStarted))
	}
	if sink.count(protocol.SubjectSessionComplete) != 1 {
		t.Fatalf("completion events = %d, want 1", sink.count(protocol.SubjectSessionComplete))
	}

	st, err := store.Open(context.Background(), cfg.Store, discardLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	rec, err := st.GetSession(context.Background(), svc.SessionID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.ModeratorID == "" || rec.CommentatorID == "" {
		t.Fatalf("speaker identities missing from archive: %+v", rec)
	}
	transcript, err := st.Transcript(context.Background(), svc.SessionID())
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if !strings.Contains(transcript, "MODERATOR: Let us begin.") {
		t.Fatalf("transcript missing script line: %q", transcript)
	}
}

func TestPerformBeforeBeginRejected(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	if err := svc.Perform(context.Background()); !errors.Is(err, ErrBadPhase) {
		t.Fatalf("err = %v, want ErrBadPhase", err)
	}
}

func TestCaptureFailureStillCompletes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Enabled = true
	// Point the output dir below a regular file so the recorder cannot start.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := writeEmptyFile(blocker); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	cfg.Capture.OutputDir = filepath.Join(blocker, "nested")

	svc, sink := newTestService(t, cfg, &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := svc.Perform(context.Background()); err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if svc.Phase() != PhaseComplete {
		t.Fatalf("phase = %v, want complete", svc.Phase())
	}
	if got := svc.Recording(); got.Kind != "none" {
		t.Fatalf("recording = %+v, want none", got)
	}
	if sink.count(protocol.SubjectSessionComplete) != 1 {
		t.Fatal("session did not announce completion")
	}
}

func TestTeardownIsIdempotentAndForcesComplete(t *testing.T) {
	gate := make(chan struct{})
	gen := &scriptedGenerator{}
	svc, _ := newTestService(t, testConfig(t), gen)
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	gen.mu.Lock()
	gen.gate = gate
	gen.mu.Unlock()
	if err := svc.SubmitUserLine(context.Background(), "in flight"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	before := svc.Script().Len()

	svc.Teardown()
	svc.Teardown()
	close(gate)

	if svc.Phase() != PhaseComplete {
		t.Fatalf("phase = %v, want complete", svc.Phase())
	}
	// The cancelled generation must not land lines after teardown.
	time.Sleep(50 * time.Millisecond)
	if svc.Script().Len() != before {
		t.Fatalf("cancelled generation appended lines: %d -> %d", before, svc.Script().Len())
	}
}

func TestTeardownDuringPerformance(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Perform(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool {
		p := svc.Phase()
		return p == PhaseLoading || p == PhasePlaying
	}, "performance never started")

	svc.Teardown()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Perform after teardown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Perform did not return after teardown")
	}
	if svc.Phase() != PhaseComplete {
		t.Fatalf("phase = %v, want complete", svc.Phase())
	}
}

type memoryMic struct {
	clip []byte
	open bool
}

func (m *memoryMic) StartClip()       { m.open = true }
func (m *memoryMic) StopClip() []byte { m.open = false; return m.clip }

func TestUserClipLinksToSubmittedLine(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t), &scriptedGenerator{})
	svc.deps.Mic = &memoryMic{clip: []byte{0x01, 0x00, 0x02, 0x00}}
	if err := svc.Begin(context.Background(), "topic"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	before := svc.Script().Len()

	if err := svc.StartUserClip(); err != nil {
		t.Fatalf("StartUserClip: %v", err)
	}
	if err := svc.StopUserClip(); err != nil {
		t.Fatalf("StopUserClip: %v", err)
	}
	if err := svc.SubmitUserLine(context.Background(), "spoken words"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	line, ok := svc.Script().Line(before)
	if !ok || line.Role != script.RoleUser {
		t.Fatalf("user line missing: %+v", line)
	}
	if st, _ := svc.Script().Status(line.ID); st != script.AudioReady {
		t.Fatalf("clip-linked line status = %v, want ready", st)
	}
}

func writeEmptyFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}
