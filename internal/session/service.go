package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/capture"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/dialogue"
	"github.com/parley-labs/parley-core/internal/playback"
	"github.com/parley-labs/parley-core/internal/protocol"
	"github.com/parley-labs/parley-core/internal/script"
	"github.com/parley-labs/parley-core/internal/speak"
	"github.com/parley-labs/parley-core/internal/speechcache"
	"github.com/parley-labs/parley-core/internal/store"
	"github.com/parley-labs/parley-core/internal/stt"
	"github.com/parley-labs/parley-core/internal/synthbatch"
	"github.com/parley-labs/parley-core/internal/tts"
)

// Phase is the session state machine position. Legal transitions are
// setup -> scripting, scripting -> scripting (each exchange), scripting <->
// editing, scripting -> loading -> playing -> complete. Teardown forces
// complete from anywhere.
type Phase string

const (
	PhaseSetup     Phase = "setup"
	PhaseScripting Phase = "scripting"
	PhaseEditing   Phase = "editing"
	PhaseLoading   Phase = "loading"
	PhasePlaying   Phase = "playing"
	PhaseComplete  Phase = "complete"
)

var (
	ErrBadPhase       = errors.New("operation not valid in current phase")
	ErrEmptyLine      = errors.New("line is empty after sanitization")
	ErrRateLimited    = errors.New("too many submissions, slow down")
	ErrSubmissionBusy = errors.New("a submission is already being written in")
	ErrNoMicrophone   = errors.New("no microphone available")
	ErrNoRecognizer   = errors.New("no speech recognizer configured")
	ErrNoClip         = errors.New("no recorded clip to submit")
)

// EventSink publishes session events. Satisfied by *bus.Client.
type EventSink interface {
	PublishJSON(subject string, payload any)
}

// ClipSource records discrete microphone clips. Satisfied by *capture.Mic.
type ClipSource interface {
	StartClip()
	StopClip() []byte
}

// Deps are the collaborators a session service drives. Recognizer, Engine
// and Mic are optional; the service degrades without them.
type Deps struct {
	Sink       EventSink
	Store      *store.Store
	Generator  dialogue.Generator
	Synth      tts.Synthesizer
	Recognizer stt.Recognizer
	Engine     speak.Engine
	Registry   *audio.Registry
	Mic        ClipSource
}

type lastPrompt struct {
	phase    string
	userText string
}

// Service runs one debate session at a time through the full lifecycle:
// script it, load its voices, perform it, record it, archive it.
type Service struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stage   *playback.Stage
	limiter *RateLimiter

	mu             sync.Mutex
	phase          Phase
	sessionID      string
	topic          string
	scr            *script.Script
	speakers       map[script.Role]script.Speaker
	cache          *speechcache.Cache
	sched          *playback.Scheduler
	recorder       *capture.Recorder
	recording      capture.Result
	inflightCancel context.CancelFunc
	performCancel  context.CancelFunc
	genFailed      bool
	lastGen        lastPrompt
	pendingClip    []byte
	finishing      bool
	torn           bool
}

func NewService(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(slog.String("component", "session")),
		ctx:     ctx,
		cancel:  cancel,
		stage:   playback.NewStage(),
		limiter: NewRateLimiter(cfg.Session.RateLimitCount, time.Duration(cfg.Session.RateLimitWindow)*time.Second),
		phase:   PhaseSetup,
	}
}

// Start brings the service up. When a topic is configured a session begins
// immediately.
func (s *Service) Start() error {
	if s.deps.Generator == nil || s.deps.Synth == nil || s.deps.Registry == nil || s.deps.Sink == nil {
		return errors.New("session service is missing required collaborators")
	}
	if s.cfg.Session.Topic != "" {
		return s.Begin(s.ctx, s.cfg.Session.Topic)
	}
	return nil
}

// Healthy reports whether the service can run or accept a session.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.torn || s.phase == PhaseComplete
}

// Close tears the current session down and stops the service.
func (s *Service) Close() {
	s.Teardown()
	s.cancel()
	s.wg.Wait()
}

// Stage exposes the live visual state for the capture draw loop and any
// other frame-rate consumer.
func (s *Service) Stage() *playback.Stage {
	return s.stage
}

// Phase returns the current state machine position.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SessionID returns the active session identity, empty before Begin.
func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Script returns the active script, nil before Begin.
func (s *Service) Script() *script.Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scr
}

// GenerationFailed reports whether the last generation attempt failed and
// is waiting for a retry.
func (s *Service) GenerationFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genFailed
}

// Recording returns what the recorder produced, valid once complete.
func (s *Service) Recording() capture.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Begin opens a fresh session on the topic and writes the opening section.
// A generation failure leaves the session in scripting with the retry flag
// set; Begin itself only fails on phase misuse.
func (s *Service) Begin(ctx context.Context, topic string) error {
	s.mu.Lock()
	if s.phase != PhaseSetup && s.phase != PhaseComplete {
		s.mu.Unlock()
		return ErrBadPhase
	}
	s.sessionID = uuid.NewString()
	s.topic = topic
	s.scr = script.New()
	s.speakers = buildSpeakers(s.cfg.Session)
	s.cache = speechcache.New(s.ctx, s.deps.Synth, s.logger)
	s.recording = capture.Result{Kind: "none"}
	s.genFailed = false
	s.finishing = false
	s.torn = false
	s.pendingClip = nil
	s.transitionLocked(PhaseScripting)
	s.mu.Unlock()
	s.stage.SetPhase(string(PhaseScripting))

	s.logger.Info("session opened",
		slog.String("session_id", s.SessionID()),
		slog.String("topic", topic))

	lines, err := s.generate(ctx, "opening", "")
	if err != nil {
		s.recordGenFailure("opening", "", err)
		return nil
	}
	s.appendLines(lines)
	return nil
}

func buildSpeakers(cfg config.SessionConfig) map[script.Role]script.Speaker {
	return map[script.Role]script.Speaker{
		script.RoleModerator: {
			ID:      uuid.NewString(),
			Role:    script.RoleModerator,
			Name:    "Moderator",
			Voice:   cfg.ModeratorVoice,
			Persona: "keeps order, frames the question, hands out turns",
			Rate:    cfg.ModeratorRate,
		},
		script.RoleCommentator: {
			ID:      uuid.NewString(),
			Role:    script.RoleCommentator,
			Name:    "Commentator",
			Voice:   cfg.CommentatorVoice,
			Persona: "sharp, opinionated, reacts to every exchange",
			Rate:    cfg.CommentatorRate,
		},
		script.RoleUser: {
			ID:   uuid.NewString(),
			Role: script.RoleUser,
			Name: "You",
			Rate: 1.0,
		},
	}
}

func (s *Service) voices() map[script.Role]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[script.Role]string, len(s.speakers))
	for role, sp := range s.speakers {
		out[role] = sp.Voice
	}
	return out
}

func (s *Service) speakerList() []script.Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]script.Speaker, 0, len(s.speakers))
	for _, sp := range s.speakers {
		out = append(out, sp)
	}
	return out
}

// generate asks the dialogue generator for the next section and returns the
// sanitized, length-clamped lines. It never mutates the script.
func (s *Service) generate(ctx context.Context, phaseLabel, userText string) ([]script.Line, error) {
	budget := time.Duration(s.cfg.Dialogue.RequestBudget) * time.Second
	if budget <= 0 {
		budget = time.Minute
	}
	gctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	s.mu.Lock()
	history := []string(nil)
	topic := s.topic
	if s.scr != nil {
		history = s.scr.History()
	}
	s.mu.Unlock()

	lines, err := s.deps.Generator.Generate(gctx, dialogue.Request{
		Phase:    phaseLabel,
		Topic:    topic,
		History:  history,
		Speakers: s.speakerList(),
		UserText: userText,
		Turns:    s.cfg.Dialogue.SectionTurns,
	})
	if err != nil {
		return nil, err
	}
	out := lines[:0]
	for _, line := range lines {
		line.Text = dialogue.ClampLength(dialogue.Sanitize(line.Text), s.cfg.Session.MaxLineLength)
		if line.Text == "" {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, errors.New("generation produced no usable lines")
	}
	return out, nil
}

func (s *Service) recordGenFailure(phaseLabel, userText string, err error) {
	s.mu.Lock()
	s.genFailed = true
	s.lastGen = lastPrompt{phase: phaseLabel, userText: userText}
	s.mu.Unlock()
	s.logger.Warn("section generation failed",
		slog.String("section", phaseLabel),
		slog.String("error", err.Error()))
}

// appendLines commits generated lines to the script, announces them and
// kicks off speech prefetch.
func (s *Service) appendLines(lines []script.Line) {
	s.mu.Lock()
	scr := s.scr
	cache := s.cache
	sessionID := s.sessionID
	s.mu.Unlock()
	if scr == nil {
		return
	}

	scr.Append(lines...)
	for _, line := range lines {
		s.deps.Sink.PublishJSON(protocol.SubjectLineAppended, protocol.LineEvent{
			SessionID: sessionID,
			LineID:    line.ID,
			Role:      string(line.Role),
			Text:      line.Text,
			Emotion:   line.Emotion,
			Timestamp: time.Now().UTC(),
		})
	}
	cache.Prefetch(lines, s.voices())
}

// SubmitUserLine takes one user interjection during scripting: the line is
// appended immediately and a response section is generated in the
// background. Only one submission may be in flight; further ones are
// rejected rather than queued.
func (s *Service) SubmitUserLine(ctx context.Context, text string) error {
	text = dialogue.Sanitize(text)
	if text == "" {
		return ErrEmptyLine
	}
	text = dialogue.ClampLength(text, s.cfg.Session.MaxLineLength)

	s.mu.Lock()
	if s.phase != PhaseScripting {
		s.mu.Unlock()
		return ErrBadPhase
	}
	if s.inflightCancel != nil {
		s.mu.Unlock()
		return ErrSubmissionBusy
	}
	if !s.limiter.Allow() {
		s.mu.Unlock()
		return ErrRateLimited
	}
	clip := s.pendingClip
	s.pendingClip = nil
	ictx, cancel := context.WithCancel(s.ctx)
	s.inflightCancel = cancel
	s.mu.Unlock()

	line := script.NewLine(script.RoleUser, text, "")
	s.appendLines([]script.Line{line})
	s.linkClip(line.ID, clip)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			s.inflightCancel = nil
			s.mu.Unlock()
		}()

		if ictx.Err() != nil {
			return
		}
		lines, err := s.generate(ictx, "response", text)
		if ictx.Err() != nil {
			// Torn down mid-generation; the result is dropped.
			return
		}
		if err != nil {
			s.recordGenFailure("response", text, err)
			return
		}
		s.appendLines(lines)
	}()
	return nil
}

// linkClip attaches a recorded user clip to a line as its decoded audio.
func (s *Service) linkClip(lineID string, clip []byte) {
	if len(clip) < 2 {
		return
	}
	buf, err := audio.Decode(clip)
	if err != nil {
		s.logger.Warn("user clip decode failed", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	cache := s.cache
	scr := s.scr
	s.mu.Unlock()
	if cache == nil {
		return
	}
	cache.PutDecoded(lineID, buf)
	if scr != nil {
		scr.SetStatus(lineID, script.AudioReady)
	}
}

// RetryGeneration re-runs the last failed section request.
func (s *Service) RetryGeneration(ctx context.Context) error {
	s.mu.Lock()
	if !s.genFailed || (s.phase != PhaseScripting && s.phase != PhaseEditing) {
		s.mu.Unlock()
		return ErrBadPhase
	}
	last := s.lastGen
	s.genFailed = false
	s.mu.Unlock()

	lines, err := s.generate(ctx, last.phase, last.userText)
	if err != nil {
		s.recordGenFailure(last.phase, last.userText, err)
		return fmt.Errorf("retry generation: %w", err)
	}
	s.appendLines(lines)
	return nil
}

// BeginEditing pauses scripting so the script can be reviewed. On entry the
// audio status of every line is snapshotted into the script annotations,
// which is what the editing controls use to offer regeneration.
func (s *Service) BeginEditing() error {
	s.mu.Lock()
	if s.phase != PhaseScripting {
		s.mu.Unlock()
		return ErrBadPhase
	}
	scr := s.scr
	cache := s.cache
	s.transitionLocked(PhaseEditing)
	s.mu.Unlock()

	if scr != nil && cache != nil {
		snapshotAudioStatus(scr, cache)
	}
	return nil
}

// snapshotAudioStatus annotates each line with how it would be voiced right
// now: ready when an artifact exists, needs-generation when nothing does and
// nothing is on the way. Lines mid-prefetch and lines already marked
// fallback-only keep their annotation.
func snapshotAudioStatus(scr *script.Script, cache *speechcache.Cache) {
	for _, line := range scr.Lines() {
		switch {
		case cache.Decoded(line.ID) != nil || cache.Get(line.ID) != nil:
			scr.SetStatus(line.ID, script.AudioReady)
		case cache.InFlight(line.ID):
		default:
			if st, ok := scr.Status(line.ID); ok && st == script.AudioFallbackOnly {
				continue
			}
			scr.SetStatus(line.ID, script.AudioNeedsGeneration)
		}
	}
}

// EndEditing resumes scripting.
func (s *Service) EndEditing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEditing {
		return ErrBadPhase
	}
	s.transitionLocked(PhaseScripting)
	return nil
}

// StartUserClip arms the microphone for a user turn. A second call before
// StopClip restarts the clip; the newest recording wins.
func (s *Service) StartUserClip() error {
	if s.deps.Mic == nil {
		return ErrNoMicrophone
	}
	if s.Phase() != PhaseScripting {
		return ErrBadPhase
	}
	s.deps.Mic.StartClip()
	return nil
}

// StopUserClip ends the clip and holds it for the next submission. A new
// clip replaces an unconsumed one.
func (s *Service) StopUserClip() error {
	if s.deps.Mic == nil {
		return ErrNoMicrophone
	}
	clip := s.deps.Mic.StopClip()
	s.mu.Lock()
	s.pendingClip = clip
	s.mu.Unlock()
	return nil
}

// SubmitUserSpeech transcribes the pending clip and submits the text as the
// user's line. The clip stays attached so the performance plays the user's
// own voice.
func (s *Service) SubmitUserSpeech(ctx context.Context) error {
	if s.deps.Recognizer == nil {
		return ErrNoRecognizer
	}
	s.mu.Lock()
	clip := s.pendingClip
	s.mu.Unlock()
	if len(clip) < 2 {
		return ErrNoClip
	}

	result, err := s.deps.Recognizer.Transcribe(ctx, clip, s.cfg.STT.SampleRate, s.cfg.STT.Channels)
	if err != nil {
		return fmt.Errorf("transcribe clip: %w", err)
	}
	return s.SubmitUserLine(ctx, result.Text)
}

// Perform locks the script, loads every voice and plays the performance.
// Reachable from scripting and directly from editing. Blocks until the
// performance ends or the session is torn down. The session always reaches
// complete, with or without a recording.
func (s *Service) Perform(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseScripting && s.phase != PhaseEditing {
		s.mu.Unlock()
		return ErrBadPhase
	}
	if inflight := s.inflightCancel; inflight != nil {
		// Late submissions lose to the performance.
		inflight()
		s.inflightCancel = nil
	}
	scr := s.scr
	cache := s.cache
	sessionID := s.sessionID
	speakers := s.speakers
	pctx, pcancel := context.WithCancel(ctx)
	defer pcancel()
	s.performCancel = pcancel
	s.transitionLocked(PhaseLoading)
	s.mu.Unlock()
	s.stage.SetPhase(string(PhaseLoading))

	if err := s.deps.Registry.Acquire(); err != nil {
		s.logger.Warn("audio output unavailable, turns will use substitutes",
			slog.String("error", err.Error()))
	}

	if s.cfg.Capture.Enabled {
		rec := capture.NewRecorder(s.cfg.Capture, s.stage, s.logger)
		if err := rec.Start(s.ctx, sessionID); err != nil {
			s.logger.Warn("capture unavailable, session will not be recorded",
				slog.String("error", err.Error()))
		} else {
			s.deps.Registry.SetTap(rec.AppendAudio)
			s.mu.Lock()
			s.recorder = rec
			s.mu.Unlock()
		}
	}

	resolver := synthbatch.New(s.deps.Synth, cache, s.cfg.Audio.FanOut, s.logger)
	err := resolver.Resolve(pctx, scr, s.voices(), func(completed, total int, lineID string) {
		s.stage.SetProgress(playback.ProgressCaption(completed, total))
		s.deps.Sink.PublishJSON(protocol.SubjectLoadingProgress, protocol.LoadingProgress{
			SessionID: sessionID,
			Completed: completed,
			Total:     total,
			LineID:    lineID,
		})
	})
	if err != nil {
		s.complete()
		return err
	}
	s.stage.SetProgress("")

	s.mu.Lock()
	s.transitionLocked(PhasePlaying)
	sched := playback.NewScheduler(s.cfg.Playback, s.deps.Registry, cache, s.deps.Engine, s.stage, s.deps.Sink, s.logger)
	s.sched = sched
	s.mu.Unlock()
	s.stage.SetPhase(string(PhasePlaying))

	runErr := sched.Run(pctx, sessionID, scr, speakers)
	s.complete()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// complete finishes the session: stop capture first, then release audio,
// flip the phase, archive the transcript and announce. The recording is
// final before the complete phase is ever visible, so state readers never
// see complete with a mux still running. Safe to reach from both a finished
// performance and a teardown; only the first arrival does the work.
func (s *Service) complete() {
	s.mu.Lock()
	if s.finishing || s.phase == PhaseComplete {
		s.mu.Unlock()
		return
	}
	s.finishing = true
	rec := s.recorder
	s.recorder = nil
	scr := s.scr
	sessionID := s.sessionID
	topic := s.topic
	speakers := s.speakers
	s.mu.Unlock()

	s.deps.Registry.SetTap(nil)
	s.deps.Registry.Teardown()

	result := capture.Result{Kind: "none"}
	if rec != nil {
		result = rec.Stop(s.cfg.Audio.SampleRate, s.cfg.Audio.Channels)
	}

	s.mu.Lock()
	s.recording = result
	s.transitionLocked(PhaseComplete)
	s.mu.Unlock()
	s.stage.SetPhase(string(PhaseComplete))

	var lineCount int
	if scr != nil {
		lineCount = scr.Len()
	}
	if s.deps.Store != nil && scr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.deps.Store.SaveSession(ctx, store.SessionRecord{
			SessionID:     sessionID,
			Topic:         topic,
			ModeratorID:   speakers[script.RoleModerator].ID,
			CommentatorID: speakers[script.RoleCommentator].ID,
			Outcome:       "complete",
			RecordingPath: result.Path,
		}, scr.Lines())
		if err != nil {
			s.logger.Warn("session archive failed", slog.String("error", err.Error()))
		}
	}

	s.deps.Sink.PublishJSON(protocol.SubjectSessionComplete, protocol.SessionComplete{
		SessionID:     sessionID,
		Lines:         lineCount,
		RecordingPath: result.Path,
		Timestamp:     time.Now().UTC(),
	})
	s.logger.Info("session complete",
		slog.String("session_id", sessionID),
		slog.Int("lines", lineCount),
		slog.String("recording", result.Kind))
}

// Teardown aborts whatever the session is doing and forces it to complete.
// Idempotent and error-free by contract; it must be safe to call from any
// phase, concurrently with a running performance.
func (s *Service) Teardown() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	inflight := s.inflightCancel
	s.inflightCancel = nil
	perform := s.performCancel
	sched := s.sched
	cache := s.cache
	started := s.sessionID != ""
	s.mu.Unlock()

	if inflight != nil {
		inflight()
	}
	if perform != nil {
		perform()
	}
	if sched != nil {
		sched.Stop()
	}
	if started {
		s.complete()
	}
	if cache != nil {
		cache.Clear()
	}
}

func (s *Service) transitionLocked(to Phase) {
	from := s.phase
	s.phase = to
	if s.deps.Sink != nil {
		s.deps.Sink.PublishJSON(protocol.SubjectPhase, protocol.PhaseChange{
			SessionID: s.sessionID,
			From:      string(from),
			To:        string(to),
			Timestamp: time.Now().UTC(),
		})
	}
}
