package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/playback"
	"github.com/parley-labs/parley-core/internal/script"
)

// Result describes what the recorder managed to produce. Kind is "mp4" when
// the full mux succeeded, "wav" when only audio survived, "frames" when only
// raw frames did, and "none" when nothing was captured.
type Result struct {
	Path string
	Kind string
}

// Recorder captures the performance: a draw loop renders the live stage
// state into frames while the registry tap mirrors the played audio mix.
// Stop finalizes at most once and degrades instead of failing; a session
// always completes even when its recording cannot be produced.
type Recorder struct {
	cfg    config.CaptureConfig
	stage  *playback.Stage
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dir        string
	framesDir  string
	frameCount int

	audioMu  sync.Mutex
	audioPCM []byte

	stopOnce sync.Once
	result   Result
}

func NewRecorder(cfg config.CaptureConfig, stage *playback.Stage, log *slog.Logger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		stage:  stage,
		logger: log.With(slog.String("component", "capture")),
		result: Result{Kind: "none"},
	}
}

// Start creates the session work directory and begins the draw loop.
func (r *Recorder) Start(parent context.Context, sessionID string) error {
	r.dir = filepath.Join(r.cfg.OutputDir, fmt.Sprintf("%s-%d", sessionID, time.Now().Unix()))
	r.framesDir = filepath.Join(r.dir, "frames")
	if err := os.MkdirAll(r.framesDir, 0o755); err != nil {
		return fmt.Errorf("create capture directory: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(parent)
	r.wg.Add(1)
	go r.drawLoop()
	r.logger.Info("capture started",
		slog.String("dir", r.dir),
		slog.Int("fps", r.cfg.FPS))
	return nil
}

// AppendAudio mirrors played PCM16 bytes into the recording. Installed as
// the audio registry tap.
func (r *Recorder) AppendAudio(pcm []byte) {
	r.audioMu.Lock()
	r.audioPCM = append(r.audioPCM, pcm...)
	r.audioMu.Unlock()
}

// drawLoop renders one frame per tick. The stage is re-read on every frame;
// the snapshot is never cached across ticks, so the frame always reflects
// what is on stage right now.
func (r *Recorder) drawLoop() {
	defer r.wg.Done()
	interval := time.Second / time.Duration(r.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			snap := r.stage.Snapshot()
			img := renderFrame(r.cfg.Width, r.cfg.Height, snap)
			if err := r.writeFrame(img); err != nil {
				r.logger.Warn("frame write failed", slog.String("error", err.Error()))
				continue
			}
			r.frameCount++
		}
	}
}

func (r *Recorder) writeFrame(img image.Image) error {
	name := filepath.Join(r.framesDir, fmt.Sprintf("frame-%06d.png", r.frameCount+1))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Stop ends capture and finalizes the recording. Runs exactly once; later
// calls return the first result. Never returns an error: every failure is a
// degrade, logged and reflected in the result kind.
func (r *Recorder) Stop(sampleRate, channels int) Result {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		r.wg.Wait()
		r.result = r.finalize(sampleRate, channels)
	})
	return r.result
}

func (r *Recorder) finalize(sampleRate, channels int) Result {
	r.audioMu.Lock()
	pcm := r.audioPCM
	r.audioMu.Unlock()

	wavPath := ""
	if len(pcm) >= 2 {
		wavPath = filepath.Join(r.dir, "audio.wav")
		if err := writeWAV(wavPath, pcm, sampleRate, channels); err != nil {
			r.logger.Warn("audio write failed, recording will be video only",
				slog.String("error", err.Error()))
			wavPath = ""
		}
	}

	if r.frameCount == 0 && wavPath == "" {
		r.logger.Warn("capture produced nothing")
		return Result{Kind: "none"}
	}

	ffmpeg, err := exec.LookPath(r.cfg.FFmpegPath)
	if err != nil {
		r.logger.Warn("ffmpeg not found, leaving raw frames and audio",
			slog.String("path", r.cfg.FFmpegPath))
		if wavPath != "" {
			return Result{Path: wavPath, Kind: "wav"}
		}
		return Result{Path: r.framesDir, Kind: "frames"}
	}

	out := filepath.Join(r.dir, "session.mp4")
	if err := r.mux(ffmpeg, wavPath, out); err != nil {
		r.logger.Warn("mux failed, leaving raw frames and audio",
			slog.String("error", err.Error()))
		if wavPath != "" {
			return Result{Path: wavPath, Kind: "wav"}
		}
		return Result{Path: r.framesDir, Kind: "frames"}
	}

	// Raw frames are redundant once the mux succeeds.
	if err := os.RemoveAll(r.framesDir); err != nil {
		r.logger.Warn("frame cleanup failed", slog.String("error", err.Error()))
	}
	r.logger.Info("recording finalized", slog.String("path", out))
	return Result{Path: out, Kind: "mp4"}
}

func (r *Recorder) mux(ffmpeg, wavPath, out string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	args := []string{"-y", "-framerate", fmt.Sprint(r.cfg.FPS),
		"-i", filepath.Join(r.framesDir, "frame-%06d.png")}
	if wavPath != "" {
		args = append(args, "-i", wavPath, "-c:a", "aac", "-shortest")
	}
	args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", out)

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, string(output))
	}
	return nil
}

func writeWAV(path string, pcm []byte, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

var roleColors = map[script.Role]color.RGBA{
	script.RoleModerator:   {R: 0x2b, G: 0x6c, B: 0xb0, A: 0xff},
	script.RoleCommentator: {R: 0xb0, G: 0x4a, B: 0x2b, A: 0xff},
	script.RoleUser:        {R: 0x3a, G: 0x8f, B: 0x4a, A: 0xff},
}

var phaseColors = map[string]color.RGBA{
	"setup":     {R: 0x16, G: 0x16, B: 0x1e, A: 0xff},
	"scripting": {R: 0x1a, G: 0x1a, B: 0x28, A: 0xff},
	"editing":   {R: 0x1a, G: 0x22, B: 0x1a, A: 0xff},
	"loading":   {R: 0x22, G: 0x1a, B: 0x28, A: 0xff},
	"playing":   {R: 0x10, G: 0x10, B: 0x14, A: 0xff},
	"complete":  {R: 0x0a, G: 0x0a, B: 0x0a, A: 0xff},
}

// renderFrame paints one frame of the stage: a phase-tinted backdrop, one
// podium panel per speaker with the active one lit, a countdown block sized
// by the remaining beat, and a progress strip while voices load.
func renderFrame(width, height int, snap playback.Snapshot) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	bg, ok := phaseColors[snap.Phase]
	if !ok {
		bg = phaseColors["setup"]
	}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	// Three podium panels across the lower third.
	roles := []script.Role{script.RoleModerator, script.RoleUser, script.RoleCommentator}
	panelW := width / 4
	panelH := height / 3
	gap := (width - 3*panelW) / 4
	y0 := height - panelH - height/12
	for i, role := range roles {
		x0 := gap + i*(panelW+gap)
		c := roleColors[role]
		if snap.Speaker != role {
			c = color.RGBA{R: c.R / 3, G: c.G / 3, B: c.B / 3, A: 0xff}
		}
		draw.Draw(img, image.Rect(x0, y0, x0+panelW, y0+panelH), &image.Uniform{C: c}, image.Point{}, draw.Src)
	}

	// Countdown block in the center, shrinking with each beat.
	if snap.Countdown != "" {
		size := height / 3
		switch snap.Countdown {
		case "3":
			size = height / 3
		case "2":
			size = height / 4
		case "1":
			size = height / 5
		case "GO":
			size = height / 2
		}
		cx, cy := width/2, height/3
		block := image.Rect(cx-size/2, cy-size/2, cx+size/2, cy+size/2)
		draw.Draw(img, block, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	}

	// Loading progress strip along the top.
	if snap.Progress != "" {
		strip := image.Rect(0, 0, width, height/24)
		draw.Draw(img, strip, &image.Uniform{C: color.RGBA{R: 0xd4, G: 0xa0, B: 0x17, A: 0xff}}, image.Point{}, draw.Src)
	}

	return img
}
