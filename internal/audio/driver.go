package audio

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/parley-labs/parley-core/internal/config"
)

// Player is one live sound-producing node.
type Player interface {
	Play()
	IsPlaying() bool
	Close() error
}

// Driver abstracts the native audio output so the registry can be exercised
// without hardware in tests.
type Driver interface {
	// Ready creates or resumes the underlying output context.
	Ready() error
	NewPlayer(r io.Reader) Player
}

// otoDriver owns the single process-wide oto context. oto permits exactly
// one context per process, so the driver initializes it once and keeps it
// for the life of the process; "close" at teardown is a no-op by contract.
type otoDriver struct {
	cfg  config.AudioConfig
	once sync.Once
	ctx  *oto.Context
	err  error
}

func NewOtoDriver(cfg config.AudioConfig) Driver {
	return &otoDriver{cfg: cfg}
}

func (d *otoDriver) Ready() error {
	d.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   d.cfg.SampleRate,
			ChannelCount: d.cfg.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(d.cfg.BufferSizeMS) * time.Millisecond,
		})
		if err != nil {
			d.err = fmt.Errorf("init audio output: %w", err)
			return
		}
		<-ready
		d.ctx = ctx
	})
	return d.err
}

func (d *otoDriver) NewPlayer(r io.Reader) Player {
	return d.ctx.NewPlayer(r)
}
