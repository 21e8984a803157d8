package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
)

// Output is the sink a BeepElement plays into.
type Output interface {
	Init(sampleRate beep.SampleRate, bufferSize int) error
	Play(s ...beep.Streamer)
	Clear()
	Lock()
	Unlock()
}

type speakerOutput struct{}

func (speakerOutput) Init(sr beep.SampleRate, bufferSize int) error {
	return speaker.Init(sr, bufferSize)
}
func (speakerOutput) Play(s ...beep.Streamer) { speaker.Play(s...) }
func (speakerOutput) Clear()                  { speaker.Clear() }
func (speakerOutput) Lock()                   { speaker.Lock() }
func (speakerOutput) Unlock()                 { speaker.Unlock() }

// SpeakerOutput returns the Output backed by the system audio device.
func SpeakerOutput() Output {
	return speakerOutput{}
}

// Opener fetches the encoded bytes behind a source url.
type Opener interface {
	Open(ctx context.Context, url string) ([]byte, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) ([]byte, error)

func (f OpenerFunc) Open(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// BeepConfig tunes a BeepElement.
type BeepConfig struct {
	SampleRate         int
	FadeIn             time.Duration
	TimeUpdateInterval time.Duration
}

const (
	defaultSampleRate     = 48000
	defaultTimeUpdate     = 250 * time.Millisecond
	volumeRampDuration    = 50 * time.Millisecond
	eventBufferSize       = 256
	resampleQuality       = 3
	speakerBufferFraction = time.Second / 10
)

// BeepElement is an Element that decodes mp3/wav sources and plays them on an
// Output. Sources are fetched through an Opener, so remote and cached assets
// share one code path.
type BeepElement struct {
	out    Output
	opener Opener
	cfg    BeepConfig
	rate   beep.SampleRate

	listener atomic.Pointer[Listener]
	events   chan Event

	initOnce sync.Once
	initErr  error

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	track    beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	vol      *SmoothVolume
	volume   float64
	stopTick chan struct{}
}

// NewBeepElement creates an element playing into out.
func NewBeepElement(out Output, opener Opener, cfg BeepConfig) *BeepElement {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.TimeUpdateInterval <= 0 {
		cfg.TimeUpdateInterval = defaultTimeUpdate
	}
	e := &BeepElement{
		out:    out,
		opener: opener,
		cfg:    cfg,
		rate:   beep.SampleRate(cfg.SampleRate),
		events: make(chan Event, eventBufferSize),
		volume: 1,
	}
	go e.forward()
	return e
}

// InitOutput initializes the output device once. Later calls return the first result.
func (e *BeepElement) InitOutput() error {
	e.initOnce.Do(func() {
		e.initErr = e.out.Init(e.rate, e.rate.N(speakerBufferFraction))
		if e.initErr != nil {
			slog.Error("Failed to initialize speaker", "error", e.initErr)
		}
	})
	return e.initErr
}

func (e *BeepElement) SetListener(l Listener) {
	e.listener.Store(&l)
}

func (e *BeepElement) forward() {
	for ev := range e.events {
		if l := e.listener.Load(); l != nil && *l != nil {
			(*l)(ev)
		}
	}
}

func (e *BeepElement) emit(ev Event) {
	e.events <- ev
}

// Load implements Element.
func (e *BeepElement) Load(src string, gen uint64) error {
	if src == "" {
		return ErrNotLoaded
	}

	e.mu.Lock()
	e.unloadLocked()
	ctx, cancel := context.WithCancel(context.Background())
	e.gen = gen
	e.cancel = cancel
	e.mu.Unlock()

	go e.load(ctx, src, gen)
	return nil
}

func (e *BeepElement) load(ctx context.Context, src string, gen uint64) {
	data, err := e.opener.Open(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.emit(Event{Kind: EventError, Gen: gen, Err: fmt.Errorf("open %s: %w", src, err)})
		return
	}

	streamer, format, err := decode(data, src)
	if err != nil {
		e.emit(Event{Kind: EventError, Gen: gen, Err: err})
		return
	}

	e.mu.Lock()
	if e.gen != gen || ctx.Err() != nil {
		e.mu.Unlock()
		streamer.Close()
		return
	}
	e.track = streamer
	e.format = format
	e.mu.Unlock()

	slog.Debug("Audio: source decoded", "src", src, "rate", format.SampleRate, "samples", streamer.Len())
	e.emit(Event{Kind: EventCanPlay, Gen: gen})
}

// Unload implements Element.
func (e *BeepElement) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloadLocked()
}

func (e *BeepElement) unloadLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.stopTickerLocked()
	if e.ctrl != nil {
		e.out.Clear()
		e.ctrl = nil
		e.vol = nil
	}
	if e.track != nil {
		e.track.Close()
		e.track = nil
	}
	e.format = beep.Format{}
}

// Play implements Element.
func (e *BeepElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.track == nil {
		return ErrNotLoaded
	}
	if err := e.InitOutput(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlayBlocked, err)
	}

	if e.ctrl == nil {
		resampled := beep.Resample(resampleQuality, e.format.SampleRate, e.rate, e.track)
		vol := NewSmoothVolume(resampled, e.volume)
		vol.FadeIn(float64(e.rate), e.cfg.FadeIn)
		ctrl := &beep.Ctrl{Streamer: vol}
		e.vol = vol
		e.ctrl = ctrl
		gen := e.gen
		e.out.Play(beep.Seq(ctrl, beep.Callback(func() {
			// runs on the output goroutine
			go e.finished(ctrl, gen)
		})))
	} else {
		e.out.Lock()
		if !e.ctrl.Paused {
			e.out.Unlock()
			return nil
		}
		e.ctrl.Paused = false
		e.vol.FadeIn(float64(e.rate), e.cfg.FadeIn)
		e.out.Unlock()
	}

	e.startTickerLocked()
	e.emit(Event{Kind: EventPlay, Gen: e.gen})
	return nil
}

func (e *BeepElement) finished(ctrl *beep.Ctrl, gen uint64) {
	e.mu.Lock()
	if e.ctrl != ctrl || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.stopTickerLocked()
	e.ctrl = nil
	e.vol = nil
	e.mu.Unlock()

	e.emit(Event{Kind: EventTimeUpdate, Gen: gen})
	e.emit(Event{Kind: EventEnded, Gen: gen})
}

// Pause implements Element.
func (e *BeepElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctrl == nil {
		return
	}
	e.out.Lock()
	wasPaused := e.ctrl.Paused
	e.ctrl.Paused = true
	e.out.Unlock()
	if wasPaused {
		return
	}

	e.stopTickerLocked()
	e.emit(Event{Kind: EventTimeUpdate, Gen: e.gen})
	e.emit(Event{Kind: EventPause, Gen: e.gen})
}

// Paused implements Element.
func (e *BeepElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctrl == nil {
		return true
	}
	e.out.Lock()
	defer e.out.Unlock()
	return e.ctrl.Paused
}

// Seek implements Element.
func (e *BeepElement) Seek(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.track == nil {
		return
	}
	pos := e.format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	pos = max(0, min(pos, e.track.Len()))

	e.out.Lock()
	err := e.track.Seek(pos)
	e.out.Unlock()
	if err != nil {
		slog.Warn("Audio: seek failed", "position", seconds, "error", err)
		return
	}
	e.emit(Event{Kind: EventTimeUpdate, Gen: e.gen})
}

// CurrentTime implements Element.
func (e *BeepElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track == nil {
		return 0
	}
	e.out.Lock()
	pos := e.track.Position()
	e.out.Unlock()
	return e.format.SampleRate.D(pos).Seconds()
}

// Duration implements Element.
func (e *BeepElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track == nil {
		return 0
	}
	return e.format.SampleRate.D(e.track.Len()).Seconds()
}

// SetVolume implements Element.
func (e *BeepElement) SetVolume(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = v
	if e.vol != nil {
		e.out.Lock()
		e.vol.SetTargetVolume(v, float64(e.rate), volumeRampDuration)
		e.out.Unlock()
	}
}

func (e *BeepElement) startTickerLocked() {
	e.stopTickerLocked()
	stop := make(chan struct{})
	e.stopTick = stop
	gen := e.gen
	interval := e.cfg.TimeUpdateInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.emit(Event{Kind: EventTimeUpdate, Gen: gen})
			}
		}
	}()
}

func (e *BeepElement) stopTickerLocked() {
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
}

type readSeekNopCloser struct {
	*bytes.Reader
}

func (readSeekNopCloser) Close() error { return nil }

type decoderFunc func(r readSeekNopCloser) (beep.StreamSeekCloser, beep.Format, error)

func decodeMP3(r readSeekNopCloser) (beep.StreamSeekCloser, beep.Format, error) {
	return mp3.Decode(r)
}

func decodeWAV(r readSeekNopCloser) (beep.StreamSeekCloser, beep.Format, error) {
	return wav.Decode(r)
}

// decode picks the decoder from the source extension, falling back to the other one.
func decode(data []byte, name string) (beep.StreamSeekCloser, beep.Format, error) {
	decoders := []decoderFunc{decodeMP3, decodeWAV}
	if sourceExt(name) == ".wav" {
		decoders = []decoderFunc{decodeWAV, decodeMP3}
	}

	var errs []error
	for _, d := range decoders {
		s, f, err := d(readSeekNopCloser{bytes.NewReader(data)})
		if err == nil {
			return s, f, nil
		}
		errs = append(errs, err)
	}
	return nil, beep.Format{}, fmt.Errorf("unsupported audio %q: %w", name, errors.Join(errs...))
}

func sourceExt(name string) string {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	return strings.ToLower(path.Ext(name))
}

// MediaDuration decodes data and returns its playing time. name is only used
// to pick the decoder.
func MediaDuration(data []byte, name string) (time.Duration, error) {
	streamer, format, err := decode(data, name)
	if err != nil {
		return 0, err
	}
	defer streamer.Close()

	return format.SampleRate.D(streamer.Len()), nil
}
