package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOutput mixes streamers only when the test pulls samples.
type fakeOutput struct {
	mu        sync.Mutex
	initErr   error
	inits     int
	streamers []beep.Streamer
}

func (o *fakeOutput) Init(beep.SampleRate, int) error {
	o.inits++
	return o.initErr
}

func (o *fakeOutput) Play(s ...beep.Streamer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streamers = append(o.streamers, s...)
}

func (o *fakeOutput) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.streamers = nil
}

func (o *fakeOutput) Lock()   { o.mu.Lock() }
func (o *fakeOutput) Unlock() { o.mu.Unlock() }

// pull streams n samples from every active streamer, dropping finished ones.
func (o *fakeOutput) pull(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf := make([][2]float64, n)
	active := o.streamers[:0]
	for _, s := range o.streamers {
		if _, ok := s.Stream(buf); ok {
			active = append(active, s)
		}
	}
	o.streamers = active
}

func (o *fakeOutput) active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streamers)
}

// wavBytes encodes samples of silence at 8kHz mono.
func wavBytes(t *testing.T, samples int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}
	require.NoError(t, wav.Encode(f, beep.Silence(samples), format))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

type eventLog struct {
	ch chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 64)}
}

func (l *eventLog) listener(ev Event) { l.ch <- ev }

func (l *eventLog) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func newTestBeepElement(out Output, files map[string][]byte) (*BeepElement, *eventLog) {
	opener := OpenerFunc(func(ctx context.Context, url string) ([]byte, error) {
		data, ok := files[url]
		if !ok {
			return nil, errors.New("not found")
		}
		return data, nil
	})
	el := NewBeepElement(out, opener, BeepConfig{SampleRate: 8000, TimeUpdateInterval: 10 * time.Millisecond})
	log := newEventLog()
	el.SetListener(log.listener)
	return el, log
}

func TestBeepElement_LoadPlayEnd(t *testing.T) {
	out := &fakeOutput{}
	el, log := newTestBeepElement(out, map[string][]byte{"file:///one.wav": wavBytes(t, 8000)})

	require.NoError(t, el.Load("file:///one.wav", 7))
	ev := log.waitFor(t, EventCanPlay)
	assert.Equal(t, uint64(7), ev.Gen)
	assert.InDelta(t, 1.0, el.Duration(), 0.001)
	assert.True(t, el.Paused())

	require.NoError(t, el.Play())
	log.waitFor(t, EventPlay)
	assert.False(t, el.Paused())
	assert.Equal(t, 1, out.active())

	for out.active() > 0 {
		out.pull(1024)
	}
	ev = log.waitFor(t, EventEnded)
	assert.Equal(t, uint64(7), ev.Gen)
	assert.True(t, el.Paused())
}

func TestBeepElement_PauseAndSeek(t *testing.T) {
	out := &fakeOutput{}
	el, log := newTestBeepElement(out, map[string][]byte{"file:///one.wav": wavBytes(t, 16000)})

	require.NoError(t, el.Load("file:///one.wav", 1))
	log.waitFor(t, EventCanPlay)
	require.NoError(t, el.Play())
	out.pull(800)

	el.Pause()
	log.waitFor(t, EventPause)
	assert.True(t, el.Paused())
	assert.Greater(t, el.CurrentTime(), 0.0)

	el.Seek(1.5)
	assert.InDelta(t, 1.5, el.CurrentTime(), 0.001)
	el.Seek(10)
	assert.InDelta(t, 2.0, el.CurrentTime(), 0.001)
}

func TestBeepElement_DecodeError(t *testing.T) {
	out := &fakeOutput{}
	el, log := newTestBeepElement(out, map[string][]byte{"file:///bad.wav": []byte("definitely not audio")})

	require.NoError(t, el.Load("file:///bad.wav", 3))
	ev := log.waitFor(t, EventError)
	assert.Equal(t, uint64(3), ev.Gen)
	assert.Error(t, ev.Err)

	assert.ErrorIs(t, el.Play(), ErrNotLoaded)
}

func TestBeepElement_OpenError(t *testing.T) {
	el, log := newTestBeepElement(&fakeOutput{}, map[string][]byte{})

	require.NoError(t, el.Load("file:///missing.wav", 2))
	ev := log.waitFor(t, EventError)
	assert.ErrorContains(t, ev.Err, "not found")
}

func TestBeepElement_OutputInitFailureBlocksPlay(t *testing.T) {
	out := &fakeOutput{initErr: errors.New("no device")}
	el, log := newTestBeepElement(out, map[string][]byte{"file:///one.wav": wavBytes(t, 800)})

	require.NoError(t, el.Load("file:///one.wav", 1))
	log.waitFor(t, EventCanPlay)

	assert.ErrorIs(t, el.Play(), ErrPlayBlocked)
	assert.ErrorIs(t, el.Play(), ErrPlayBlocked)
	assert.Equal(t, 1, out.inits, "device init is attempted once")
}

func TestBeepElement_SupersededLoadIsDropped(t *testing.T) {
	release := make(chan struct{})
	data := wavBytes(t, 800)
	opener := OpenerFunc(func(ctx context.Context, url string) ([]byte, error) {
		if url == "file:///slow.wav" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return data, nil
	})
	el := NewBeepElement(&fakeOutput{}, opener, BeepConfig{SampleRate: 8000})
	log := newEventLog()
	el.SetListener(log.listener)

	require.NoError(t, el.Load("file:///slow.wav", 1))
	require.NoError(t, el.Load("file:///fast.wav", 2))
	close(release)

	ev := log.waitFor(t, EventCanPlay)
	assert.Equal(t, uint64(2), ev.Gen)

	select {
	case ev := <-log.ch:
		t.Fatalf("unexpected event from superseded load: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMediaDuration(t *testing.T) {
	d, err := MediaDuration(wavBytes(t, 12000), "stop.wav")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = MediaDuration([]byte("nope"), "stop.wav")
	assert.Error(t, err)
}

func TestSourceExt(t *testing.T) {
	assert.Equal(t, ".wav", sourceExt("https://cdn.example.com/a/B.WAV?sig=1"))
	assert.Equal(t, ".mp3", sourceExt("file:///tours/x/stop.mp3"))
	assert.Equal(t, ".mp3", sourceExt("tours/x/stop.mp3"))
}
