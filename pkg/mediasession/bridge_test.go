package mediasession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplayer/pkg/model"
)

type fakeSurface struct {
	mu            sync.Mutex
	metadata      []Metadata
	states        []PlaybackState
	positions     []PositionState
	handlers      map[Action]ActionHandler
	registrations int
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{handlers: make(map[Action]ActionHandler)}
}

func (f *fakeSurface) SetMetadata(m Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append(f.metadata, m)
}

func (f *fakeSurface) SetPlaybackState(s PlaybackState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
}

func (f *fakeSurface) SetPositionState(p PositionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, p)
}

func (f *fakeSurface) SetActionHandler(a Action, h ActionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[a] = h
	f.registrations++
}

func (f *fakeSurface) trigger(a Action, d ActionDetails) {
	f.mu.Lock()
	h := f.handlers[a]
	f.mu.Unlock()
	h(d)
}

func (f *fakeSurface) positionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.positions)
}

type fakeEngine struct {
	mu       sync.Mutex
	playing  bool
	time     float64
	duration float64
}

func (e *fakeEngine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *fakeEngine) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.time
}

func (e *fakeEngine) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func TestNew_RegistersHandlersOnce(t *testing.T) {
	s := newFakeSurface()
	b := New(s, &fakeEngine{}, "Audio Tour", time.Second)

	assert.Equal(t, len(AllActions), s.registrations)

	var calls []string
	b.SetActions(Actions{
		Play: func() { calls = append(calls, "play-1") },
	})
	s.trigger(ActionPlay, ActionDetails{})

	// swapping callbacks must not re-register
	b.SetActions(Actions{
		Play:   func() { calls = append(calls, "play-2") },
		SeekTo: func(sec float64) { calls = append(calls, "seek") },
	})
	s.trigger(ActionPlay, ActionDetails{})
	s.trigger(ActionSeekTo, ActionDetails{SeekTime: 12})
	s.trigger(ActionNextTrack, ActionDetails{}) // nil callback is ignored

	assert.Equal(t, []string{"play-1", "play-2", "seek"}, calls)
	assert.Equal(t, len(AllActions), s.registrations)
}

func TestSeekActions(t *testing.T) {
	s := newFakeSurface()
	b := New(s, &fakeEngine{}, "", time.Second)

	var got []float64
	b.SetActions(Actions{
		SeekForward:  func(off float64) { got = append(got, off) },
		SeekBackward: func(off float64) { got = append(got, -off) },
		SeekTo:       func(sec float64) { got = append(got, sec*100) },
	})
	s.trigger(ActionSeekForward, ActionDetails{SeekOffset: 10})
	s.trigger(ActionSeekBackward, ActionDetails{SeekOffset: 5})
	s.trigger(ActionSeekTo, ActionDetails{SeekTime: 1.5})

	assert.Equal(t, []float64{10, -5, 150}, got)
}

func TestStopChanged_PublishesOnlyOnRealChange(t *testing.T) {
	s := newFakeSurface()
	b := New(s, &fakeEngine{}, "Audio Tour", time.Second)
	tour := &model.Tour{Title: "Old Town"}
	gate := &model.AudioStop{ID: "a", Title: "Gate", Image: "gate.jpg"}

	b.StopChanged(tour, gate)
	b.StopChanged(tour, gate)
	b.StopChanged(tour, nil)

	require.Len(t, s.metadata, 1)
	assert.Equal(t, Metadata{Title: "Gate", Artist: "Old Town", Album: "Audio Tour", Artwork: "gate.jpg"}, s.metadata[0])

	b.StopChanged(tour, &model.AudioStop{ID: "b", Title: "Tower"})
	assert.Len(t, s.metadata, 2)

	b.Reset()
	b.StopChanged(tour, &model.AudioStop{ID: "b", Title: "Tower"})
	assert.Len(t, s.metadata, 3)
}

func TestNativeEvents(t *testing.T) {
	s := newFakeSurface()
	b := New(s, &fakeEngine{}, "", time.Second)

	assert.Equal(t, StateNone, b.State())
	b.NativePlay()
	b.NativePause()
	b.NativePlay()
	b.NativeEnded()

	assert.Equal(t, []PlaybackState{StatePlaying, StatePaused, StatePlaying, StatePaused}, s.states)
	assert.Equal(t, StatePaused, b.State())
}

func TestSync_PositionAndSelfHeal(t *testing.T) {
	s := newFakeSurface()
	eng := &fakeEngine{playing: true, time: 30, duration: 120}
	b := New(s, eng, "", time.Second)
	b.NativePause() // a play event was lost

	b.Sync()

	require.Len(t, s.positions, 1)
	assert.Equal(t, PositionState{Duration: 120, Position: 30, PlaybackRate: 1}, s.positions[0])
	assert.Equal(t, StatePlaying, b.State(), "stale paused state is repaired")

	// nothing to repair on the next tick
	b.Sync()
	assert.Equal(t, []PlaybackState{StatePaused, StatePlaying}, s.states)
}

func TestSync_UnknownDuration(t *testing.T) {
	s := newFakeSurface()
	b := New(s, &fakeEngine{duration: 0}, "", time.Second)

	b.Sync()
	assert.Empty(t, s.positions)
}

func TestRun_Ticks(t *testing.T) {
	s := newFakeSurface()
	b := New(s, &fakeEngine{time: 1, duration: 10}, "", 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.positionCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestNilSurfaceIsInert(t *testing.T) {
	b := New(nil, &fakeEngine{playing: true, duration: 10}, "", time.Second)

	assert.False(t, b.Enabled())
	b.StopChanged(nil, &model.AudioStop{ID: "a"})
	b.NativePlay()
	b.Sync()
	b.Run(context.Background()) // returns immediately
	assert.Equal(t, StateNone, b.State())
}
