// Package audiotest provides a scriptable audio.Element for tests.
package audiotest

import (
	"fmt"
	"slices"
	"sync"

	"tourplayer/pkg/audio"
)

// FakeElement records commands and lets tests inject native events.
type FakeElement struct {
	// PlayErr is returned by Play when set.
	PlayErr error
	// LoadErr is returned by Load when set.
	LoadErr error
	// AutoReady, when positive, makes every Load report CanPlay with that duration.
	AutoReady float64

	mu       sync.Mutex
	listener audio.Listener
	src      string
	gen      uint64
	paused   bool
	time     float64
	duration float64
	volume   float64
	calls    []string

	queue chan func()
}

// NewFakeElement creates an idle element.
func NewFakeElement() *FakeElement {
	f := &FakeElement{
		paused: true,
		volume: 1,
		queue:  make(chan func(), 1024),
	}
	go func() {
		for fn := range f.queue {
			fn()
		}
	}()
	return f
}

func (f *FakeElement) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// emitLocked queues ev for asynchronous delivery. f.mu must be held.
func (f *FakeElement) emitLocked(ev audio.Event) {
	l := f.listener
	f.queue <- func() {
		if l != nil {
			l(ev)
		}
	}
}

func (f *FakeElement) SetListener(l audio.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *FakeElement) Load(src string, gen uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("load:%s", src)
	if f.LoadErr != nil {
		return f.LoadErr
	}
	f.src = src
	f.gen = gen
	f.paused = true
	f.time = 0
	f.duration = 0
	if f.AutoReady > 0 {
		f.duration = f.AutoReady
		f.emitLocked(audio.Event{Kind: audio.EventCanPlay, Gen: gen})
	}
	return nil
}

func (f *FakeElement) Unload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unload")
	f.src = ""
	f.paused = true
	f.time = 0
	f.duration = 0
}

func (f *FakeElement) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("play")
	if f.PlayErr != nil {
		return f.PlayErr
	}
	if f.src == "" {
		return audio.ErrNotLoaded
	}
	if f.paused {
		f.paused = false
		f.emitLocked(audio.Event{Kind: audio.EventPlay, Gen: f.gen})
	}
	return nil
}

func (f *FakeElement) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	if !f.paused {
		f.paused = true
		f.emitLocked(audio.Event{Kind: audio.EventPause, Gen: f.gen})
	}
}

func (f *FakeElement) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *FakeElement) Seek(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("seek:%g", seconds)
	f.time = seconds
}

func (f *FakeElement) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.time
}

func (f *FakeElement) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *FakeElement) SetVolume(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = v
}

// Volume returns the last volume set.
func (f *FakeElement) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

// Src returns the loaded source.
func (f *FakeElement) Src() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src
}

// Gen returns the generation of the last Load.
func (f *FakeElement) Gen() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

// Calls returns the recorded commands in order.
func (f *FakeElement) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Count returns how many recorded commands equal call.
func (f *FakeElement) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Reset clears the recorded commands.
func (f *FakeElement) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Emit injects an event for the current generation.
func (f *FakeElement) Emit(kind audio.EventKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(audio.Event{Kind: kind, Gen: f.gen})
}

// EmitGen injects an event for an arbitrary generation.
func (f *FakeElement) EmitGen(kind audio.EventKind, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(audio.Event{Kind: kind, Gen: gen})
}

// Fail injects a load error for the current generation.
func (f *FakeElement) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(audio.Event{Kind: audio.EventError, Gen: f.gen, Err: err})
}

// Ready reports the current source as playable with the given duration.
func (f *FakeElement) Ready(duration float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duration = duration
	f.emitLocked(audio.Event{Kind: audio.EventCanPlay, Gen: f.gen})
}

// Advance moves the playhead and reports a time update.
func (f *FakeElement) Advance(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.time = seconds
	f.emitLocked(audio.Event{Kind: audio.EventTimeUpdate, Gen: f.gen})
}

// Finish plays the source to its end.
func (f *FakeElement) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.time = f.duration
	f.paused = true
	f.emitLocked(audio.Event{Kind: audio.EventEnded, Gen: f.gen})
}

// Flush blocks until every queued event has been handed to the listener.
func (f *FakeElement) Flush() {
	done := make(chan struct{})
	f.queue <- func() { close(done) }
	<-done
}

// Settle drains the element and the engine until no event is in flight. Events
// raised while dispatching (a play triggered by CanPlay) are covered.
func Settle(e *audio.Engine, f *FakeElement) {
	for range 3 {
		f.Flush()
		e.Sync()
	}
}
