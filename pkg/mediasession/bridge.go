// Package mediasession mirrors playback into the OS now-playing surface and
// routes its transport controls back into the player.
package mediasession

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tourplayer/pkg/logging"
	"tourplayer/pkg/model"
)

// PlaybackState is the OS-level playback state.
type PlaybackState string

const (
	StateNone    PlaybackState = "none"
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

// Action names a transport control of the OS surface.
type Action string

const (
	ActionPlay         Action = "play"
	ActionPause        Action = "pause"
	ActionNextTrack    Action = "nexttrack"
	ActionPrevTrack    Action = "previoustrack"
	ActionSeekForward  Action = "seekforward"
	ActionSeekBackward Action = "seekbackward"
	ActionSeekTo       Action = "seekto"
)

// AllActions lists every action the bridge registers.
var AllActions = []Action{
	ActionPlay, ActionPause, ActionNextTrack, ActionPrevTrack,
	ActionSeekForward, ActionSeekBackward, ActionSeekTo,
}

// Metadata is the now-playing information.
type Metadata struct {
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Album   string `json:"album"`
	Artwork string `json:"artwork,omitempty"`
}

// PositionState drives the OS scrubber.
type PositionState struct {
	Duration     float64 `json:"duration"`
	Position     float64 `json:"position"`
	PlaybackRate float64 `json:"playbackRate"`
}

// ActionDetails carries the arguments of seek actions.
type ActionDetails struct {
	SeekOffset float64 `json:"seekOffset,omitempty"`
	SeekTime   float64 `json:"seekTime,omitempty"`
}

// ActionHandler handles one OS action.
type ActionHandler func(ActionDetails)

// Surface is the OS media control surface.
type Surface interface {
	SetMetadata(Metadata)
	SetPlaybackState(PlaybackState)
	SetPositionState(PositionState)
	SetActionHandler(Action, ActionHandler)
}

// Actions are the player callbacks behind the OS controls. Any field may be nil.
type Actions struct {
	Play         func()
	Pause        func()
	Next         func()
	Prev         func()
	SeekForward  func(offset float64)
	SeekBackward func(offset float64)
	SeekTo       func(seconds float64)
}

// Engine is the read-only view of the audio engine the bridge needs.
type Engine interface {
	IsPlaying() bool
	CurrentTime() float64
	Duration() float64
}

// Bridge publishes engine state to a Surface. With a nil surface it is inert.
type Bridge struct {
	surface  Surface
	engine   Engine
	album    string
	interval time.Duration

	actions atomic.Pointer[Actions]

	mu        sync.Mutex
	lastStop  string
	lastState PlaybackState
}

// New creates a bridge and registers its action handlers on surface. Handlers are
// registered exactly once; SetActions swaps what they dispatch to.
func New(surface Surface, engine Engine, album string, interval time.Duration) *Bridge {
	if interval <= 0 {
		interval = time.Second
	}
	b := &Bridge{
		surface:   surface,
		engine:    engine,
		album:     album,
		interval:  interval,
		lastState: StateNone,
	}
	b.actions.Store(&Actions{})
	if surface == nil {
		slog.Debug("MediaSession: no surface, bridge disabled")
		return b
	}

	surface.SetActionHandler(ActionPlay, func(ActionDetails) {
		b.dispatch(ActionPlay, func(a *Actions) { call(a.Play) })
	})
	surface.SetActionHandler(ActionPause, func(ActionDetails) {
		b.dispatch(ActionPause, func(a *Actions) { call(a.Pause) })
	})
	surface.SetActionHandler(ActionNextTrack, func(ActionDetails) {
		b.dispatch(ActionNextTrack, func(a *Actions) { call(a.Next) })
	})
	surface.SetActionHandler(ActionPrevTrack, func(ActionDetails) {
		b.dispatch(ActionPrevTrack, func(a *Actions) { call(a.Prev) })
	})
	surface.SetActionHandler(ActionSeekForward, func(d ActionDetails) {
		b.dispatch(ActionSeekForward, func(a *Actions) { callSeek(a.SeekForward, d.SeekOffset) })
	})
	surface.SetActionHandler(ActionSeekBackward, func(d ActionDetails) {
		b.dispatch(ActionSeekBackward, func(a *Actions) { callSeek(a.SeekBackward, d.SeekOffset) })
	})
	surface.SetActionHandler(ActionSeekTo, func(d ActionDetails) {
		b.dispatch(ActionSeekTo, func(a *Actions) { callSeek(a.SeekTo, d.SeekTime) })
	})
	return b
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

func callSeek(fn func(float64), v float64) {
	if fn != nil {
		fn(v)
	}
}

func (b *Bridge) dispatch(action Action, fn func(a *Actions)) {
	slog.Debug("MediaSession: action", "action", action)
	fn(b.actions.Load())
}

// SetActions replaces the callbacks behind the registered handlers.
func (b *Bridge) SetActions(a Actions) {
	b.actions.Store(&a)
}

// Enabled reports whether a surface is attached.
func (b *Bridge) Enabled() bool {
	return b.surface != nil
}

// StopChanged publishes metadata when the real stop changes. Transition filler
// never reaches the bridge as a stop, so metadata stays on the finished stop.
func (b *Bridge) StopChanged(tour *model.Tour, stop *model.AudioStop) {
	if b.surface == nil || stop == nil {
		return
	}
	b.mu.Lock()
	if stop.ID == b.lastStop {
		b.mu.Unlock()
		return
	}
	b.lastStop = stop.ID
	b.mu.Unlock()

	md := Metadata{Title: stop.Title, Album: b.album, Artwork: stop.Image}
	if tour != nil {
		md.Artist = tour.Title
	}
	b.surface.SetMetadata(md)
	slog.Debug("MediaSession: metadata published", "stop", stop.ID, "title", stop.Title)
}

// Reset forgets the published stop so the next StopChanged republishes.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastStop = ""
	b.lastState = StateNone
}

// NativePlay mirrors an engine play event.
func (b *Bridge) NativePlay() { b.publishState(StatePlaying) }

// NativePause mirrors an engine pause event.
func (b *Bridge) NativePause() { b.publishState(StatePaused) }

// NativeEnded mirrors an engine ended event.
func (b *Bridge) NativeEnded() { b.publishState(StatePaused) }

func (b *Bridge) publishState(s PlaybackState) {
	if b.surface == nil {
		return
	}
	b.mu.Lock()
	b.lastState = s
	b.mu.Unlock()
	b.surface.SetPlaybackState(s)
}

// State returns the last published playback state.
func (b *Bridge) State() PlaybackState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastState
}

// Sync pushes position state and repairs a stale "paused".
func (b *Bridge) Sync() {
	if b.surface == nil || b.engine == nil {
		return
	}

	dur := b.engine.Duration()
	if dur > 0 && !math.IsInf(dur, 0) && !math.IsNaN(dur) {
		pos := math.Max(0, math.Min(b.engine.CurrentTime(), dur))
		b.surface.SetPositionState(PositionState{Duration: dur, Position: pos, PlaybackRate: 1})
		logging.TraceDefault("MediaSession: position", "position", pos, "duration", dur)
	}

	if b.engine.IsPlaying() && b.State() != StatePlaying {
		slog.Debug("MediaSession: engine is playing but surface is not, republishing")
		b.publishState(StatePlaying)
	}
}

// Run calls Sync every interval until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	if b.surface == nil {
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sync()
		}
	}
}
