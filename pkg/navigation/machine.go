// Package navigation implements the stop navigation state machine: which stop is
// current, whether it plays, and the completing/transitioning/advancing sequence
// between stops.
package navigation

import (
	"log/slog"
	"sync"
	"time"

	"tourplayer/pkg/model"
)

// Timings are the product-tuned delays of the machine.
type Timings struct {
	SwitchDelay        time.Duration // next/prev track-change animation
	AdvanceFlash       time.Duration // "switching" flash after an automatic advance
	CompletionDelay    time.Duration // checkmark animation before advancing
	TransitionWatchdog time.Duration // force-advance if the filler never ends
}

// DefaultTimings are used for zero fields.
var DefaultTimings = Timings{
	SwitchDelay:        300 * time.Millisecond,
	AdvanceFlash:       150 * time.Millisecond,
	CompletionDelay:    1500 * time.Millisecond,
	TransitionWatchdog: 10 * time.Second,
}

func (t Timings) withDefaults() Timings {
	if t.SwitchDelay <= 0 {
		t.SwitchDelay = DefaultTimings.SwitchDelay
	}
	if t.AdvanceFlash <= 0 {
		t.AdvanceFlash = DefaultTimings.AdvanceFlash
	}
	if t.CompletionDelay <= 0 {
		t.CompletionDelay = DefaultTimings.CompletionDelay
	}
	if t.TransitionWatchdog <= 0 {
		t.TransitionWatchdog = DefaultTimings.TransitionWatchdog
	}
	return t
}

type timerKind int

const (
	timerSwitch timerKind = iota
	timerFlash
	timerCompletion
	timerWatchdog
	timerCount
)

func (k timerKind) String() string {
	switch k {
	case timerSwitch:
		return "switch"
	case timerFlash:
		return "flash"
	case timerCompletion:
		return "completion"
	case timerWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

// Listener observes state changes. It runs outside the machine lock and may call
// back into the machine.
type Listener func(model.PlaybackState)

// Machine owns the PlaybackState of one tour session.
type Machine struct {
	tour    *model.Tour
	timings Timings

	mu            sync.Mutex
	state         model.PlaybackState
	allowAutoPlay bool
	finished      bool
	closed        bool
	timers        [timerCount]*time.Timer
	tokens        [timerCount]uint64
	listeners     []Listener
}

// New creates an idle machine for tour.
func New(tour *model.Tour, timings Timings, allowAutoPlay bool) *Machine {
	return &Machine{
		tour:          tour,
		timings:       timings.withDefaults(),
		allowAutoPlay: allowAutoPlay,
	}
}

// OnChange registers a listener.
func (m *Machine) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Tour returns the tour the machine navigates.
func (m *Machine) Tour() *model.Tour {
	return m.tour
}

// State returns a copy of the current state.
func (m *Machine) State() model.PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Finished reports whether the last stop ended and playback stopped.
func (m *Machine) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// AllowAutoPlay returns the autoplay flag applied on advance.
func (m *Machine) AllowAutoPlay() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowAutoPlay
}

// SetAllowAutoPlay changes whether advancing starts playback.
func (m *Machine) SetAllowAutoPlay(allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowAutoPlay = allow
}

// Source returns the url the audio engine must render: the transition filler
// while transitioning, otherwise the current stop's audio.
func (m *Machine) Source() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourceLocked()
}

func (m *Machine) sourceLocked() string {
	if m.state.CurrentStopID == "" {
		return ""
	}
	if m.state.IsTransitioning {
		return m.tour.TransitionAudio
	}
	if a := m.tour.AudioStop(m.state.CurrentStopID); a != nil {
		return a.AudioFile
	}
	return ""
}

// update runs fn under the lock and notifies listeners when it reports a change.
func (m *Machine) update(fn func() bool) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	before := m.state
	changed := fn() || m.state != before
	st := m.state
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if changed {
		for _, l := range listeners {
			l(st)
		}
	}
	return changed
}

// TogglePlayPause flips play/pause of the current stop. No-op without one.
func (m *Machine) TogglePlayPause() {
	m.update(func() bool {
		if m.state.CurrentStopID == "" {
			return false
		}
		m.state.IsPlaying = !m.state.IsPlaying
		return true
	})
}

// SetPlaying sets play/pause of the current stop. No-op without one.
func (m *Machine) SetPlaying(play bool) {
	m.update(func() bool {
		if m.state.CurrentStopID == "" {
			return false
		}
		m.state.IsPlaying = play
		return false
	})
}

// SelectStop makes id current and plays it. Returns false if id is not an
// audio stop of the tour.
func (m *Machine) SelectStop(id string) bool {
	return m.Select(id, true)
}

// Select makes id current with the given play state, cancelling any pending
// switch, completion or transition.
func (m *Machine) Select(id string, play bool) bool {
	if m.tour.AudioStop(id) == nil {
		slog.Debug("Navigation: ignoring select of non-audio stop", "stop", id)
		return false
	}
	m.update(func() bool {
		m.cancelAllLocked()
		m.finished = false
		m.state = model.PlaybackState{CurrentStopID: id, IsPlaying: play}
		return false
	})
	return true
}

// TogglePlayPauseForStop toggles the current stop or selects another one.
func (m *Machine) TogglePlayPauseForStop(id string) {
	if m.State().CurrentStopID == id && id != "" {
		m.TogglePlayPause()
		return
	}
	m.SelectStop(id)
}

// Next moves to the nearest following audio stop after the switch delay.
func (m *Machine) Next() {
	m.step(true)
}

// Prev moves to the nearest preceding audio stop after the switch delay.
func (m *Machine) Prev() {
	m.step(false)
}

func (m *Machine) step(forward bool) {
	m.update(func() bool {
		cur := m.state.CurrentStopID
		var target *model.AudioStop
		if forward {
			target = m.tour.NextAudio(cur)
		} else {
			target = m.tour.PrevAudio(cur)
		}
		if target == nil {
			return false
		}

		m.stopTimerLocked(timerCompletion)
		m.stopTimerLocked(timerWatchdog)
		m.stopTimerLocked(timerFlash)
		m.state.IsTransitioning = false
		m.state.IsAudioCompleting = false
		m.state.IsSwitchingTracks = true

		id := target.ID
		m.armLocked(timerSwitch, m.timings.SwitchDelay, func() bool {
			m.finished = false
			m.state = model.PlaybackState{CurrentStopID: id, IsPlaying: m.allowAutoPlay}
			return true
		})
		return true
	})
}

// OnTrackEnded reacts to the end of whatever the engine was playing.
func (m *Machine) OnTrackEnded() {
	m.update(func() bool {
		if m.state.CurrentStopID == "" {
			return false
		}
		if m.state.IsTransitioning {
			m.stopTimerLocked(timerWatchdog)
			return m.advanceLocked()
		}
		if m.state.IsAudioCompleting {
			return false
		}

		m.state.IsAudioCompleting = true
		if m.tour.TransitionAudio != "" && m.tour.NextAudio(m.state.CurrentStopID) != nil {
			m.state.IsTransitioning = true
			m.armLocked(timerWatchdog, m.timings.TransitionWatchdog, func() bool {
				if !m.state.IsTransitioning {
					return false
				}
				slog.Warn("Navigation: transition audio never ended, forcing advance", "stop", m.state.CurrentStopID)
				return m.advanceLocked()
			})
			return true
		}

		m.armLocked(timerCompletion, m.timings.CompletionDelay, m.advanceLocked)
		return true
	})
}

// AdvanceToNext moves to the next audio stop, or stops at the end of the tour.
func (m *Machine) AdvanceToNext() {
	m.update(m.advanceLocked)
}

func (m *Machine) advanceLocked() bool {
	m.stopTimerLocked(timerCompletion)
	m.stopTimerLocked(timerWatchdog)
	m.state.IsTransitioning = false
	m.state.IsAudioCompleting = false

	next := m.tour.NextAudio(m.state.CurrentStopID)
	if next == nil {
		m.stopTimerLocked(timerFlash)
		m.state.IsPlaying = false
		m.state.IsSwitchingTracks = false
		if m.state.CurrentStopID != "" {
			m.finished = true
			slog.Info("Navigation: end of tour reached", "stop", m.state.CurrentStopID)
		}
		return true
	}

	m.state.CurrentStopID = next.ID
	m.state.IsPlaying = m.allowAutoPlay
	m.state.IsSwitchingTracks = true
	m.armLocked(timerFlash, m.timings.AdvanceFlash, func() bool {
		m.state.IsSwitchingTracks = false
		return true
	})
	return true
}

// Reset cancels every timer and returns to idle.
func (m *Machine) Reset() {
	m.update(func() bool {
		m.cancelAllLocked()
		m.finished = false
		m.state = model.PlaybackState{}
		return false
	})
}

// Close cancels every timer. Later timer fires and operations are ignored.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAllLocked()
	m.closed = true
}

// armLocked replaces the timer of kind. fire runs under the lock and only if the
// timer was not superseded or cancelled in the meantime.
func (m *Machine) armLocked(kind timerKind, d time.Duration, fire func() bool) {
	m.stopTimerLocked(kind)
	token := m.tokens[kind]
	m.timers[kind] = time.AfterFunc(d, func() {
		m.update(func() bool {
			if m.tokens[kind] != token {
				return false
			}
			m.timers[kind] = nil
			m.tokens[kind]++
			return fire()
		})
	})
}

func (m *Machine) stopTimerLocked(kind timerKind) {
	if t := m.timers[kind]; t != nil {
		t.Stop()
		m.timers[kind] = nil
	}
	m.tokens[kind]++
}

func (m *Machine) cancelAllLocked() {
	for k := range timerCount {
		m.stopTimerLocked(k)
	}
}

// Pending reports whether a timer of any kind is armed.
func (m *Machine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		if t != nil {
			return true
		}
	}
	return false
}
