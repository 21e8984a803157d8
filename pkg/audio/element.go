// Package audio provides the process-wide playback engine for tour narration.
package audio

import "errors"

var (
	// ErrPlayBlocked means the platform refused to start playback. The caller
	// should fall back to a paused state until the next explicit user action.
	ErrPlayBlocked = errors.New("audio: play blocked")
	// ErrNotLoaded is returned when a command needs a loaded source.
	ErrNotLoaded = errors.New("audio: no source loaded")
)

// EventKind enumerates the native notifications an Element emits.
type EventKind int

const (
	EventCanPlay EventKind = iota
	EventTimeUpdate
	EventEnded
	EventPlay
	EventPause
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventCanPlay:
		return "canplay"
	case EventTimeUpdate:
		return "timeupdate"
	case EventEnded:
		return "ended"
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a native notification tagged with the generation passed to Load.
type Event struct {
	Kind EventKind
	Gen  uint64
	Err  error
}

// Listener receives element events.
type Listener func(Event)

// Element is the single underlying playback resource. The Engine owns exactly
// one for the life of the process and only ever reassigns its source.
//
// Implementations must not invoke the Listener synchronously from inside one of
// their own methods.
type Element interface {
	// SetListener is called once, before any other method.
	SetListener(l Listener)
	// Load starts loading src asynchronously. Every event caused by this load
	// carries gen.
	Load(src string, gen uint64) error
	// Unload stops playback and releases the current source.
	Unload()
	// Play starts or resumes playback. Returns ErrPlayBlocked when refused.
	Play() error
	Pause()
	Paused() bool
	// Seek moves the playhead, in seconds.
	Seek(seconds float64)
	CurrentTime() float64
	// Duration is in seconds; zero, NaN or Inf mean unknown.
	Duration() float64
	SetVolume(v float64)
}
