package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"tourplayer/pkg/logging"
)

// Progress is one time update of the current source.
type Progress struct {
	ID          string  `json:"id"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	Percent     float64 `json:"percent"`
}

// Handlers are the engine's outbound notifications. The struct is swapped
// atomically and read at dispatch time, so owners can replace it at any point
// without re-registering anything on the element. All handlers run on the
// engine's dispatch goroutine, in event order.
type Handlers struct {
	OnProgress    func(Progress)
	OnReady       func(id string, duration float64)
	OnEnded       func(id string)
	OnPlay        func(id string)
	OnPause       func(id string)
	OnPlayBlocked func(id string, err error)
	OnLoadError   func(id string, err error)
}

// Options tune an Engine.
type Options struct {
	SkipSeconds float64
	Volume      float64
}

const defaultSkipSeconds = 15

// internal event kinds, never emitted by elements
const (
	eventPlayBlocked EventKind = 100 + iota
)

var (
	sharedOnce sync.Once
	shared     *Engine
)

// Shared returns the process-wide engine. newElement runs at most once; later
// calls return the same engine and ignore their arguments.
func Shared(newElement func() Element, opts Options) *Engine {
	sharedOnce.Do(func() {
		shared = New(newElement(), opts)
	})
	return shared
}

// Engine wraps the single playback Element. Changing tracks reassigns the
// element's source; the element itself is never recreated.
type Engine struct {
	el       Element
	skip     float64
	handlers atomic.Pointer[Handlers]

	cmdMu sync.Mutex // serializes element commands

	mu          sync.Mutex
	gen         uint64
	id          string
	src         string
	wantPlay    bool
	ready       bool
	ended       bool
	currentTime float64
	duration    float64
	volume      float64

	queue *eventQueue
	done  chan struct{}
	once  sync.Once
}

// New creates an Engine around el and starts its dispatch goroutine.
func New(el Element, opts Options) *Engine {
	skip := opts.SkipSeconds
	if skip <= 0 {
		skip = defaultSkipSeconds
	}
	vol := opts.Volume
	if vol <= 0 || vol > 1 {
		vol = 1
	}
	e := &Engine{
		el:     el,
		skip:   skip,
		volume: vol,
		queue:  newEventQueue(),
		done:   make(chan struct{}),
	}
	e.handlers.Store(&Handlers{})
	el.SetListener(func(ev Event) { e.queue.push(queued{ev: ev}) })
	el.SetVolume(vol)
	go e.run()
	return e
}

// SetHandlers replaces the notification handlers.
func (e *Engine) SetHandlers(h Handlers) {
	e.handlers.Store(&h)
}

// SetSource loads url as the source for stop id. Reassigning the current url
// to the same id is a no-op; handing it to another id keeps the loaded source
// and rewinds it. An empty url stops and unloads.
func (e *Engine) SetSource(id, url string) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	e.mu.Lock()
	if url == e.src {
		if url == "" || id == e.id {
			e.mu.Unlock()
			return
		}
		prev := e.id
		e.id = id
		e.ended = false
		e.currentTime = 0
		gen := e.gen
		e.mu.Unlock()

		slog.Debug("Engine: source reassigned", "from", prev, "id", id, "gen", gen)
		e.el.Seek(0)
		return
	}
	e.gen++
	gen := e.gen
	e.id = id
	e.src = url
	e.ready = false
	e.ended = false
	e.currentTime = 0
	e.duration = 0
	e.mu.Unlock()

	if url == "" {
		slog.Debug("Engine: source cleared", "gen", gen)
		e.el.Unload()
		return
	}

	slog.Debug("Engine: source changed", "id", id, "src", url, "gen", gen)
	if err := e.el.Load(url, gen); err != nil {
		e.queue.push(queued{ev: Event{Kind: EventError, Gen: gen, Err: err}})
	}
}

// SetPlaying requests play or pause. A play request on a source that is still
// loading starts once the element reports it can play.
func (e *Engine) SetPlaying(play bool) {
	e.mu.Lock()
	e.wantPlay = play
	gen := e.gen
	ready := e.ready
	hasSrc := e.src != ""
	e.mu.Unlock()

	if !hasSrc {
		return
	}
	if !play {
		e.cmdMu.Lock()
		e.el.Pause()
		e.cmdMu.Unlock()
		return
	}
	if ready {
		e.startPlayback(gen)
	}
}

func (e *Engine) startPlayback(gen uint64) {
	e.cmdMu.Lock()

	e.mu.Lock()
	if e.gen != gen || !e.wantPlay || !e.ready {
		e.mu.Unlock()
		e.cmdMu.Unlock()
		return
	}
	restart := e.ended
	e.ended = false
	e.mu.Unlock()

	if restart {
		e.el.Seek(0)
	}
	err := e.el.Play()
	if err == nil {
		e.cmdMu.Unlock()
		return
	}

	if !errors.Is(err, ErrPlayBlocked) {
		err = fmt.Errorf("%w: %v", ErrPlayBlocked, err)
	}
	e.mu.Lock()
	if e.gen == gen {
		e.wantPlay = false
	}
	e.mu.Unlock()
	e.cmdMu.Unlock()

	e.queue.push(queued{ev: Event{Kind: eventPlayBlocked, Gen: gen, Err: err}})
}

// Seek moves to seconds, clamped to [0, duration]. No-op while the duration
// is unknown.
func (e *Engine) Seek(seconds float64) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	e.seekLocked(seconds)
}

func (e *Engine) seekLocked(seconds float64) {
	e.mu.Lock()
	dur := e.duration
	ready := e.ready
	e.mu.Unlock()

	if !ready || !knownDuration(dur) || math.IsNaN(seconds) {
		return
	}
	seconds = math.Max(0, math.Min(seconds, dur))
	e.el.Seek(seconds)

	e.mu.Lock()
	e.currentTime = seconds
	if seconds < dur {
		e.ended = false
	}
	e.mu.Unlock()
}

// SkipForward seeks seconds ahead; seconds <= 0 uses the configured default.
func (e *Engine) SkipForward(seconds float64) {
	e.skipBy(e.skipAmount(seconds))
}

// SkipBackward seeks seconds back; seconds <= 0 uses the configured default.
func (e *Engine) SkipBackward(seconds float64) {
	e.skipBy(-e.skipAmount(seconds))
}

func (e *Engine) skipAmount(seconds float64) float64 {
	if seconds <= 0 {
		return e.skip
	}
	return seconds
}

func (e *Engine) skipBy(delta float64) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	e.seekLocked(e.el.CurrentTime() + delta)
}

// SetVolume sets the output volume, clamped to [0, 1].
func (e *Engine) SetVolume(v float64) {
	v = math.Max(0, math.Min(v, 1))
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	e.mu.Lock()
	e.volume = v
	e.mu.Unlock()
	e.el.SetVolume(v)
}

// Volume returns the current output volume.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// CurrentTime returns the playhead of the current source in seconds.
func (e *Engine) CurrentTime() float64 {
	e.mu.Lock()
	ready := e.ready
	cached := e.currentTime
	e.mu.Unlock()
	if !ready {
		return cached
	}
	return e.el.CurrentTime()
}

// Duration returns the duration of the current source, 0 when unknown.
func (e *Engine) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// IsPlaying reports whether the element is actually producing audio.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	active := e.ready && e.src != "" && !e.ended
	e.mu.Unlock()
	return active && !e.el.Paused()
}

// Source returns the current stop id and url.
func (e *Engine) Source() (id, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id, e.src
}

// Generation returns the current source generation.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// Sync blocks until every event queued before the call has been dispatched.
func (e *Engine) Sync() {
	ch := make(chan struct{})
	if !e.queue.push(queued{barrier: ch}) {
		return
	}
	select {
	case <-ch:
	case <-e.done:
	}
}

// Close stops the dispatch goroutine and unloads the element.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.queue.close()
		<-e.done
		e.cmdMu.Lock()
		e.el.Unload()
		e.cmdMu.Unlock()
	})
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		item, ok := e.queue.pop()
		if !ok {
			return
		}
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		e.process(item.ev)
	}
}

func (e *Engine) process(ev Event) {
	e.mu.Lock()
	if ev.Gen != e.gen {
		current := e.gen
		e.mu.Unlock()
		logging.TraceDefault("Engine: stale event discarded", "event", ev.Kind, "gen", ev.Gen, "current", current)
		return
	}
	id := e.id
	src := e.src
	h := e.handlers.Load()

	switch ev.Kind {
	case EventCanPlay:
		e.ready = true
		e.duration = sanitizeDuration(e.el.Duration())
		dur := e.duration
		play := e.wantPlay
		e.mu.Unlock()

		slog.Debug("Engine: source ready", "id", id, "duration", dur)
		if h.OnReady != nil {
			h.OnReady(id, dur)
		}
		if play {
			e.startPlayback(ev.Gen)
		}

	case EventTimeUpdate:
		ct := e.el.CurrentTime()
		if d := sanitizeDuration(e.el.Duration()); d > 0 {
			e.duration = d
		}
		e.currentTime = ct
		p := Progress{ID: id, CurrentTime: ct, Duration: e.duration, Percent: percentOf(ct, e.duration)}
		e.mu.Unlock()

		logging.TraceDefault("Engine: progress", "id", id, "time", ct, "percent", p.Percent)
		if h.OnProgress != nil {
			h.OnProgress(p)
		}

	case EventEnded:
		if e.ended {
			e.mu.Unlock()
			logging.TraceDefault("Engine: duplicate ended ignored", "id", id, "gen", ev.Gen)
			return
		}
		e.ended = true
		if e.duration > 0 {
			e.currentTime = e.duration
		}
		e.mu.Unlock()

		slog.Debug("Engine: source ended", "id", id, "gen", ev.Gen)
		if h.OnEnded != nil {
			h.OnEnded(id)
		}

	case EventPlay:
		e.mu.Unlock()
		if h.OnPlay != nil {
			h.OnPlay(id)
		}

	case EventPause:
		e.mu.Unlock()
		if h.OnPause != nil {
			h.OnPause(id)
		}

	case EventError:
		e.ready = false
		e.mu.Unlock()

		slog.Warn("Engine: failed to load source", "id", id, "src", src, "error", ev.Err)
		if h.OnLoadError != nil {
			h.OnLoadError(id, ev.Err)
		}

	case eventPlayBlocked:
		e.mu.Unlock()

		slog.Info("Engine: play blocked, waiting for user action", "id", id, "error", ev.Err)
		if h.OnPlayBlocked != nil {
			h.OnPlayBlocked(id, ev.Err)
		}

	default:
		e.mu.Unlock()
	}
}

func knownDuration(d float64) bool {
	return d > 0 && !math.IsNaN(d) && !math.IsInf(d, 0)
}

func sanitizeDuration(d float64) float64 {
	if !knownDuration(d) {
		return 0
	}
	return d
}

func percentOf(ct, dur float64) float64 {
	if !knownDuration(dur) {
		return 0
	}
	return math.Max(0, math.Min(ct/dur*100, 100))
}

// queued is either an element event or a Sync barrier.
type queued struct {
	ev      Event
	barrier chan struct{}
}

// eventQueue is an unbounded FIFO so element goroutines never block on handlers.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []queued
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(it queued) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, it)
	q.cond.Signal()
	return true
}

func (q *eventQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return queued{}, false
	}
	it := q.items[0]
	q.items[0] = queued{}
	q.items = q.items[1:]
	return it, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
