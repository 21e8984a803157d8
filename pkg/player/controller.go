// Package player composes one tour session: the navigation machine drives the
// shared audio engine, engine events feed progress and navigation back, and the
// preloader and media session follow the current stop.
package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tourplayer/pkg/audio"
	"tourplayer/pkg/config"
	"tourplayer/pkg/deeplink"
	"tourplayer/pkg/logging"
	"tourplayer/pkg/mediasession"
	"tourplayer/pkg/model"
	"tourplayer/pkg/navigation"
	"tourplayer/pkg/preload"
	"tourplayer/pkg/progress"
	"tourplayer/pkg/store"
)

// transitionSourceID tags the filler clip in the engine so its events are never
// mistaken for a stop's.
const transitionSourceID = "#transition"

// NoticeType classifies controller notifications.
type NoticeType string

const (
	NoticeState       NoticeType = "state"
	NoticeProgress    NoticeType = "progress"
	NoticeScroll      NoticeType = "scroll"
	NoticePlayBlocked NoticeType = "play_blocked"
)

// Notice tells listeners that something observable changed. Listeners read the
// details through Snapshot.
type Notice struct {
	Type   NoticeType `json:"type"`
	StopID string     `json:"stopId,omitempty"`
}

// NoticeListener receives notices. It may be called from any goroutine.
type NoticeListener func(Notice)

// Deps are the process-wide collaborators of a Controller.
type Deps struct {
	Engine    *audio.Engine
	Config    config.Provider
	Progress  store.ProgressStore
	Prefs     store.PreferenceStore
	Preloader *preload.Preloader   // optional
	Bridge    *mediasession.Bridge // optional
}

// Snapshot is the UI view of a session.
type Snapshot struct {
	TourID      string              `json:"tourId"`
	State       model.PlaybackState `json:"state"`
	Phase       model.Phase         `json:"phase"`
	CurrentTime float64             `json:"currentTime"`
	Duration    float64             `json:"duration"`
	Percent     int                 `json:"percent"`
	Minutes     progress.Minutes    `json:"minutes"`
	Started     bool                `json:"started"`
	Finished    bool                `json:"finished"`
	PlayBlocked bool                `json:"playBlocked"`
	StartLabel  string              `json:"startLabel"`
	Unavailable []string            `json:"unavailable,omitempty"`
	Volume      float64             `json:"volume"`
}

// Controller owns one active tour session.
type Controller struct {
	tour     *model.Tour
	engine   *audio.Engine
	machine  *navigation.Machine
	progress *progress.Store
	prefs    store.PreferenceStore
	preload  *preload.Preloader
	bridge   *mediasession.Bridge
	pending  deeplink.PendingSeek

	applyMu sync.Mutex // serializes machine → engine propagation

	mu             sync.Mutex
	listeners      []NoticeListener
	started        bool
	playBlocked    bool
	liveID         string
	livePercent    float64
	unavailable    map[string]struct{}
	lastStarted    string
	finishedLogged bool
	closed         bool
}

// New builds a controller for tour, hydrates its progress and takes over the
// engine. The engine is left idle until the first selection.
func New(ctx context.Context, tour *model.Tour, deps Deps) *Controller {
	cfg := deps.Config
	debounce := time.Duration(cfg.AppConfig().Progress.FlushDebounce)

	c := &Controller{
		tour:        tour,
		engine:      deps.Engine,
		progress:    progress.New(tour.ID, deps.Progress, debounce),
		prefs:       deps.Prefs,
		preload:     deps.Preloader,
		bridge:      deps.Bridge,
		unavailable: make(map[string]struct{}),
	}
	c.machine = navigation.New(tour, navigation.Timings{
		SwitchDelay:        cfg.SwitchDelay(ctx),
		AdvanceFlash:       cfg.AdvanceFlash(ctx),
		CompletionDelay:    cfg.CompletionDelay(ctx),
		TransitionWatchdog: cfg.TransitionWatchdog(ctx),
	}, cfg.AllowAutoPlay(ctx))
	c.progress.Hydrate(ctx)

	c.engine.SetHandlers(c.handlers())
	c.engine.SetPlaying(false)
	c.engine.SetSource("", "")
	if c.bridge != nil {
		c.bridge.Reset()
		c.bridge.SetActions(c.actions())
	}
	if c.preload != nil {
		c.preload.Update(tour, "")
	}
	c.machine.OnChange(func(model.PlaybackState) { c.apply() })

	slog.Info("Player: session ready", "tour", tour.ID, "stops", len(tour.Stops), "autoplay", c.machine.AllowAutoPlay())
	return c
}

// Tour returns the session's tour.
func (c *Controller) Tour() *model.Tour { return c.tour }

// State returns the navigation state.
func (c *Controller) State() model.PlaybackState { return c.machine.State() }

// Progress returns the session's progress store.
func (c *Controller) Progress() *progress.Store { return c.progress }

// OnNotice registers a listener.
func (c *Controller) OnNotice(l NoticeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Controller) notify(n Notice) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	listeners := append([]NoticeListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(n)
	}
}

// apply pushes the latest machine state into the engine and its followers.
func (c *Controller) apply() {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	st := c.machine.State()
	src := c.machine.Source()
	engineID := st.CurrentStopID
	if st.IsTransitioning {
		engineID = transitionSourceID
	}

	c.engine.SetSource(engineID, src)
	if dur := c.engine.Duration(); dur > 0 {
		c.pending.Apply(engineID, dur, c.engine.Seek)
	}
	c.engine.SetPlaying(shouldPlay(st) && src != "")

	if c.preload != nil {
		c.preload.Update(c.tour, st.CurrentStopID)
	}
	stop := c.tour.AudioStop(st.CurrentStopID)
	if c.bridge != nil {
		c.bridge.StopChanged(c.tour, stop)
	}

	c.logTransitions(st, stop)
	c.notify(Notice{Type: NoticeState, StopID: st.CurrentStopID})
}

// shouldPlay reports whether the engine should be audible. A finished stop
// waiting out its completion delay stays silent; the filler plays.
func shouldPlay(st model.PlaybackState) bool {
	if !st.IsPlaying || st.IsSwitchingTracks {
		return false
	}
	return st.IsTransitioning || !st.IsAudioCompleting
}

func (c *Controller) logTransitions(st model.PlaybackState, stop *model.AudioStop) {
	finished := c.machine.Finished()

	c.mu.Lock()
	startedStop := stop != nil && st.CurrentStopID != c.lastStarted
	c.lastStarted = st.CurrentStopID
	if c.liveID != st.CurrentStopID {
		c.liveID = ""
		c.livePercent = 0
	}
	logFinish := finished && !c.finishedLogged
	c.finishedLogged = finished
	c.mu.Unlock()

	if startedStop {
		slog.Info("Player: stop started", "tour", c.tour.ID, "stop", stop.ID, "title", stop.Title)
		c.logEvent(model.EventStopStarted, stop.ID, stop.Title)
	}
	if logFinish {
		slog.Info("Player: tour finished", "tour", c.tour.ID)
		c.logEvent(model.EventTourFinished, "", c.tour.Title)
	}
}

func (c *Controller) logEvent(kind model.PlaybackEventType, stopID, title string) {
	logging.LogEvent(&model.PlaybackEvent{
		Timestamp: time.Now(),
		Type:      kind,
		TourID:    c.tour.ID,
		StopID:    stopID,
		Title:     title,
	})
}

func (c *Controller) handlers() audio.Handlers {
	return audio.Handlers{
		OnProgress:    c.onProgress,
		OnReady:       c.onReady,
		OnEnded:       c.onEnded,
		OnPlay:        c.onPlay,
		OnPause:       c.onPause,
		OnPlayBlocked: c.onPlayBlocked,
		OnLoadError:   c.onLoadError,
	}
}

func (c *Controller) onProgress(p audio.Progress) {
	st := c.machine.State()
	if p.ID != st.CurrentStopID || st.IsTransitioning {
		return
	}
	c.progress.UpdatePosition(p.ID, p.CurrentTime)
	c.progress.UpdateMaxProgress(p.ID, p.Percent)

	c.mu.Lock()
	c.liveID = p.ID
	c.livePercent = p.Percent
	c.mu.Unlock()
	c.notify(Notice{Type: NoticeProgress, StopID: p.ID})
}

func (c *Controller) onReady(id string, duration float64) {
	c.pending.Apply(id, duration, c.engine.Seek)
}

func (c *Controller) onEnded(id string) {
	st := c.machine.State()
	switch {
	case id == transitionSourceID && st.IsTransitioning:
	case id == st.CurrentStopID && !st.IsTransitioning:
		c.progress.MarkCompleted(id)
		c.mu.Lock()
		c.liveID = ""
		c.livePercent = 0
		c.mu.Unlock()
		if stop := c.tour.AudioStop(id); stop != nil {
			c.logEvent(model.EventStopCompleted, id, stop.Title)
		}
	default:
		slog.Debug("Player: ignoring ended of inactive source", "id", id, "current", st.CurrentStopID)
		return
	}
	if c.bridge != nil {
		c.bridge.NativeEnded()
	}
	c.machine.OnTrackEnded()
}

func (c *Controller) onPlay(string) {
	c.mu.Lock()
	c.playBlocked = false
	c.mu.Unlock()
	if c.bridge != nil {
		c.bridge.NativePlay()
	}
}

func (c *Controller) onPause(string) {
	if c.bridge != nil {
		c.bridge.NativePause()
	}
}

func (c *Controller) onPlayBlocked(id string, err error) {
	c.mu.Lock()
	c.playBlocked = true
	c.mu.Unlock()
	slog.Info("Player: playback needs a user gesture", "id", id, "error", err)
	c.machine.SetPlaying(false)
	c.notify(Notice{Type: NoticePlayBlocked, StopID: id})
}

func (c *Controller) onLoadError(id string, err error) {
	if id == transitionSourceID {
		slog.Warn("Player: transition audio unavailable, skipping it", "error", err)
		c.machine.AdvanceToNext()
		return
	}
	c.mu.Lock()
	c.unavailable[id] = struct{}{}
	c.mu.Unlock()
	slog.Warn("Player: stop audio unavailable", "stop", id, "error", err)
	c.machine.SetPlaying(false)
	c.notify(Notice{Type: NoticeState, StopID: id})
}

func (c *Controller) actions() mediasession.Actions {
	return mediasession.Actions{
		Play:         func() { c.SetPlaying(true) },
		Pause:        func() { c.SetPlaying(false) },
		Next:         c.Next,
		Prev:         c.Prev,
		SeekForward:  c.SkipForward,
		SeekBackward: c.SkipBackward,
		SeekTo:       c.Seek,
	}
}

func (c *Controller) userAction() {
	c.mu.Lock()
	c.playBlocked = false
	c.mu.Unlock()
}

// TogglePlayPause flips play/pause of the current stop.
func (c *Controller) TogglePlayPause() {
	c.userAction()
	c.machine.TogglePlayPause()
}

// SetPlaying sets play/pause of the current stop.
func (c *Controller) SetPlaying(play bool) {
	c.userAction()
	c.machine.SetPlaying(play)
}

// SelectStop makes id current and plays it. A partially heard stop resumes at
// its saved position.
func (c *Controller) SelectStop(id string) bool {
	return c.selectStop(id, true)
}

func (c *Controller) selectStop(id string, play bool) bool {
	if c.tour.AudioStop(id) == nil {
		return false
	}
	c.userAction()
	if pos := c.progress.Position(id); pos > 0 && !c.progress.IsCompleted(id) {
		c.pending.Set(id, pos)
	} else {
		c.pending.Clear()
	}
	c.MarkStarted()
	return c.machine.Select(id, play)
}

// TogglePlayPauseForStop toggles the current stop or selects another one.
func (c *Controller) TogglePlayPauseForStop(id string) {
	if c.machine.State().CurrentStopID == id && id != "" {
		c.TogglePlayPause()
		return
	}
	c.SelectStop(id)
}

// Next moves to the following audio stop.
func (c *Controller) Next() {
	c.userAction()
	c.pending.Clear()
	c.machine.Next()
}

// Prev moves to the preceding audio stop.
func (c *Controller) Prev() {
	c.userAction()
	c.pending.Clear()
	c.machine.Prev()
}

// Seek moves the playhead of the current source.
func (c *Controller) Seek(seconds float64) { c.engine.Seek(seconds) }

// SkipForward skips ahead; seconds <= 0 uses the configured default.
func (c *Controller) SkipForward(seconds float64) { c.engine.SkipForward(seconds) }

// SkipBackward skips back; seconds <= 0 uses the configured default.
func (c *Controller) SkipBackward(seconds float64) { c.engine.SkipBackward(seconds) }

// StartTarget returns the stop Start would select: the first incomplete audio
// stop, or the first audio stop once everything is complete.
func (c *Controller) StartTarget() string {
	first := ""
	for _, s := range c.tour.Stops {
		a, ok := s.(*model.AudioStop)
		if !ok {
			continue
		}
		if first == "" {
			first = a.ID
		}
		if !c.progress.IsCompleted(a.ID) {
			return a.ID
		}
	}
	return first
}

// StartLabel is "Resume" once any progress exists, otherwise "Start".
func (c *Controller) StartLabel() string {
	if c.progress.HasAnyProgress() {
		return "Resume"
	}
	return "Start"
}

// Start begins or resumes the tour at StartTarget.
func (c *Controller) Start() bool {
	id := c.StartTarget()
	if id == "" {
		return false
	}
	slog.Info("Player: starting tour", "tour", c.tour.ID, "stop", id, "label", c.StartLabel())
	return c.SelectStop(id)
}

// RestartTour erases all progress and returns to idle.
func (c *Controller) RestartTour() {
	c.progress.ResetAll()
	c.pending.Clear()

	c.mu.Lock()
	c.started = false
	c.playBlocked = false
	c.liveID = ""
	c.livePercent = 0
	c.mu.Unlock()

	c.machine.Reset()
	slog.Info("Player: tour restarted", "tour", c.tour.ID)
	c.logEvent(model.EventTourReset, "", c.tour.Title)
}

// MarkStarted records that the listener has begun the tour.
func (c *Controller) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

// Started reports whether the tour has begun in this session.
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// SetAllowAutoPlay sets whether navigation starts playback on its own.
func (c *Controller) SetAllowAutoPlay(allow bool) {
	c.machine.SetAllowAutoPlay(allow)
}

// SavedPosition returns the stored position of id in seconds.
func (c *Controller) SavedPosition(id string) float64 {
	return c.progress.Position(id)
}

// PendingSeek returns the session's one-shot seek slot.
func (c *Controller) PendingSeek() *deeplink.PendingSeek {
	return &c.pending
}

// ClearResumeIntent drops any stored resume intent of the tour.
func (c *Controller) ClearResumeIntent() {
	if c.prefs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.prefs.DeletePreference(ctx, config.ResumeIntentKey(c.tour.ID)); err != nil {
		slog.Warn("Player: failed to clear resume intent", "tour", c.tour.ID, "error", err)
	}
}

// RequestScroll asks the UI to bring id into view.
func (c *Controller) RequestScroll(id string) {
	c.notify(Notice{Type: NoticeScroll, StopID: id})
}

// CaptureResumeIntent describes where playback is now.
func (c *Controller) CaptureResumeIntent() model.ResumeIntent {
	st := c.machine.State()
	intent := model.ResumeIntent{StopID: st.CurrentStopID, Playing: st.IsPlaying}
	if id, _ := c.engine.Source(); id == st.CurrentStopID && id != "" {
		intent.Position = c.engine.CurrentTime()
	}
	return intent
}

// ApplyResumeIntent restores a captured intent. It reports false when the stop
// is not an audio stop of this tour.
func (c *Controller) ApplyResumeIntent(intent model.ResumeIntent) bool {
	if c.tour.AudioStop(intent.StopID) == nil {
		return false
	}
	c.userAction()
	if intent.Position > 0 {
		c.pending.Set(intent.StopID, intent.Position)
	} else {
		c.pending.Clear()
	}
	c.MarkStarted()
	return c.machine.Select(intent.StopID, intent.Playing)
}

// Snapshot returns the UI view of the session.
func (c *Controller) Snapshot() Snapshot {
	st := c.machine.State()

	c.mu.Lock()
	live := 0.0
	if c.liveID == st.CurrentStopID {
		live = c.livePercent
	}
	started := c.started
	blocked := c.playBlocked
	var unavailable []string
	for _, s := range c.tour.Stops {
		if _, ok := c.unavailable[s.StopID()]; ok {
			unavailable = append(unavailable, s.StopID())
		}
	}
	c.mu.Unlock()

	snap := Snapshot{
		TourID:      c.tour.ID,
		State:       st,
		Phase:       st.Phase(),
		Percent:     c.progress.WeightedCompletionPercent(c.tour.Stops, st.CurrentStopID, live),
		Minutes:     c.progress.ConsumedMinutes(c.tour.Stops, st.CurrentStopID, live),
		Started:     started,
		Finished:    c.machine.Finished(),
		PlayBlocked: blocked,
		StartLabel:  c.StartLabel(),
		Unavailable: unavailable,
		Volume:      c.engine.Volume(),
	}
	if id, _ := c.engine.Source(); id == st.CurrentStopID && id != "" {
		snap.CurrentTime = c.engine.CurrentTime()
		snap.Duration = c.engine.Duration()
	}
	return snap
}

// Close stops the session: timers are cancelled, playback pauses and progress
// is flushed. The engine stays loaded for the next session to take over.
func (c *Controller) Close(ctx context.Context) {
	c.machine.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.applyMu.Lock()
	c.engine.SetHandlers(audio.Handlers{})
	c.engine.SetPlaying(false)
	if c.bridge != nil {
		c.bridge.SetActions(mediasession.Actions{})
	}
	c.applyMu.Unlock()

	c.progress.Close(ctx)
	slog.Debug("Player: session closed", "tour", c.tour.ID)
}
