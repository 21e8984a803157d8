// Package deeplink reconciles a stop named in the launch URL with saved resume
// positions and the autoplay policy. It runs once per process.
package deeplink

import (
	"log/slog"
	"net/url"
	"sync"
	"time"

	"tourplayer/pkg/model"
)

// Target is the player surface the coordinator drives.
type Target interface {
	Tour() *model.Tour
	SelectStop(id string) bool
	MarkStarted()
	SetAllowAutoPlay(allow bool)
	SavedPosition(stopID string) float64
	PendingSeek() *PendingSeek
	ClearResumeIntent()
	RequestScroll(stopID string)
}

// Outcome describes what a Run did.
type Outcome int

const (
	// OutcomeWaiting means no tour was available yet; Run may be called again.
	OutcomeWaiting Outcome = iota
	OutcomeNoTarget
	OutcomeInvalid
	OutcomeNavigated
	OutcomeAlreadyProcessed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWaiting:
		return "waiting"
	case OutcomeNoTarget:
		return "no_target"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeNavigated:
		return "navigated"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

// Coordinator handles the launch URL exactly once.
type Coordinator struct {
	param       string
	scrollDelay time.Duration

	mu        sync.Mutex
	processed bool
	stopID    string
	scroll    *time.Timer
}

// NewCoordinator creates a coordinator reading the stop id from the query
// parameter param. The scroll request is delayed by scrollDelay so layout can settle.
func NewCoordinator(param string, scrollDelay time.Duration) *Coordinator {
	if param == "" {
		param = "stop"
	}
	return &Coordinator{param: param, scrollDelay: scrollDelay}
}

// Processed reports whether the launch URL has been handled.
func (c *Coordinator) Processed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

// StopID returns the stop navigated to, if any.
func (c *Coordinator) StopID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopID
}

// Run handles rawURL against t. Only the first call that finds a tour has any
// effect; later calls, with any URL, return OutcomeAlreadyProcessed.
func (c *Coordinator) Run(t Target, rawURL string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.processed {
		return OutcomeAlreadyProcessed
	}
	if t == nil || t.Tour() == nil {
		return OutcomeWaiting
	}
	c.processed = true

	stopID := c.stopParam(rawURL)
	if stopID == "" {
		return OutcomeNoTarget
	}

	tour := t.Tour()
	if tour.AudioStop(stopID) == nil {
		slog.Warn("DeepLink: ignoring link to unknown or non-audio stop", "tour", tour.ID, "stop", stopID)
		return OutcomeInvalid
	}

	t.SetAllowAutoPlay(true)
	if pos := t.SavedPosition(stopID); pos > 0 {
		t.PendingSeek().Set(stopID, pos)
	} else {
		t.PendingSeek().Clear()
		t.ClearResumeIntent()
	}
	t.SelectStop(stopID)
	t.MarkStarted()

	c.stopID = stopID
	c.scroll = time.AfterFunc(c.scrollDelay, func() {
		t.RequestScroll(stopID)
	})

	slog.Info("DeepLink: navigated to stop", "tour", tour.ID, "stop", stopID)
	return OutcomeNavigated
}

func (c *Coordinator) stopParam(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		slog.Warn("DeepLink: unparsable launch url", "url", rawURL, "error", err)
		return ""
	}
	return u.Query().Get(c.param)
}

// Close cancels a scroll request that has not fired yet.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scroll != nil {
		c.scroll.Stop()
		c.scroll = nil
	}
}
