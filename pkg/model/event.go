package model

import "time"

// PlaybackEventType classifies entries of the playback event log.
type PlaybackEventType string

const (
	EventStopStarted   PlaybackEventType = "stop_started"
	EventStopCompleted PlaybackEventType = "stop_completed"
	EventTourFinished  PlaybackEventType = "tour_finished"
	EventTourReset     PlaybackEventType = "tour_reset"
	EventDeepLink      PlaybackEventType = "deep_link"
)

// PlaybackEvent is one line of the human-readable playback history.
type PlaybackEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      PlaybackEventType `json:"type"`
	TourID    string            `json:"tourId"`
	StopID    string            `json:"stopId,omitempty"`
	Title     string            `json:"title"`
}
