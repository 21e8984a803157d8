package model

// StopProgress is the persisted progress of one stop.
type StopProgress struct {
	IsCompleted          bool    `json:"isCompleted"`
	LastPosition         float64 `json:"lastPosition"`         // seconds
	MaxPercentageReached float64 `json:"maxPercentageReached"` // 0..100, never decreases
}

// IsZero reports whether the record carries no progress at all.
func (p StopProgress) IsZero() bool {
	return !p.IsCompleted && p.LastPosition == 0 && p.MaxPercentageReached == 0
}

// ResumeIntent is where playback should resume after the next load. Consumed once.
type ResumeIntent struct {
	StopID   string  `json:"stopId"`
	Position float64 `json:"position"`
	Playing  bool    `json:"playing"`
}

// PlaybackState is the in-memory session owned by the navigation state machine.
type PlaybackState struct {
	CurrentStopID     string `json:"currentStopId"`
	IsPlaying         bool   `json:"isPlaying"`
	IsTransitioning   bool   `json:"isTransitioning"`
	IsSwitchingTracks bool   `json:"isSwitchingTracks"`
	IsAudioCompleting bool   `json:"isAudioCompleting"`
}

// Phase names the coarse state of a PlaybackState.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhasePlaying       Phase = "playing"
	PhasePaused        Phase = "paused"
	PhaseTransitioning Phase = "transitioning"
)

// Phase derives the coarse state.
func (s PlaybackState) Phase() Phase {
	switch {
	case s.CurrentStopID == "":
		return PhaseIdle
	case s.IsTransitioning:
		return PhaseTransitioning
	case s.IsPlaying:
		return PhasePlaying
	default:
		return PhasePaused
	}
}
