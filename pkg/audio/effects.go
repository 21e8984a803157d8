package audio

import (
	"math"
	"time"

	"github.com/gopxl/beep/v2"
)

// SmoothVolume implements a Streamer that allows for smooth volume changes and fading.
//
// Thread Safety:
// SmoothVolume is NOT internally synchronized. When used with an Output, all
// methods (Stream, SetTargetVolume, FadeTo, FadeIn) must be called while holding
// the output lock, since the output streams from its own goroutine.
type SmoothVolume struct {
	Streamer beep.Streamer

	// targetVolume is the baseline volume (the user setting) 0.0 to 1.0.
	targetVolume float64
	// fadeLevel is the multiplier for fade-in/out effects (0.0 to 1.0).
	fadeLevel float64

	// currentGain is the actual multiplier being applied to the samples.
	currentGain float64

	// step is the amount gain changes per sample to reach (targetVolume * fadeLevel).
	step float64
}

// NewSmoothVolume creates a new SmoothVolume streamer.
func NewSmoothVolume(s beep.Streamer, initialVol float64) *SmoothVolume {
	return &SmoothVolume{
		Streamer:     s,
		targetVolume: initialVol,
		fadeLevel:    1.0,
		currentGain:  initialVol,
	}
}

// Stream applies the current gain and transitions towards the target gain.
func (s *SmoothVolume) Stream(samples [][2]float64) (n int, ok bool) {
	n, ok = s.Streamer.Stream(samples)

	targetGain := s.targetVolume * s.fadeLevel

	for i := 0; i < n; i++ {
		if s.currentGain != targetGain {
			if s.step == 0 {
				s.currentGain = targetGain
			} else if s.currentGain < targetGain {
				s.currentGain = math.Min(s.currentGain+s.step, targetGain)
			} else {
				s.currentGain = math.Max(s.currentGain-s.step, targetGain)
			}
		}

		samples[i][0] *= s.currentGain
		samples[i][1] *= s.currentGain
	}

	return n, ok
}

func (s *SmoothVolume) Err() error {
	return s.Streamer.Err()
}

// Gain returns the multiplier currently applied.
func (s *SmoothVolume) Gain() float64 {
	return s.currentGain
}

// SetTargetVolume updates the baseline volume level.
func (s *SmoothVolume) SetTargetVolume(vol, sampleRate float64, duration time.Duration) {
	s.targetVolume = math.Max(0, math.Min(vol, 1))
	s.updateStep(sampleRate, duration)
}

// FadeTo updates the fade level.
func (s *SmoothVolume) FadeTo(level, sampleRate float64, duration time.Duration) {
	s.fadeLevel = math.Max(0, math.Min(level, 1))
	s.updateStep(sampleRate, duration)
}

// FadeIn restarts from silence and ramps to the target over duration.
func (s *SmoothVolume) FadeIn(sampleRate float64, duration time.Duration) {
	s.currentGain = 0
	s.fadeLevel = 1
	s.updateStep(sampleRate, duration)
}

func (s *SmoothVolume) updateStep(sampleRate float64, duration time.Duration) {
	if duration <= 0 {
		s.step = 1.0 // jump on the next Stream call
		return
	}
	numSamples := sampleRate * duration.Seconds()
	targetGain := s.targetVolume * s.fadeLevel
	diff := math.Abs(targetGain - s.currentGain)
	if diff == 0 {
		s.step = 0
		return
	}
	s.step = diff / numSamples
}
