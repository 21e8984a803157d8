// Package model defines the tour, stop and progress types shared by the playback core.
package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StopType is the discriminator of the Stop union.
type StopType string

const (
	StopTypeAudio   StopType = "audio"
	StopTypeText    StopType = "text"
	StopTypeImage   StopType = "image"
	StopTypeVideo   StopType = "video"
	StopTypeModel3D StopType = "model3d"
	StopTypeEmbed   StopType = "embed"
	StopTypeQuiz    StopType = "quiz"
)

// Stop is one entry of a tour feed. Only *AudioStop participates in playback.
type Stop interface {
	StopID() string
	Kind() StopType
}

// AudioStop is a narrated stop.
type AudioStop struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	Duration  string `json:"duration" yaml:"duration"` // "M:SS mins" or legacy "N mins"
	AudioFile string `json:"audioFile" yaml:"audioFile"`
	Image     string `json:"image,omitempty" yaml:"image,omitempty"`
}

func (s *AudioStop) StopID() string { return s.ID }
func (s *AudioStop) Kind() StopType { return StopTypeAudio }

// Seconds returns the parsed duration, or 0 when the string is unparsable.
func (s *AudioStop) Seconds() int {
	secs, _ := ParseDuration(s.Duration)
	return secs
}

// MarshalJSON adds the type discriminator.
func (s *AudioStop) MarshalJSON() ([]byte, error) {
	type plain AudioStop
	return json.Marshal(struct {
		Type StopType `json:"type"`
		*plain
	}{StopTypeAudio, (*plain)(s)})
}

// ContentStop carries any non-audio stop. Its payload is kept verbatim for the UI.
type ContentStop struct {
	ID    string          `json:"id"`
	Type  StopType        `json:"type"`
	Title string          `json:"title,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

func (s *ContentStop) StopID() string { return s.ID }
func (s *ContentStop) Kind() StopType { return s.Type }

// MarshalJSON returns the original payload when available.
func (s *ContentStop) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	type plain ContentStop
	return json.Marshal((*plain)(s))
}

// Stops is an ordered stop list decoded through the "type" discriminator.
type Stops []Stop

type stopHeader struct {
	ID    string   `json:"id" yaml:"id"`
	Type  StopType `json:"type" yaml:"type"`
	Title string   `json:"title" yaml:"title"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Stops) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Stops, 0, len(raws))
	for i, raw := range raws {
		stop, err := decodeStopJSON(raw)
		if err != nil {
			return fmt.Errorf("stop %d: %w", i, err)
		}
		out = append(out, stop)
	}
	*s = out
	return nil
}

func decodeStopJSON(raw json.RawMessage) (Stop, error) {
	var h stopHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	if h.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if h.Type == StopTypeAudio {
		var a AudioStop
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return &a, nil
	}
	if h.Type == "" {
		return nil, fmt.Errorf("stop %q: missing type", h.ID)
	}
	return &ContentStop{ID: h.ID, Type: h.Type, Title: h.Title, Raw: append(json.RawMessage(nil), raw...)}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Stops) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("stops: expected a sequence")
	}
	out := make(Stops, 0, len(value.Content))
	for i, node := range value.Content {
		var h stopHeader
		if err := node.Decode(&h); err != nil {
			return fmt.Errorf("stop %d: %w", i, err)
		}
		if h.ID == "" {
			return fmt.Errorf("stop %d: missing id", i)
		}
		switch h.Type {
		case StopTypeAudio:
			var a AudioStop
			if err := node.Decode(&a); err != nil {
				return fmt.Errorf("stop %d: %w", i, err)
			}
			out = append(out, &a)
		case "":
			return fmt.Errorf("stop %q: missing type", h.ID)
		default:
			var payload map[string]any
			if err := node.Decode(&payload); err != nil {
				return fmt.Errorf("stop %d: %w", i, err)
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("stop %d: %w", i, err)
			}
			out = append(out, &ContentStop{ID: h.ID, Type: h.Type, Title: h.Title, Raw: raw})
		}
	}
	*s = out
	return nil
}

// Tour is loaded once per (tour id, language) and is read-only afterwards.
type Tour struct {
	ID              string `json:"id" yaml:"id"`
	Language        string `json:"language" yaml:"language"`
	Title           string `json:"title" yaml:"title"`
	TransitionAudio string `json:"transitionAudio,omitempty" yaml:"transitionAudio,omitempty"`
	Stops           Stops  `json:"stops" yaml:"stops"`
}

// Validate rejects tours the core cannot navigate.
func (t *Tour) Validate() error {
	seen := make(map[string]struct{}, len(t.Stops))
	for _, s := range t.Stops {
		if _, dup := seen[s.StopID()]; dup {
			return fmt.Errorf("duplicate stop id %q", s.StopID())
		}
		seen[s.StopID()] = struct{}{}
	}
	return nil
}

// Stop returns the stop with the given id, or nil.
func (t *Tour) Stop(id string) Stop {
	if t == nil {
		return nil
	}
	for _, s := range t.Stops {
		if s.StopID() == id {
			return s
		}
	}
	return nil
}

// AudioStop returns the audio stop with the given id, or nil if absent or not audio.
func (t *Tour) AudioStop(id string) *AudioStop {
	a, _ := t.Stop(id).(*AudioStop)
	return a
}

// AudioStops returns the audio stops in tour order.
func (t *Tour) AudioStops() []*AudioStop {
	if t == nil {
		return nil
	}
	var out []*AudioStop
	for _, s := range t.Stops {
		if a, ok := s.(*AudioStop); ok {
			out = append(out, a)
		}
	}
	return out
}

// FirstAudio returns the first audio stop, or nil.
func (t *Tour) FirstAudio() *AudioStop {
	stops := t.AudioStops()
	if len(stops) == 0 {
		return nil
	}
	return stops[0]
}

// NextAudio returns the nearest audio stop after id, skipping other stop types.
func (t *Tour) NextAudio(id string) *AudioStop {
	idx := t.index(id)
	if idx < 0 {
		return nil
	}
	for _, s := range t.Stops[idx+1:] {
		if a, ok := s.(*AudioStop); ok {
			return a
		}
	}
	return nil
}

// PrevAudio returns the nearest audio stop before id, skipping other stop types.
func (t *Tour) PrevAudio(id string) *AudioStop {
	idx := t.index(id)
	for i := idx - 1; i >= 0; i-- {
		if a, ok := t.Stops[i].(*AudioStop); ok {
			return a
		}
	}
	return nil
}

func (t *Tour) index(id string) int {
	if t == nil {
		return -1
	}
	for i, s := range t.Stops {
		if s.StopID() == id {
			return i
		}
	}
	return -1
}

// LanguageInfo is one language a tour is available in.
type LanguageInfo struct {
	Code string `json:"code"` // BCP 47, e.g. "de"
	Name string `json:"name"` // English name, e.g. "German"
}
