package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that also accepts days and weeks ("30d", "1w2d")
// in YAML and environment values.
type Duration time.Duration

// Common durations.
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler so env overrides accept "5s" or "2d".
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String renders whole days as "30d" and everything else like time.Duration.
func (d Duration) String() string {
	v := time.Duration(d)
	switch {
	case v == 0:
		return "0s"
	case v%Week == 0:
		return strconv.FormatInt(int64(v/Week), 10) + "w"
	case v%Day == 0:
		return strconv.FormatInt(int64(v/Day), 10) + "d"
	}
	return v.String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ParseDuration parses a duration string. Besides the units of
// time.ParseDuration it accepts d and w. Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	if !strings.ContainsAny(s, "dw") {
		return time.ParseDuration(s)
	}

	// Split off every d/w component; the rest goes to time.ParseDuration
	var total time.Duration
	var rest strings.Builder
	for s != "" {
		n := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
		if n <= 0 {
			return 0, fmt.Errorf("invalid duration format: %s", s)
		}
		num := s[:n]
		u := strings.IndexFunc(s[n:], func(r rune) bool { return (r >= '0' && r <= '9') || r == '.' })
		if u < 0 {
			u = len(s) - n
		}
		unit := s[n : n+u]
		s = s[n+u:]

		var base time.Duration
		switch unit {
		case "d":
			base = Day
		case "w":
			base = Week
		default:
			rest.WriteString(num + unit)
			continue
		}
		val, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in duration: %s", num)
		}
		total += time.Duration(val * float64(base))
	}

	if rest.Len() > 0 {
		d, err := time.ParseDuration(rest.String())
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}
