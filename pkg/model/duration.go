package model

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	clockDuration  = regexp.MustCompile(`^(\d+):([0-5]\d)(?:\s*mins?)?$`)
	legacyDuration = regexp.MustCompile(`^(\d+)\s*mins?$`)
)

// ParseDuration parses "M:SS mins", "M:SS" or the legacy "N mins" into seconds.
func ParseDuration(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if m := clockDuration.FindStringSubmatch(s); m != nil {
		mins, err1 := strconv.Atoi(m[1])
		secs, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			return 0, false
		}
		return mins*60 + secs, true
	}
	if m := legacyDuration.FindStringSubmatch(s); m != nil {
		mins, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return mins * 60, true
	}
	return 0, false
}
