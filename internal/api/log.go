package api

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"tourplayer/pkg/logging"
)

// key=value or key="value with spaces"
var logPair = regexp.MustCompile(`([a-zA-Z0-9_\-.]+)=(?:"([^"]*)"|([^ ]+))`)

// maxParamLen drops long values (session ids, urls, errors) from the status line.
const maxParamLen = 20

// logLine is a server log record reduced to a one-line status.
type logLine struct {
	clock  string
	msg    string
	params []string
}

func (l logLine) String() string {
	out := l.msg
	if l.clock != "" {
		out = l.clock + " " + out
	}
	if len(l.params) > 0 {
		out += " (" + strings.Join(l.params, ", ") + ")"
	}
	return out
}

// parseLogLine reads a slog text record. ok is false when the line carries no msg.
func parseLogLine(raw string) (l logLine, ok bool) {
	for _, m := range logPair.FindAllStringSubmatch(raw, -1) {
		key, val := m[1], m[2]
		if val == "" {
			val = m[3]
		}
		val = strings.TrimSpace(val)

		switch key {
		case "time":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				l.clock = t.Format("15:04:05")
			}
		case "level", "source":
		case "msg":
			l.msg = val
		default:
			if len(val) <= maxParamLen {
				l.params = append(l.params, key+"="+val)
			}
		}
	}
	sort.Strings(l.params)
	return l, l.msg != ""
}

// formatLogLine renders "HH:MM:SS msg (k=v, ...)", or raw when it cannot be parsed.
func formatLogLine(raw string) string {
	l, ok := parseLogLine(raw)
	if !ok {
		return raw
	}
	return l.String()
}

// handleLatestLog returns the last captured server log line.
func handleLatestLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"log": formatLogLine(logging.GlobalLogCapture.GetLastLine()),
	})
}

// handleRecentEvents returns the latest playback history lines, newest first.
func handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	lines := logging.RecentEvents.Lines()
	if lines == nil {
		lines = []string{}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	writeJSON(w, http.StatusOK, map[string][]string{"events": lines})
}
