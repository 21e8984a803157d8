package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourplayer/pkg/logging"
	"tourplayer/pkg/model"
)

func TestFormatLogLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "SortsAndFiltersParams",
			input: `time=2026-01-18T06:50:46.074+01:00 level=INFO msg="Player: stop started" tour=old-town stop=gate position="42 " session=5f0c1a3e-8f7d-4b8e-9a3c-1d2e3f4a5b6c`,
			want:  "06:50:46 Player: stop started (position=42, stop=gate, tour=old-town)",
		},
		{
			name:  "NoParams",
			input: `time=2026-01-18T06:50:46Z level=INFO msg="Tours: loaded"`,
			want:  "06:50:46 Tours: loaded",
		},
		{
			name:  "DropsSource",
			input: `time=2026-01-18T06:50:46Z level=DEBUG source=/src/engine.go:42 msg="Engine: seek" to=12`,
			want:  "06:50:46 Engine: seek (to=12)",
		},
		{
			name:  "NoMessage",
			input: `level=INFO tour=old-town`,
			want:  `level=INFO tour=old-town`,
		},
		{
			name:  "Unstructured",
			input: "plain text line",
			want:  "plain text line",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatLogLine(tt.input))
		})
	}
}

func TestHandleRecentEvents(t *testing.T) {
	for _, stop := range []string{"gate", "tower"} {
		logging.LogEvent(&model.PlaybackEvent{
			Timestamp: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
			Type:      model.EventStopStarted,
			TourID:    "events-test",
			StopID:    stop,
		})
	}

	rec := httptest.NewRecorder()
	handleRecentEvents(rec, httptest.NewRequest(http.MethodGet, "/api/log/events", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []string `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	var ours []string
	for _, e := range body.Events {
		if strings.Contains(e, "events-test/") {
			ours = append(ours, e)
		}
	}
	assert.Equal(t, []string{
		"[2026-03-01 10:30:00] [stop_started] events-test/tower",
		"[2026-03-01 10:30:00] [stop_started] events-test/gate",
	}, ours, "newest first")
}
