package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeProvider(t *testing.T) {
	tests := map[string]string{
		"www.tours.example.org": "tours.example.org",
		"CDN.Example.org":       "cdn.example.org",
		"127.0.0.1:8080":        "127.0.0.1:8080",
		"":                      "",
	}
	for host, want := range tests {
		assert.Equal(t, want, normalizeProvider(host), host)
	}
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", contentTypeFor("stops/Gate.MP3"))
	assert.Equal(t, "audio/wav", contentTypeFor("gate.wav"))
	assert.Equal(t, "audio/mp4", contentTypeFor("gate.m4a"))
	assert.Equal(t, "", contentTypeFor("README"))
}
