package config

// Persistent preference keys (Registry)
const (
	KeyAllowAutoPlay = "allow_autoplay"
	KeyVolume        = "volume"
	KeyLanguage      = "language"
	KeySkipSeconds   = "skip_seconds"

	// KeyResumeIntentPrefix is joined with a tour id; see ResumeIntentKey.
	KeyResumeIntentPrefix = "resume_intent/"
)

// ResumeIntentKey returns the preference key holding a tour's resume intent.
func ResumeIntentKey(tourID string) string {
	return KeyResumeIntentPrefix + tourID
}
