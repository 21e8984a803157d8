package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	DB           DBConfig           `yaml:"db"`
	Server       ServerConfig       `yaml:"server"`
	Request      RequestConfig      `yaml:"request"`
	Tours        ToursConfig        `yaml:"tours"`
	Player       PlayerConfig       `yaml:"player"`
	Navigation   NavigationConfig   `yaml:"navigation"`
	Progress     ProgressConfig     `yaml:"progress"`
	DeepLink     DeepLinkConfig     `yaml:"deeplink"`
	Preload      PreloadConfig      `yaml:"preload"`
	MediaSession MediaSessionConfig `yaml:"media_session"`
}

// RequestConfig holds HTTP request settings for asset fetching.
type RequestConfig struct {
	Retries int           `yaml:"retries" env:"TOURPLAYER_REQUEST_RETRIES"`
	Timeout Duration      `yaml:"timeout" env:"TOURPLAYER_REQUEST_TIMEOUT"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// ToursConfig holds settings for the tour data provider.
type ToursConfig struct {
	Dir             string `yaml:"dir" env:"TOURPLAYER_TOURS_DIR"`
	DefaultLanguage string `yaml:"default_language" env:"TOURPLAYER_DEFAULT_LANGUAGE"`
	Watch           bool   `yaml:"watch" env:"TOURPLAYER_TOURS_WATCH"`
}

// PlayerConfig holds audio engine settings.
type PlayerConfig struct {
	AllowAutoPlay      bool     `yaml:"allow_autoplay" env:"TOURPLAYER_AUTOPLAY"`
	SkipSeconds        float64  `yaml:"skip_seconds"`
	Volume             float64  `yaml:"volume" env:"TOURPLAYER_VOLUME"`
	FadeIn             Duration `yaml:"fade_in"`
	TimeUpdateInterval Duration `yaml:"time_update_interval"`
	SampleRate         int      `yaml:"sample_rate"`
}

// NavigationConfig holds the product-tuned timings of the navigation state machine.
type NavigationConfig struct {
	SwitchDelay        Duration `yaml:"switch_delay"`
	AdvanceFlash       Duration `yaml:"advance_flash"`
	CompletionDelay    Duration `yaml:"completion_delay"`
	TransitionWatchdog Duration `yaml:"transition_watchdog"`
}

// ProgressConfig holds progress persistence settings.
type ProgressConfig struct {
	FlushDebounce Duration `yaml:"flush_debounce"`
}

// DeepLinkConfig holds deep-link coordinator settings.
type DeepLinkConfig struct {
	StopParam   string   `yaml:"stop_param"`
	ScrollDelay Duration `yaml:"scroll_delay"`
}

// PreloadConfig holds asset prefetch settings.
type PreloadConfig struct {
	Lookahead  int      `yaml:"lookahead"`
	SweepDelay Duration `yaml:"sweep_delay"`
	AssetTTL   Duration `yaml:"asset_ttl"`
}

// MediaSessionConfig holds OS media control settings.
type MediaSessionConfig struct {
	Enabled      bool     `yaml:"enabled" env:"TOURPLAYER_MEDIA_SESSION"`
	SyncInterval Duration `yaml:"sync_interval"`
	Album        string   `yaml:"album"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
	Events   LogSettings `yaml:"events"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path" env:"TOURPLAYER_DB_PATH"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address" env:"TOURPLAYER_ADDRESS"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
			Events: LogSettings{
				Path: "./logs/events.log",
			},
		},
		DB: DBConfig{
			Path: "./data/tourplayer.db",
		},
		Server: ServerConfig{
			Address: "localhost:1921",
		},
		Request: RequestConfig{
			Retries: 3,
			Timeout: Duration(60 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay: Duration(500 * time.Millisecond),
				MaxDelay:  Duration(30 * time.Second),
			},
		},
		Tours: ToursConfig{
			Dir:             "./tours",
			DefaultLanguage: "en",
			Watch:           true,
		},
		Player: PlayerConfig{
			AllowAutoPlay:      true,
			SkipSeconds:        15,
			Volume:             1.0,
			FadeIn:             Duration(250 * time.Millisecond),
			TimeUpdateInterval: Duration(250 * time.Millisecond),
			SampleRate:         48000,
		},
		Navigation: NavigationConfig{
			SwitchDelay:        Duration(300 * time.Millisecond),
			AdvanceFlash:       Duration(150 * time.Millisecond),
			CompletionDelay:    Duration(1500 * time.Millisecond),
			TransitionWatchdog: Duration(10 * time.Second),
		},
		Progress: ProgressConfig{
			FlushDebounce: Duration(500 * time.Millisecond),
		},
		DeepLink: DeepLinkConfig{
			StopParam:   "stop",
			ScrollDelay: Duration(600 * time.Millisecond),
		},
		Preload: PreloadConfig{
			Lookahead:  1,
			SweepDelay: Duration(5 * time.Second),
			AssetTTL:   Duration(30 * Day),
		},
		MediaSession: MediaSessionConfig{
			Enabled:      true,
			SyncInterval: Duration(1 * time.Second),
			Album:        "Audio Tour",
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// If the file exists, it merges defaults with existing values but does NOT save back to disk.
// Environment overrides (.env and TOURPLAYER_*) are applied last and never persisted.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	if err := ApplyEnv(cfg, filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}

	cfg.DB.Path = expandPath(cfg.DB.Path)
	cfg.Tours.Dir = expandPath(cfg.Tours.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the player.
func (c *Config) Validate() error {
	if _, err := language.Parse(c.Tours.DefaultLanguage); err != nil {
		return fmt.Errorf("invalid default_language '%s': %w", c.Tours.DefaultLanguage, err)
	}
	if c.Preload.Lookahead < 0 {
		return fmt.Errorf("invalid preload lookahead %d: must be >= 0", c.Preload.Lookahead)
	}
	if c.Player.Volume < 0 || c.Player.Volume > 1 {
		return fmt.Errorf("invalid volume %.2f: must be within [0, 1]", c.Player.Volume)
	}
	if c.DeepLink.StopParam == "" {
		return fmt.Errorf("deeplink stop_param must not be empty")
	}
	return nil
}

var winEnvVar = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)

// expandPath resolves $VAR, ${VAR} and %VAR% references.
func expandPath(p string) string {
	p = winEnvVar.ReplaceAllStringFunc(p, func(m string) string {
		return os.Getenv(strings.Trim(m, "%"))
	})
	return os.ExpandEnv(p)
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Tourplayer Configuration
# ------------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)
# Environment overrides: TOURPLAYER_* (also read from .env next to this file)

`)
	data = append(header, data...)

	reWatchdog := regexp.MustCompile(`(?m)^(\s+)transition_watchdog:`)
	data = reWatchdog.ReplaceAll(data, []byte("${1}# Force-advance if the transition audio never reports its end\n${1}transition_watchdog:"))

	reLookahead := regexp.MustCompile(`(?m)^(\s+)lookahead:`)
	data = reLookahead.ReplaceAll(data, []byte("${1}# Number of upcoming audio stops to prefetch\n${1}lookahead:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}
