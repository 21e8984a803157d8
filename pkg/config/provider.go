package config

import (
	"context"
	"strconv"
	"time"

	"tourplayer/pkg/store"
)

// Provider defines the interface for accessing unified configuration.
type Provider interface {
	// Player
	AllowAutoPlay(ctx context.Context) bool
	Volume(ctx context.Context) float64
	SkipSeconds(ctx context.Context) float64
	Language(ctx context.Context) string

	// Navigation timings
	SwitchDelay(ctx context.Context) time.Duration
	AdvanceFlash(ctx context.Context) time.Duration
	CompletionDelay(ctx context.Context) time.Duration
	TransitionWatchdog(ctx context.Context) time.Duration

	// Raw access (for components that need deep access)
	AppConfig() *Config
}

// UnifiedProvider implements Provider by bridging static Config and persisted preferences.
type UnifiedProvider struct {
	base  *Config
	store store.PreferenceStore
}

// NewProvider creates a new UnifiedProvider.
func NewProvider(base *Config, st store.PreferenceStore) *UnifiedProvider {
	return &UnifiedProvider{
		base:  base,
		store: st,
	}
}

func (p *UnifiedProvider) AppConfig() *Config { return p.base }

// --- Implementations ---

func (p *UnifiedProvider) AllowAutoPlay(ctx context.Context) bool {
	return p.getBool(ctx, KeyAllowAutoPlay, p.base.Player.AllowAutoPlay)
}

func (p *UnifiedProvider) Volume(ctx context.Context) float64 {
	v := p.getFloat64(ctx, KeyVolume, p.base.Player.Volume)
	if v < 0 || v > 1 {
		return p.base.Player.Volume
	}
	return v
}

func (p *UnifiedProvider) SkipSeconds(ctx context.Context) float64 {
	s := p.getFloat64(ctx, KeySkipSeconds, p.base.Player.SkipSeconds)
	if s <= 0 {
		return 15
	}
	return s
}

func (p *UnifiedProvider) Language(ctx context.Context) string {
	return p.getString(ctx, KeyLanguage, p.base.Tours.DefaultLanguage)
}

func (p *UnifiedProvider) SwitchDelay(ctx context.Context) time.Duration {
	return time.Duration(p.base.Navigation.SwitchDelay)
}

func (p *UnifiedProvider) AdvanceFlash(ctx context.Context) time.Duration {
	return time.Duration(p.base.Navigation.AdvanceFlash)
}

func (p *UnifiedProvider) CompletionDelay(ctx context.Context) time.Duration {
	return time.Duration(p.base.Navigation.CompletionDelay)
}

func (p *UnifiedProvider) TransitionWatchdog(ctx context.Context) time.Duration {
	return time.Duration(p.base.Navigation.TransitionWatchdog)
}

// --- Helpers ---

func (p *UnifiedProvider) getString(ctx context.Context, key, fallback string) string {
	if p.store != nil {
		if val, ok := p.store.GetPreference(ctx, key); ok && val != "" {
			return val
		}
	}
	return fallback
}

func (p *UnifiedProvider) getFloat64(ctx context.Context, key string, fallback float64) float64 {
	if p.store != nil {
		if val, ok := p.store.GetPreference(ctx, key); ok && val != "" {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				return f
			}
		}
	}
	return fallback
}

func (p *UnifiedProvider) getBool(ctx context.Context, key string, fallback bool) bool {
	if p.store != nil {
		if val, ok := p.store.GetPreference(ctx, key); ok && val != "" {
			return val == "true"
		}
	}
	return fallback
}
