package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"twinklysync/internal/effects"
	"twinklysync/internal/render"
)

type Config struct {
	CachePath string        `mapstructure:"cache_path"`
	Tick      time.Duration `mapstructure:"tick"`

	Render    RenderConfig    `mapstructure:"render"`
	Effect    EffectConfig    `mapstructure:"effect"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
}

type RenderConfig struct {
	Mode               string        `mapstructure:"mode"`
	ForcedColor        string        `mapstructure:"forced_color"`
	StartMode          string        `mapstructure:"start_mode"`
	XScale             int           `mapstructure:"x_scale"`
	YScale             int           `mapstructure:"y_scale"`
	FPSLimit           int           `mapstructure:"fps_limit"`
	Keepalive          time.Duration `mapstructure:"keepalive"`
	IdleOff            time.Duration `mapstructure:"idle_off"`
	ImmediatePause     bool          `mapstructure:"immediate_pause"`
	AutoReconnect      bool          `mapstructure:"auto_reconnect"`
	ForceOffOnShutdown bool          `mapstructure:"force_off_on_shutdown"`
	ShutdownFrame      bool          `mapstructure:"shutdown_frame"`
	ShutdownColor      string        `mapstructure:"shutdown_color"`
}

type EffectConfig struct {
	Name     string        `mapstructure:"name"`
	Color    string        `mapstructure:"color"`
	From     string        `mapstructure:"from"`
	To       string        `mapstructure:"to"`
	Period   time.Duration `mapstructure:"period"`
	Display  int           `mapstructure:"display"`
	Interval time.Duration `mapstructure:"interval"`
}

type DiscoveryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Every      time.Duration `mapstructure:"every"`
	DevicePort int           `mapstructure:"device_port"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads the config file at path on top of the built-in defaults.
// An empty path runs on defaults alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("TWINKLYSYNC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_path", "")
	v.SetDefault("tick", "20ms")

	v.SetDefault("render.mode", "canvas")
	v.SetDefault("render.forced_color", "#ffffff")
	v.SetDefault("render.start_mode", "on")
	v.SetDefault("render.x_scale", 1)
	v.SetDefault("render.y_scale", 1)
	v.SetDefault("render.fps_limit", 30)
	v.SetDefault("render.keepalive", "5s")
	v.SetDefault("render.idle_off", "5s")
	v.SetDefault("render.immediate_pause", false)
	v.SetDefault("render.auto_reconnect", true)
	v.SetDefault("render.force_off_on_shutdown", true)
	v.SetDefault("render.shutdown_frame", true)
	v.SetDefault("render.shutdown_color", "#000000")

	v.SetDefault("effect.name", "screen")
	v.SetDefault("effect.color", "#ffffff")
	v.SetDefault("effect.from", "#000428")
	v.SetDefault("effect.to", "#004e92")
	v.SetDefault("effect.period", "10s")
	v.SetDefault("effect.display", 0)
	v.SetDefault("effect.interval", "100ms")

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.every", "60s")
	v.SetDefault("discovery.device_port", 80)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:9720")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Settings converts the render section into the engine's typed knob
// set, validating enums and colors.
func (c RenderConfig) Settings() (render.Settings, error) {
	var s render.Settings

	switch m := render.Mode(c.Mode); m {
	case render.ModeCanvas, render.ModeForced:
		s.Mode = m
	default:
		return s, fmt.Errorf("render mode %q", c.Mode)
	}
	switch m := render.StartMode(c.StartMode); m {
	case render.StartOn, render.StartOff, render.StartKeep:
		s.StartMode = m
	default:
		return s, fmt.Errorf("start mode %q", c.StartMode)
	}

	fc, err := effects.ParseColor(c.ForcedColor)
	if err != nil {
		return s, fmt.Errorf("forced color: %w", err)
	}
	sc, err := effects.ParseColor(c.ShutdownColor)
	if err != nil {
		return s, fmt.Errorf("shutdown color: %w", err)
	}

	s.ForcedColor = fc
	s.ShutdownColor = sc
	s.XScale = c.XScale
	s.YScale = c.YScale
	s.FPSLimit = c.FPSLimit
	s.Keepalive = c.Keepalive
	s.IdleOff = c.IdleOff
	s.ImmediatePause = c.ImmediatePause
	s.AutoReconnect = c.AutoReconnect
	s.ForceOffOnShutdown = c.ForceOffOnShutdown
	s.ShutdownFrame = c.ShutdownFrame
	return s, nil
}

// Options converts the effect section for the effects registry.
func (c EffectConfig) Options() effects.Options {
	return effects.Options{
		Effect:   c.Name,
		Color:    c.Color,
		From:     c.From,
		To:       c.To,
		Period:   c.Period,
		Display:  c.Display,
		Interval: c.Interval,
	}
}
