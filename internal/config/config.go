// Package config loads the radio-globe service configuration from a JSON
// file, environment overrides and defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/radio-globe/core"
	"github.com/signalsfoundry/radio-globe/internal/audio"
	"github.com/signalsfoundry/radio-globe/internal/catalog"
	"github.com/signalsfoundry/radio-globe/internal/logging"
	"github.com/signalsfoundry/radio-globe/kb"
	"github.com/signalsfoundry/radio-globe/timectrl"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration that reads "400ms" style strings or plain
// millisecond numbers from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", b)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server  Server  `json:"server"`
	Catalog Catalog `json:"catalog"`
	Audio   Audio   `json:"audio"`
	Tuning  Tuning  `json:"tuning"`
	Log     Log     `json:"log"`
}

type Server struct {
	Addr        string `json:"addr"`
	MetricsAddr string `json:"metrics_addr"`
	// FrameRate is the animation frame rate in Hz.
	FrameRate int `json:"frame_rate"`
}

type Catalog struct {
	BaseURL     string   `json:"base_url"`
	Timeout     Duration `json:"timeout"`
	CacheSize   int      `json:"cache_size"`
	CacheTTL    Duration `json:"cache_ttl"`
	Concurrency int      `json:"concurrency"`
}

type Audio struct {
	ProbeTimeout Duration `json:"probe_timeout"`
}

// Tuning holds the values that may change while the service runs.
type Tuning struct {
	StackThreshold  float64  `json:"stack_threshold_deg"`
	ExplodeZoom     int      `json:"explode_zoom"`
	FlyHeightFactor float64  `json:"fly_height_factor"`
	TweenDuration   Duration `json:"tween_duration"`
	RadiusBase      float64  `json:"radius_base_deg"`
	RadiusMinScale  float64  `json:"radius_min_scale"`
	RadiusZoomRef   float64  `json:"radius_zoom_ref"`
}

type Log struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:        "127.0.0.1:8080",
			MetricsAddr: ":9090",
			FrameRate:   60,
		},
		Catalog: Catalog{
			BaseURL:     catalog.DefaultBaseURL,
			Timeout:     Duration(catalog.DefaultTimeout),
			CacheSize:   catalog.DefaultCacheSize,
			CacheTTL:    Duration(catalog.DefaultCacheTTL),
			Concurrency: catalog.DefaultConcurrency,
		},
		Audio: Audio{ProbeTimeout: Duration(audio.DefaultProbeTimeout)},
		Tuning: Tuning{
			StackThreshold:  kb.DefaultStackThreshold,
			ExplodeZoom:     core.DefaultExplodeZoom,
			FlyHeightFactor: core.DefaultFlyHeightFactor,
			TweenDuration:   Duration(timectrl.DefaultTweenDuration),
			RadiusBase:      core.DefaultRadiusBase,
			RadiusMinScale:  core.DefaultRadiusMinScale,
			RadiusZoomRef:   core.DefaultRadiusZoomRef,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(stripBOM(b), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// ApplyEnv overrides fields from RADIOGLOBE_* variables looked up with
// lookup (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("RADIOGLOBE_ADDR", &c.Server.Addr)
	str("RADIOGLOBE_METRICS_ADDR", &c.Server.MetricsAddr)
	integer("RADIOGLOBE_FRAME_RATE", &c.Server.FrameRate)
	str("RADIOGLOBE_CATALOG_URL", &c.Catalog.BaseURL)
	duration("RADIOGLOBE_CATALOG_TIMEOUT", &c.Catalog.Timeout)
	integer("RADIOGLOBE_CATALOG_CACHE_SIZE", &c.Catalog.CacheSize)
	duration("RADIOGLOBE_PROBE_TIMEOUT", &c.Audio.ProbeTimeout)
	float("RADIOGLOBE_STACK_THRESHOLD", &c.Tuning.StackThreshold)
	integer("RADIOGLOBE_EXPLODE_ZOOM", &c.Tuning.ExplodeZoom)
	float("RADIOGLOBE_FLY_HEIGHT_FACTOR", &c.Tuning.FlyHeightFactor)
	duration("RADIOGLOBE_TWEEN_DURATION", &c.Tuning.TweenDuration)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	return errors.Join(errs...)
}

// Validate reports every problem found, each wrapping ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	if c.Server.FrameRate <= 0 || c.Server.FrameRate > 240 {
		bad("server.frame_rate must be in 1..240, got %d", c.Server.FrameRate)
	}
	u, err := url.Parse(c.Catalog.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("catalog.base_url must be an http(s) URL, got %q", c.Catalog.BaseURL)
	}
	if c.Catalog.Timeout <= 0 {
		bad("catalog.timeout must be positive")
	}
	if c.Audio.ProbeTimeout <= 0 {
		bad("audio.probe_timeout must be positive")
	}
	if err := c.Tuning.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		bad("log.format must be text or json, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// Validate checks the tuning block on its own; hot reloads only touch it.
func (t Tuning) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if t.StackThreshold <= 0 {
		bad("tuning.stack_threshold_deg must be positive")
	}
	if t.ExplodeZoom < 0 {
		bad("tuning.explode_zoom must not be negative")
	}
	if t.FlyHeightFactor <= 0 || t.FlyHeightFactor > 1 {
		bad("tuning.fly_height_factor must be in (0,1], got %v", t.FlyHeightFactor)
	}
	if t.TweenDuration < 0 {
		bad("tuning.tween_duration must not be negative")
	}
	if t.RadiusBase <= 0 || t.RadiusMinScale <= 0 || t.RadiusZoomRef <= 0 {
		bad("tuning radius parameters must be positive")
	}
	return errors.Join(errs...)
}

// Core converts the tuning block for core.Engine.
func (t Tuning) Core() core.Tuning {
	return core.Tuning{
		StackThreshold: t.StackThreshold,
		Animator: core.AnimatorConfig{
			Duration: t.TweenDuration.Std(),
			Layout: core.LayoutConfig{
				RadiusBase:     t.RadiusBase,
				RadiusMinScale: t.RadiusMinScale,
				RadiusZoomRef:  t.RadiusZoomRef,
			},
		},
		Controller: core.ControllerConfig{
			ExplodeZoom:     t.ExplodeZoom,
			FlyHeightFactor: t.FlyHeightFactor,
		},
	}
}

// Client converts the catalog block for catalog.New.
func (c Catalog) Client() catalog.Config {
	return catalog.Config{
		BaseURL:     c.BaseURL,
		Timeout:     c.Timeout.Std(),
		CacheSize:   c.CacheSize,
		CacheTTL:    c.CacheTTL.Std(),
		Concurrency: c.Concurrency,
	}
}

// Logging converts the log block for logging.New.
func (l Log) Logging() logging.Config {
	return logging.Config{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		AddSource:  true,
	}
}

// FramePeriod returns the animation frame period.
func (s Server) FramePeriod() time.Duration {
	if s.FrameRate <= 0 {
		return timectrl.DefaultFrameRate
	}
	return time.Second / time.Duration(s.FrameRate)
}
