package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/radio-globe/core"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tuning.ExplodeZoom != core.DefaultExplodeZoom {
		t.Fatalf("ExplodeZoom = %d, want %d", cfg.Tuning.ExplodeZoom, core.DefaultExplodeZoom)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radioglobe.json")
	body := "\xEF\xBB\xBF" + `{
		"server": {"addr": ":7000"},
		"tuning": {"explode_zoom": 9, "tween_duration": "250ms"},
		"catalog": {"timeout": 1500}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Fatalf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.FrameRate != 60 {
		t.Fatalf("FrameRate = %d, want default 60", cfg.Server.FrameRate)
	}
	if cfg.Tuning.ExplodeZoom != 9 {
		t.Fatalf("ExplodeZoom = %d, want 9", cfg.Tuning.ExplodeZoom)
	}
	if cfg.Tuning.TweenDuration.Std() != 250*time.Millisecond {
		t.Fatalf("TweenDuration = %v", cfg.Tuning.TweenDuration.Std())
	}
	if cfg.Catalog.Timeout.Std() != 1500*time.Millisecond {
		t.Fatalf("Catalog.Timeout = %v", cfg.Catalog.Timeout.Std())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"tuning": {"fly_height_factor": 3}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: `"2s"`, want: 2 * time.Second},
		{in: `400`, want: 400 * time.Millisecond},
		{in: `"soon"`, wantErr: true},
		{in: `true`, wantErr: true},
	}
	for _, tc := range cases {
		var d Duration
		err := json.Unmarshal([]byte(tc.in), &d)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if d.Std() != tc.want {
			t.Fatalf("%s = %v, want %v", tc.in, d.Std(), tc.want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RADIOGLOBE_ADDR":            ":9999",
		"RADIOGLOBE_STACK_THRESHOLD": "0.01",
		"RADIOGLOBE_EXPLODE_ZOOM":    "5",
		"RADIOGLOBE_PROBE_TIMEOUT":   "3s",
		"LOG_LEVEL":                  "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Tuning.StackThreshold != 0.01 || cfg.Tuning.ExplodeZoom != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Audio.ProbeTimeout.Std() != 3*time.Second {
		t.Fatalf("ProbeTimeout = %v", cfg.Audio.ProbeTimeout.Std())
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestApplyEnvReportsEveryBadValue(t *testing.T) {
	env := map[string]string{
		"RADIOGLOBE_FRAME_RATE":     "fast",
		"RADIOGLOBE_TWEEN_DURATION": "slow",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok || len(joined.Unwrap()) != 2 {
		t.Fatalf("err = %v, want two joined errors", err)
	}
	if cfg.Server.FrameRate != 60 {
		t.Fatalf("FrameRate changed to %d", cfg.Server.FrameRate)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Catalog.BaseURL = "ftp://example.org"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok || len(joined.Unwrap()) != 3 {
		t.Fatalf("err = %v, want three problems", err)
	}
}

func TestTuningCore(t *testing.T) {
	tun := Default().Tuning
	tun.ExplodeZoom = 10
	tun.TweenDuration = Duration(time.Second)

	got := tun.Core()
	if got.Controller.ExplodeZoom != 10 {
		t.Fatalf("ExplodeZoom = %d", got.Controller.ExplodeZoom)
	}
	if got.Animator.Duration != time.Second {
		t.Fatalf("Animator.Duration = %v", got.Animator.Duration)
	}
	if got.StackThreshold != tun.StackThreshold {
		t.Fatalf("StackThreshold = %v", got.StackThreshold)
	}
	if got.Animator.Layout.RadiusBase != core.DefaultRadiusBase {
		t.Fatalf("RadiusBase = %v", got.Animator.Layout.RadiusBase)
	}
}

func TestFramePeriod(t *testing.T) {
	if got := (Server{FrameRate: 50}).FramePeriod(); got != 20*time.Millisecond {
		t.Fatalf("FramePeriod = %v, want 20ms", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "radioglobe.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c Config) { got <- c })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"tuning": {"fly_height_factor": 2}}`), 0o644); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"tuning": {"explode_zoom": 11}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case c := <-got:
		if c.Tuning.ExplodeZoom != 11 {
			t.Fatalf("reloaded ExplodeZoom = %d, want 11", c.Tuning.ExplodeZoom)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}
