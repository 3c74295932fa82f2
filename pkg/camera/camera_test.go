package camera

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-sortbin/internal/log"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"default", func(*Config) {}, ""},
		{"negative device", func(c *Config) { c.Device = -1 }, "device must not be negative"},
		{"tiny width", func(c *Config) { c.Width = 100 }, "width must be between 160 and 3840"},
		{"huge height", func(c *Config) { c.Height = 5000 }, "height must be between 120 and 2160"},
		{"zero fps", func(c *Config) { c.Framerate = 0 }, "framerate must be between 1 and 60"},
		{"quality", func(c *Config) { c.Quality = 101 }, "quality must be between 1 and 100"},
		{"rotation", func(c *Config) { c.Rotation = 45 }, "rotation must be 0, 90, 180, or 270"},
		{"brightness", func(c *Config) { c.Brightness = 1.5 }, "brightness must be between -1.0 and 1.0"},
		{"exposure", func(c *Config) { c.Exposure = -1 }, "exposure must be 0 (auto) or positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			problems := cfg.Validate()
			if tt.want == "" {
				assert.Empty(t, problems)
				return
			}
			assert.Equal(t, []string{tt.want}, problems)
		})
	}
}

func TestPresetsAreValid(t *testing.T) {
	presets := Presets()
	require.Len(t, presets, len(PresetNames()))
	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			cfg := GetPreset(name)
			require.NotNil(t, cfg)
			assert.Empty(t, cfg.Validate())
		})
	}
	assert.Nil(t, GetPreset("4k"))
}

func TestManagerUpdateConfig(t *testing.T) {
	m := NewManager(Config{Device: 2, Width: 640, Height: 480, Framerate: 15, Quality: 80})

	var applied []Config
	m.OnConfigChange = func(c Config) error {
		applied = append(applied, c)
		return nil
	}

	require.NoError(t, m.UpdateConfig(map[string]interface{}{
		"preset":    PresetLow,
		"framerate": float64(5),
		"rotation":  90,
	}))
	cfg := m.GetConfig()
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 5, cfg.Framerate)
	assert.Equal(t, 90, cfg.Rotation)
	assert.Equal(t, 2, cfg.Device, "device survives a preset")
	require.Len(t, applied, 1)

	err := m.UpdateConfig(map[string]interface{}{"preset": "4k"})
	assert.EqualError(t, err, "unknown preset: 4k")

	err = m.UpdateConfig(map[string]interface{}{"zoom": 2.0})
	assert.EqualError(t, err, "unknown camera setting: zoom")

	err = m.UpdateConfig(map[string]interface{}{"autofocus": "yes"})
	assert.EqualError(t, err, "camera setting autofocus: unexpected value yes")

	err = m.UpdateConfig(map[string]interface{}{"quality": 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quality must be between 1 and 100")
	assert.Equal(t, 5, m.GetConfig().Framerate, "rejected update leaves config alone")

	m.OnConfigChange = func(Config) error { return errors.New("busy") }
	err = m.SetConfig(DefaultConfig())
	assert.EqualError(t, err, "failed to apply config: busy")

	assert.Equal(t, float64(640), m.GetConfigJSON()["width"])
}

func TestOpenMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "missing.mp4")
	_, err := Open(cfg, WithLogger(log.Discard()))
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Framerate = 0
	_, err := Open(cfg, WithLogger(log.Discard()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOpen)
}

func TestFramesAfterClose(t *testing.T) {
	d := &Device{stop: make(chan struct{}), done: make(chan struct{})}
	close(d.stop)
	_, err := d.Frames(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
