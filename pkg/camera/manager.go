package camera

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Manager holds the live settings of one capture device. The dashboard
// edits them through UpdateConfig; the device applies them in OnConfigChange.
type Manager struct {
	config Config
	mu     sync.RWMutex

	OnConfigChange func(cfg Config) error
}

// NewManager creates a manager starting from cfg
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// GetConfig returns the current settings.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig validates and stores cfg, then applies it through the callback.
// The device index and path never change once the manager exists.
func (m *Manager) SetConfig(cfg Config) error {
	if problems := cfg.Validate(); len(problems) > 0 {
		return fmt.Errorf("validation failed: %v", problems)
	}

	m.mu.Lock()
	cfg.Device = m.config.Device
	cfg.Path = m.config.Path
	m.config = cfg
	apply := m.OnConfigChange
	m.mu.Unlock()

	if apply == nil {
		return nil
	}
	if err := apply(cfg); err != nil {
		return fmt.Errorf("failed to apply config: %w", err)
	}
	return nil
}

// setting writes one decoded JSON value into a Config
type setting func(cfg *Config, value any) bool

func intSetting(field func(*Config) *int) setting {
	return func(cfg *Config, value any) bool {
		n, ok := number(value)
		if ok {
			*field(cfg) = int(n)
		}
		return ok
	}
}

func floatSetting(field func(*Config) *float64) setting {
	return func(cfg *Config, value any) bool {
		n, ok := number(value)
		if ok {
			*field(cfg) = n
		}
		return ok
	}
}

var settings = map[string]setting{
	"width":      intSetting(func(c *Config) *int { return &c.Width }),
	"height":     intSetting(func(c *Config) *int { return &c.Height }),
	"framerate":  intSetting(func(c *Config) *int { return &c.Framerate }),
	"rotation":   intSetting(func(c *Config) *int { return &c.Rotation }),
	"quality":    intSetting(func(c *Config) *int { return &c.Quality }),
	"brightness": floatSetting(func(c *Config) *float64 { return &c.Brightness }),
	"exposure":   floatSetting(func(c *Config) *float64 { return &c.Exposure }),
	"autofocus": func(cfg *Config, value any) bool {
		b, ok := value.(bool)
		if ok {
			cfg.Autofocus = b
		}
		return ok
	},
}

// UpdateConfig changes the named settings. A "preset" key is applied first
// so the other keys override it. Unknown keys and mistyped values are
// rejected and leave the settings untouched.
func (m *Manager) UpdateConfig(params map[string]interface{}) error {
	cfg := m.GetConfig()

	if name, ok := params["preset"].(string); ok {
		preset := GetPreset(name)
		if preset == nil {
			return fmt.Errorf("unknown preset: %s", name)
		}
		cfg = *preset
	}

	for key, value := range params {
		if key == "preset" {
			continue
		}
		set, ok := settings[key]
		if !ok {
			return fmt.Errorf("unknown camera setting: %s", key)
		}
		if !set(&cfg, value) {
			return fmt.Errorf("camera setting %s: unexpected value %v", key, value)
		}
	}

	return m.SetConfig(cfg)
}

// GetConfigJSON returns the settings as a JSON object.
func (m *Manager) GetConfigJSON() map[string]interface{} {
	data, _ := json.Marshal(m.GetConfig())
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
