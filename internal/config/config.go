// Package config loads go-sortbin settings from defaults, a YAML file,
// SORTBIN_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (SORTBIN_LOG_LEVEL, ...).
const EnvPrefix = "SORTBIN"

// Config is the full runtime configuration of a station.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Model      ModelConfig      `mapstructure:"model"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	ROI        ROIConfig        `mapstructure:"roi"`
	Stability  StabilityConfig  `mapstructure:"stability"`
	Deposit    DepositConfig    `mapstructure:"deposit"`
	Controller ControllerConfig `mapstructure:"controller"`
	Camera     CameraConfig     `mapstructure:"camera"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Web        WebConfig        `mapstructure:"web"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ModelConfig struct {
	Path      string `mapstructure:"path"`
	Labels    string `mapstructure:"labels"`
	InputSize int    `mapstructure:"input_size"`
}

type DetectorConfig struct {
	Confidence float64 `mapstructure:"confidence"`
	IoU        float64 `mapstructure:"iou"`
	MaxItems   int     `mapstructure:"max_items"`
}

// ROIConfig is the region used when the operator does not draw one.
type ROIConfig struct {
	Left   float64 `mapstructure:"left"`
	Top    float64 `mapstructure:"top"`
	Right  float64 `mapstructure:"right"`
	Bottom float64 `mapstructure:"bottom"`
}

type StabilityConfig struct {
	// Window is how long a leading category must persist. Slower
	// deployments can raise it.
	Window time.Duration `mapstructure:"window"`
}

type DepositConfig struct {
	DisplayDelay time.Duration `mapstructure:"display_delay"`
}

type ControllerConfig struct {
	Transport         string        `mapstructure:"transport"` // ws, tcp
	Address           string        `mapstructure:"address"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

type CameraConfig struct {
	Source   string `mapstructure:"source"` // device, ingest, webrtc
	Device   int    `mapstructure:"device"`
	Path     string `mapstructure:"path"` // file or stream URL instead of Device
	Preset   string `mapstructure:"preset"`
	FPS      int    `mapstructure:"fps"`
	Rotation int    `mapstructure:"rotation"`

	SignallingURL string `mapstructure:"signalling_url"`
	Producer      string `mapstructure:"producer"`
	FFmpeg        string `mapstructure:"ffmpeg"`
}

type LedgerConfig struct {
	Driver  string `mapstructure:"driver"` // sqlite, firestore, memory
	Path    string `mapstructure:"path"`
	Project string `mapstructure:"project"`
	DonorID string `mapstructure:"donor_id"`
	// Credentials is a service account JSON file; empty uses
	// application default credentials.
	Credentials string `mapstructure:"credentials"`
}

type WebConfig struct {
	Port      string `mapstructure:"port"`
	StaticDir string `mapstructure:"static_dir"`
}

// SetDefaults registers every key with its default so env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("model.path", "models/waste_yolov8.onnx")
	v.SetDefault("model.labels", "models/labels.txt")
	v.SetDefault("model.input_size", 640)

	v.SetDefault("detector.confidence", 0.25)
	v.SetDefault("detector.iou", 0.4)
	v.SetDefault("detector.max_items", 30)

	v.SetDefault("roi.left", 0.15)
	v.SetDefault("roi.top", 0.15)
	v.SetDefault("roi.right", 0.85)
	v.SetDefault("roi.bottom", 0.85)

	v.SetDefault("stability.window", 3*time.Second)
	v.SetDefault("deposit.display_delay", 2*time.Second)

	v.SetDefault("controller.transport", "ws")
	v.SetDefault("controller.address", ControllerURL(DefaultControllerURL))
	v.SetDefault("controller.handshake_timeout", 5*time.Second)
	v.SetDefault("controller.ack_timeout", 15*time.Second)
	v.SetDefault("controller.reconnect_interval", 5*time.Second)

	v.SetDefault("camera.source", "device")
	v.SetDefault("camera.device", 0)
	v.SetDefault("camera.path", "")
	v.SetDefault("camera.preset", "default")
	v.SetDefault("camera.fps", 15)
	v.SetDefault("camera.rotation", 0)
	v.SetDefault("camera.signalling_url", "")
	v.SetDefault("camera.producer", "")
	v.SetDefault("camera.ffmpeg", "ffmpeg")

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.path", filepath.Join(DataDir(), "ledger.db"))
	v.SetDefault("ledger.project", GoogleProject(""))
	v.SetDefault("ledger.donor_id", "station")
	v.SetDefault("ledger.credentials", GoogleCredentials(""))

	v.SetDefault("web.port", "8080")
	v.SetDefault("web.static_dir", "")
}

// New returns a viper instance with defaults, env binding and the config
// file (if any) applied. An explicit file that cannot be read is an error;
// a missing default file is not.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DataDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Default returns the configuration with no file or environment applied.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var problems []string

	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		problems = append(problems, "detector.confidence must be between 0 and 1")
	}
	if c.Detector.IoU <= 0 || c.Detector.IoU > 1 {
		problems = append(problems, "detector.iou must be in (0, 1]")
	}
	if c.Detector.MaxItems < 1 {
		problems = append(problems, "detector.max_items must be positive")
	}
	if c.Model.InputSize < 32 {
		problems = append(problems, "model.input_size must be at least 32")
	}

	r := c.ROI
	if r.Left < 0 || r.Top < 0 || r.Right > 1 || r.Bottom > 1 {
		problems = append(problems, "roi must lie within [0, 1]")
	}
	if r.Right-r.Left < 0.10-1e-9 || r.Bottom-r.Top < 0.10-1e-9 {
		problems = append(problems, "roi must be at least 0.10 wide and tall")
	}

	if c.Stability.Window <= 0 {
		problems = append(problems, "stability.window must be positive")
	}
	if c.Deposit.DisplayDelay < 0 {
		problems = append(problems, "deposit.display_delay must not be negative")
	}

	switch c.Controller.Transport {
	case "ws", "tcp":
	default:
		problems = append(problems, "controller.transport must be ws or tcp")
	}
	if c.Controller.Address == "" {
		problems = append(problems, "controller.address is required")
	}
	if c.Controller.HandshakeTimeout <= 0 || c.Controller.AckTimeout <= 0 {
		problems = append(problems, "controller timeouts must be positive")
	}

	switch c.Camera.Source {
	case "device", "ingest":
	case "webrtc":
		if c.Camera.SignallingURL == "" {
			problems = append(problems, "camera.signalling_url is required for webrtc")
		}
	default:
		problems = append(problems, "camera.source must be device, ingest, or webrtc")
	}
	if c.Camera.FPS < 1 || c.Camera.FPS > 60 {
		problems = append(problems, "camera.fps must be between 1 and 60")
	}
	switch c.Camera.Rotation {
	case 0, 90, 180, 270:
	default:
		problems = append(problems, "camera.rotation must be 0, 90, 180, or 270")
	}

	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.Path == "" {
			problems = append(problems, "ledger.path is required for sqlite")
		}
	case "firestore":
		if c.Ledger.Project == "" {
			problems = append(problems, "ledger.project is required for firestore")
		}
	case "memory":
	default:
		problems = append(problems, "ledger.driver must be sqlite, firestore, or memory")
	}
	if c.Ledger.DonorID == "" {
		problems = append(problems, "ledger.donor_id is required")
	}

	if c.Web.Port == "" {
		problems = append(problems, "web.port is required")
	}

	return problems
}

// DataDir is where the station keeps its config file and local ledger.
func DataDir() string {
	if dir := os.Getenv("SORTBIN_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sortbin"
	}
	return filepath.Join(home, ".sortbin")
}
