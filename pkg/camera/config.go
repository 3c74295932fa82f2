// Package camera reads frames from a local capture device (USB webcam,
// V4L2 node, or a video file for replay) and feeds them to the station.
package camera

// Config holds the capture settings. Everything except Device can be
// changed while the device is open.
type Config struct {
	// Device is the capture index, used when Path is empty
	Device int `json:"device"`
	// Path opens a file or stream URL instead of an index
	Path string `json:"path,omitempty"`

	Width     int `json:"width"`
	Height    int `json:"height"`
	Framerate int `json:"framerate"`
	Rotation  int `json:"rotation"` // 0, 90, 180, 270
	Quality   int `json:"quality"`  // JPEG quality 1-100

	// Brightness adjustment (-1.0 to +1.0), 0 leaves the driver default
	Brightness float64 `json:"brightness"`
	// Exposure in driver units; 0 keeps auto exposure
	Exposure float64 `json:"exposure"`
	// Autofocus toggles continuous focus where the driver supports it
	Autofocus bool `json:"autofocus"`
}

// Capture limits accepted by Validate
const (
	MaxWidth     = 3840
	MaxHeight    = 2160
	MaxFramerate = 60
)

// DefaultConfig returns 640x480 at 15 FPS, which the detector keeps up with
// on a laptop CPU.
func DefaultConfig() Config {
	return Config{
		Width:     640,
		Height:    480,
		Framerate: 15,
		Quality:   80,
		Autofocus: true,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Device < 0 {
		errors = append(errors, "device must not be negative")
	}
	if c.Width < 160 || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 60")
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}
	switch c.Rotation {
	case 0, 90, 180, 270:
	default:
		errors = append(errors, "rotation must be 0, 90, 180, or 270")
	}
	if c.Brightness < -1.0 || c.Brightness > 1.0 {
		errors = append(errors, "brightness must be between -1.0 and 1.0")
	}
	if c.Exposure < 0 {
		errors = append(errors, "exposure must be 0 (auto) or positive")
	}

	return errors
}

// Capabilities describes what the capture layer accepts
func Capabilities() map[string]interface{} {
	return map[string]interface{}{
		"max_width":     MaxWidth,
		"max_height":    MaxHeight,
		"max_framerate": MaxFramerate,
		"rotations":     []int{0, 90, 180, 270},
		"presets":       PresetNames(),
	}
}
