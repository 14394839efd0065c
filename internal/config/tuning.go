// Package config loads tuning parameters from JSON and deployment settings
// from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ayusman/faceenroll/internal/detector"
	"github.com/ayusman/faceenroll/internal/quality"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultConfigPath is the path to the tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// Defaults used when a field is omitted from the tuning file.
const (
	DefaultDepthScale    = 1.0
	DefaultSidewaysBound = 8.0
	DefaultFrameRate     = 10.0
	DefaultFrameBurst    = 5
	DefaultSessionTTL    = 30 * time.Minute
	DefaultWorkers       = 2
	DefaultFrameTimeout  = 10 * time.Second
)

// TuningConfig holds the algorithm and rate tunables. Nil fields fall back
// to their defaults through the Get methods, so partial files are safe.
type TuningConfig struct {
	// Quality gate
	MinSharpness  *float64 `json:"min_sharpness,omitempty"`
	MinBrightness *float64 `json:"min_brightness,omitempty"`
	MaxBrightness *float64 `json:"max_brightness,omitempty"`

	// Pose
	DepthScale    *float64 `json:"depth_scale,omitempty"`
	SidewaysBound *float64 `json:"sideways_bound,omitempty"`

	// Landmark detection
	MaxFaces               *int     `json:"max_faces,omitempty"`
	MinDetectionConfidence *float64 `json:"min_detection_confidence,omitempty"`

	// Transport
	FrameRate    *float64 `json:"frame_rate,omitempty"` // frames per second per session
	FrameBurst   *int     `json:"frame_burst,omitempty"`
	FrameTimeout *string  `json:"frame_timeout,omitempty"` // duration string like "10s"
	SessionTTL   *string  `json:"session_ttl,omitempty"`   // duration string like "30m"

	// Embedding workers
	EncoderWorkers *int `json:"encoder_workers,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field set to its
// default.
func DefaultTuningConfig() *TuningConfig {
	q := quality.DefaultConfig()
	d := detector.DefaultConfig()
	return &TuningConfig{
		MinSharpness:           ptrFloat64(q.MinSharpness),
		MinBrightness:          ptrFloat64(q.MinBrightness),
		MaxBrightness:          ptrFloat64(q.MaxBrightness),
		DepthScale:             ptrFloat64(DefaultDepthScale),
		SidewaysBound:          ptrFloat64(DefaultSidewaysBound),
		MaxFaces:               ptrInt(d.MaxFaces),
		MinDetectionConfidence: ptrFloat64(d.MinConfidence),
		FrameRate:              ptrFloat64(DefaultFrameRate),
		FrameBurst:             ptrInt(DefaultFrameBurst),
		FrameTimeout:           ptrString(DefaultFrameTimeout.String()),
		SessionTTL:             ptrString(DefaultSessionTTL.String()),
		EncoderWorkers:         ptrInt(DefaultWorkers),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if err := c.Quality().Validate(); err != nil {
		return err
	}
	if c.DepthScale != nil && *c.DepthScale <= 0 {
		return fmt.Errorf("depth_scale must be positive, got %f", *c.DepthScale)
	}
	if c.SidewaysBound != nil && *c.SidewaysBound <= 0 {
		return fmt.Errorf("sideways_bound must be positive, got %f", *c.SidewaysBound)
	}
	if c.MaxFaces != nil && *c.MaxFaces < 1 {
		return fmt.Errorf("max_faces must be at least 1, got %d", *c.MaxFaces)
	}
	if c.MinDetectionConfidence != nil {
		if *c.MinDetectionConfidence < 0 || *c.MinDetectionConfidence > 1 {
			return fmt.Errorf("min_detection_confidence must be between 0 and 1, got %f", *c.MinDetectionConfidence)
		}
	}
	if c.FrameRate != nil && *c.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive, got %f", *c.FrameRate)
	}
	if c.FrameBurst != nil && *c.FrameBurst < 1 {
		return fmt.Errorf("frame_burst must be at least 1, got %d", *c.FrameBurst)
	}
	if c.EncoderWorkers != nil && *c.EncoderWorkers < 1 {
		return fmt.Errorf("encoder_workers must be at least 1, got %d", *c.EncoderWorkers)
	}
	for name, v := range map[string]*string{"frame_timeout": c.FrameTimeout, "session_ttl": c.SessionTTL} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	return nil
}

// Quality returns the quality gate thresholds.
func (c *TuningConfig) Quality() quality.Config {
	q := quality.DefaultConfig()
	if c.MinSharpness != nil {
		q.MinSharpness = *c.MinSharpness
	}
	if c.MinBrightness != nil {
		q.MinBrightness = *c.MinBrightness
	}
	if c.MaxBrightness != nil {
		q.MaxBrightness = *c.MaxBrightness
	}
	return q
}

// Detector returns the landmark detector settings.
func (c *TuningConfig) Detector() detector.Config {
	d := detector.DefaultConfig()
	if c.MaxFaces != nil {
		d.MaxFaces = *c.MaxFaces
	}
	if c.MinDetectionConfidence != nil {
		d.MinConfidence = *c.MinDetectionConfidence
	}
	return d
}

// GetDepthScale returns the landmark depth multiplier.
func (c *TuningConfig) GetDepthScale() float64 {
	if c.DepthScale == nil {
		return DefaultDepthScale
	}
	return *c.DepthScale
}

// GetSidewaysBound returns the initial sideways bound of a session.
func (c *TuningConfig) GetSidewaysBound() float64 {
	if c.SidewaysBound == nil {
		return DefaultSidewaysBound
	}
	return *c.SidewaysBound
}

// GetFrameRate returns the per-session frame rate limit.
func (c *TuningConfig) GetFrameRate() float64 {
	if c.FrameRate == nil {
		return DefaultFrameRate
	}
	return *c.FrameRate
}

// GetFrameBurst returns the per-session burst allowance.
func (c *TuningConfig) GetFrameBurst() int {
	if c.FrameBurst == nil {
		return DefaultFrameBurst
	}
	return *c.FrameBurst
}

// GetFrameTimeout returns the deadline for processing one frame.
func (c *TuningConfig) GetFrameTimeout() time.Duration {
	return durationOr(c.FrameTimeout, DefaultFrameTimeout)
}

// GetSessionTTL returns how long an idle enrollment session is kept.
func (c *TuningConfig) GetSessionTTL() time.Duration {
	return durationOr(c.SessionTTL, DefaultSessionTTL)
}

// GetEncoderWorkers returns the number of embedding worker processes.
func (c *TuningConfig) GetEncoderWorkers() int {
	if c.EncoderWorkers == nil {
		return DefaultWorkers
	}
	return *c.EncoderWorkers
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
