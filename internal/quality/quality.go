// Package quality scores frames for sharpness and exposure before an
// embedding is extracted from them.
package quality

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Rejection reasons. They are shown to the subject as is.
const (
	ReasonBlurry     = "Image is too blurry"
	ReasonBrightness = "Image brightness is not ideal"
)

// Config holds the acceptance limits.
type Config struct {
	// MinSharpness is the lowest accepted variance of the Laplacian.
	MinSharpness float64

	// MinBrightness and MaxBrightness bound the mean gray level (0-255).
	MinBrightness float64
	MaxBrightness float64
}

// DefaultConfig returns the limits the pose windows were tuned with.
func DefaultConfig() Config {
	return Config{
		MinSharpness:  100,
		MinBrightness: 50,
		MaxBrightness: 200,
	}
}

// Validate checks that the limits describe a non-empty range.
func (c Config) Validate() error {
	if c.MinSharpness < 0 {
		return fmt.Errorf("min sharpness must be non-negative, got %v", c.MinSharpness)
	}
	if c.MinBrightness < 0 || c.MaxBrightness > 255 || c.MinBrightness > c.MaxBrightness {
		return fmt.Errorf("invalid brightness range [%v, %v]", c.MinBrightness, c.MaxBrightness)
	}
	return nil
}

// Metrics are the raw scores of one frame.
type Metrics struct {
	Sharpness  float64
	Brightness float64
}

// Gate accepts or rejects frames against a Config. It is safe for
// concurrent use.
type Gate struct {
	cfg Config
}

// NewGate creates a Gate.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Config returns the gate's limits.
func (g *Gate) Config() Config {
	return g.cfg
}

// Measure computes sharpness and brightness on the gray version of img.
func Measure(img gocv.Mat) Metrics {
	if img.Empty() {
		return Metrics{}
	}

	gray := gocv.NewMat()
	defer gray.Close()

	if img.Channels() > 1 {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	} else {
		img.CopyTo(&gray)
	}

	laplacian := gocv.NewMat()
	defer laplacian.Close()
	gocv.Laplacian(gray, &laplacian, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(laplacian, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return Metrics{
		Sharpness:  sd * sd,
		Brightness: gray.Mean().Val1,
	}
}

// Check reports whether img is good enough to extract an embedding from.
// Exposure is checked first so a black frame is reported as a brightness
// problem rather than a blurry one.
func (g *Gate) Check(img gocv.Mat) (bool, string) {
	ok, reason, _ := g.Evaluate(img)
	return ok, reason
}

// Evaluate is Check that also returns the measured scores.
func (g *Gate) Evaluate(img gocv.Mat) (bool, string, Metrics) {
	m := Measure(img)

	if m.Brightness < g.cfg.MinBrightness || m.Brightness > g.cfg.MaxBrightness {
		return false, ReasonBrightness, m
	}
	if m.Sharpness < g.cfg.MinSharpness {
		return false, ReasonBlurry, m
	}
	return true, "", m
}
