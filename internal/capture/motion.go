package capture

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Motion detection constants
const (
	// GaussianBlurSize is the kernel size of the noise blur.
	GaussianBlurSize = 21
	// DiffThreshold is the per-pixel intensity change that counts as moved.
	DiffThreshold = 25
	// DefaultSettleFrames is how many calm frames in a row make a subject still.
	DefaultSettleFrames = 3
)

// StillnessDetector tracks frame-to-frame change and reports when the
// subject has held still long enough for a sharp capture. Frames taken while
// the head is turning are motion blurred and fail the quality gate anyway.
type StillnessDetector struct {
	mu        sync.Mutex
	threshold float64
	settle    int
	calm      int
	prevGray  gocv.Mat
	primed    bool
}

// NewStillnessDetector creates a detector. threshold is the percentage of
// changed pixels above which a frame counts as moving; settle is the number
// of consecutive calm frames required. Non-positive values use 1% and
// DefaultSettleFrames.
func NewStillnessDetector(threshold float64, settle int) *StillnessDetector {
	if threshold <= 0 {
		threshold = 1.0
	}
	if settle <= 0 {
		settle = DefaultSettleFrames
	}
	return &StillnessDetector{
		threshold: threshold,
		settle:    settle,
		prevGray:  gocv.NewMat(),
	}
}

// Observe feeds one frame and returns whether the subject is still, along
// with the percentage of pixels that changed since the previous frame. The
// first frame only primes the detector.
func (d *StillnessDetector) Observe(frame *gocv.Mat) (bool, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if frame == nil || frame.Empty() {
		return false, 0
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: GaussianBlurSize, Y: GaussianBlurSize}, 0, 0, gocv.BorderDefault)

	if !d.primed || blurred.Rows() != d.prevGray.Rows() || blurred.Cols() != d.prevGray.Cols() {
		blurred.CopyTo(&d.prevGray)
		d.primed = true
		d.calm = 0
		return false, 0
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, d.prevGray, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, DiffThreshold, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(thresh)) / float64(thresh.Rows()*thresh.Cols()) * 100.0
	blurred.CopyTo(&d.prevGray)

	if changed > d.threshold {
		d.calm = 0
		return false, changed
	}
	d.calm++
	return d.calm >= d.settle, changed
}

// Reset forgets the previous frame and the calm streak.
func (d *StillnessDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

// Close releases the stored frame. The detector can still be used and
// primes itself again.
func (d *StillnessDetector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
}

func (d *StillnessDetector) reset() {
	if !d.prevGray.Empty() {
		d.prevGray.Close()
		d.prevGray = gocv.NewMat()
	}
	d.primed = false
	d.calm = 0
}
