package pose

import (
	"errors"
	"fmt"

	"github.com/ayusman/faceenroll/internal/detector"
)

// ErrNoFace is returned when there is no landmark set to estimate from.
var ErrNoFace = errors.New("no face detected")

// angleScale is applied to every RQ Euler angle. The acceptance windows in
// Classify are expressed in these units.
const angleScale = 360

// OrientationEstimator turns a landmark set into head angles.
type OrientationEstimator interface {
	Estimate(face *detector.FaceLandmarks, width, height int) (Angles, error)
}

// EstimatorFunc adapts a function to OrientationEstimator.
type EstimatorFunc func(face *detector.FaceLandmarks, width, height int) (Angles, error)

// Estimate calls f.
func (f EstimatorFunc) Estimate(face *detector.FaceLandmarks, width, height int) (Angles, error) {
	return f(face, width, height)
}

// Estimator solves head pose from face landmarks with an approximate camera.
type Estimator struct {
	// DepthScale multiplies the detector's relative depth before it is used
	// as the object z coordinate.
	DepthScale float64
}

// NewEstimator creates an Estimator. A non-positive depthScale means 1.
func NewEstimator(depthScale float64) *Estimator {
	if depthScale <= 0 {
		depthScale = 1
	}
	return &Estimator{DepthScale: depthScale}
}

// Estimate returns the head orientation for face in a width x height frame.
//
// Object points are the truncated pixel coordinates with the scaled depth as
// z, and image points are the same pixels, so the recovered rotation comes
// entirely from the depth profile.
func (e *Estimator) Estimate(face *detector.FaceLandmarks, width, height int) (Angles, error) {
	if face.Len() == 0 {
		return Angles{}, ErrNoFace
	}
	if face.Len() < minPoints {
		return Angles{}, ErrTooFewPoints
	}
	if width <= 0 || height <= 0 {
		return Angles{}, fmt.Errorf("estimate pose: invalid frame size %dx%d", width, height)
	}

	scale := e.DepthScale
	if scale == 0 {
		scale = 1
	}

	object := make([]Vec3, face.Len())
	image := make([]Point2, face.Len())
	for i, p := range face.Points {
		x, y := face.Pixel(i, width, height)
		image[i] = Point2{X: x, Y: y}
		object[i] = Vec3{x, y, p.Z * scale}
	}

	ext, err := SolvePnP(object, image, ApproxCamera(width, height))
	if err != nil {
		return Angles{}, fmt.Errorf("estimate pose: %w", err)
	}

	deg := RQDecomp(Rodrigues(ext.Rotation))
	return Angles{
		Pitch: deg[0] * angleScale,
		Yaw:   deg[1] * angleScale,
		Roll:  deg[2] * angleScale,
	}, nil
}
