// Package detector provides face landmark detection interfaces and types used by the enrollment pipeline.
package detector

// NumLandmarks is the number of points in a MediaPipe Face Mesh result.
// The pose math does not depend on it; any set with at least six points is usable.
const NumLandmarks = 468

// Face Mesh indices of the points most commonly used for head pose.
// See: https://developers.google.com/mediapipe/solutions/vision/face_landmarker
const (
	NoseTip       = 1
	LeftEyeOuter  = 33
	MouthLeft     = 61
	Chin          = 199
	RightEyeOuter = 263
	MouthRight    = 291
)

// Point3D is a landmark position. X and Y are normalized to the image size
// (0..1); Z is the relative depth reported by the detector.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FaceLandmarks is one detected face. It is produced fresh for every frame and
// is only read by the pose estimator.
type FaceLandmarks struct {
	Points []Point3D `json:"points"`
	Score  float64   `json:"score"`
}

// Len returns the number of points, tolerating a nil receiver.
func (f *FaceLandmarks) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Points)
}

// Pixel returns the image-space coordinates of point i, truncated to whole
// pixels the same way the detector overlay draws them.
func (f *FaceLandmarks) Pixel(i, width, height int) (x, y float64) {
	p := f.Points[i]
	return float64(int(p.X * float64(width))), float64(int(p.Y * float64(height)))
}

// Bounds returns the normalized bounding box of all points.
// Returns zeros for an empty set.
func (f *FaceLandmarks) Bounds() (minX, minY, maxX, maxY float64) {
	if f.Len() == 0 {
		return 0, 0, 0, 0
	}

	minX, minY = f.Points[0].X, f.Points[0].Y
	maxX, maxY = minX, minY
	for _, p := range f.Points[1:] {
		minX = min(minX, p.X)
		minY = min(minY, p.Y)
		maxX = max(maxX, p.X)
		maxY = max(maxY, p.Y)
	}
	return minX, minY, maxX, maxY
}
