package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu    sync.Mutex
	faces []FaceLandmarks
	err   error
	calls int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetFaces sets the faces that will be returned by Detect.
func (m *MockDetector) SetFaces(faces []FaceLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces = faces
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Detect has been invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Detect returns the pre-configured faces or error.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]FaceLandmarks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.faces, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// FrontalFaceLandmarks returns a flat grid of landmarks covering the central
// part of the frame. With zero depth everywhere the head pose solve lands on
// the identity rotation, which is a face looking straight into the camera.
func FrontalFaceLandmarks() FaceLandmarks {
	return GridFaceLandmarks(12, 10, func(x, y float64) float64 { return 0 })
}

// TurnedFaceLandmarks is the frontal grid with depth growing along x, the way
// a head turned to the side projects. k is the depth slope; positive values
// give a positive yaw.
func TurnedFaceLandmarks(k float64) FaceLandmarks {
	return GridFaceLandmarks(12, 10, func(x, y float64) float64 { return k * (x - 0.5) })
}

// TiltedFaceLandmarks is the frontal grid with depth growing along y, the way
// a head tilted down projects. Positive k gives a negative pitch.
func TiltedFaceLandmarks(k float64) FaceLandmarks {
	return GridFaceLandmarks(12, 10, func(x, y float64) float64 { return k * (y - 0.5) })
}

// GridFaceLandmarks builds a rows x cols grid spanning x in [0.3, 0.7] and
// y in [0.25, 0.75]. depth is called with the normalized coordinates of each
// point and returns its Z value.
func GridFaceLandmarks(rows, cols int, depth func(x, y float64) float64) FaceLandmarks {
	face := FaceLandmarks{
		Points: make([]Point3D, 0, rows*cols),
		Score:  0.97,
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x := 0.3 + 0.4*float64(c)/float64(max(cols-1, 1))
			y := 0.25 + 0.5*float64(r)/float64(max(rows-1, 1))
			face.Points = append(face.Points, Point3D{X: x, Y: y, Z: depth(x, y)})
		}
	}

	return face
}
