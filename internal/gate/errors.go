package gate

import (
	"errors"

	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/quality"
)

// Per-frame rejections. They are carried in Result.Err, never returned as
// the error of Evaluate.
var (
	// ErrNoFace means no usable landmark set was found.
	ErrNoFace = pose.ErrNoFace

	// ErrNoEmbedding means the extractor found no face in a frame that passed
	// the pose and quality checks.
	ErrNoEmbedding = errors.New("no face encodings found, despite quality and angle checks")
)

// PoseRejectedError reports angles outside the requested pose window.
type PoseRejectedError struct {
	Reason string
	Angles pose.Angles
}

func (e *PoseRejectedError) Error() string {
	return e.Reason
}

// QualityRejectedError reports a pose-correct frame that failed the
// quality gate.
type QualityRejectedError struct {
	Reason  string
	Metrics quality.Metrics
}

func (e *QualityRejectedError) Error() string {
	return e.Reason
}
