// Package gate decides, frame by frame, whether a face is in the requested
// pose and sharp enough to produce an enrollment embedding.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/faceenroll/internal/detector"
	"github.com/ayusman/faceenroll/internal/encoder"
	"github.com/ayusman/faceenroll/internal/logging"
	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/quality"
)

// QualityChecker scores a frame. *quality.Gate implements it.
type QualityChecker interface {
	Evaluate(img gocv.Mat) (bool, string, quality.Metrics)
}

// Result is the outcome of one frame.
//
// Correct reports whether the pose matched. It stays true when the frame
// then fails the quality check, so Accepted (an embedding was produced) is
// the signal to advance on.
type Result struct {
	Pose      pose.Label
	Correct   bool
	Embedding []float64
	Err       error
	Angles    *pose.Angles
}

// Accepted reports whether an embedding was produced.
func (r Result) Accepted() bool {
	return len(r.Embedding) > 0
}

// Message returns the rejection text, or "" for an accepted frame.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Gate runs detection, pose estimation, classification, the quality check
// and embedding extraction in that order. It keeps no per-session state and
// is safe for concurrent use; the sideways thresholds are passed in and
// returned with each call.
type Gate struct {
	detector  detector.Detector
	estimator pose.OrientationEstimator
	quality   QualityChecker
	extractor encoder.Extractor
	log       logrus.FieldLogger
}

// New creates a Gate.
func New(det detector.Detector, est pose.OrientationEstimator, q QualityChecker, ext encoder.Extractor, log logrus.FieldLogger) *Gate {
	return &Gate{
		detector:  det,
		estimator: est,
		quality:   q,
		extractor: ext,
		log:       logging.OrDiscard(log),
	}
}

// Evaluate checks frame against label using the session thresholds th.
//
// The returned error is reserved for backend faults (detector or extractor
// failures, a cancelled ctx); in that case the thresholds come back
// unchanged so the caller can retry the frame. Every expected rejection is
// reported through Result.Err.
func (g *Gate) Evaluate(ctx context.Context, frame gocv.Mat, label pose.Label, th pose.Thresholds) (Result, pose.Thresholds, error) {
	if th.IsZero() {
		th = pose.DefaultThresholds()
	}
	res := Result{Pose: label}
	log := logging.FromContext(ctx, g.log).WithField("position", label)

	angles, err := g.estimate(ctx, frame)
	if err != nil {
		if errors.Is(err, ErrNoFace) {
			log.WithField("reason", err).Debug("no pose available")
			res.Err = err
			return res, th, nil
		}
		return res, th, err
	}
	res.Angles = &angles

	decision := pose.Classify(angles, label, th)
	next := decision.Thresholds
	log = log.WithFields(logrus.Fields{
		"pitch": angles.Pitch,
		"yaw":   angles.Yaw,
		"roll":  angles.Roll,
	})

	if !decision.Correct {
		log.Debug("pose rejected")
		res.Err = &PoseRejectedError{Reason: decision.Reason, Angles: angles}
		return res, next, nil
	}
	if next != th {
		log.WithField("thresholds", next.String()).Debug("sideways thresholds recalibrated")
	}
	res.Correct = true

	ok, reason, metrics := g.quality.Evaluate(frame)
	if !ok {
		log.WithFields(logrus.Fields{
			"sharpness":  metrics.Sharpness,
			"brightness": metrics.Brightness,
		}).Debug(reason)
		res.Err = &QualityRejectedError{Reason: reason, Metrics: metrics}
		return res, next, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{Pose: label}, th, err
	}

	embeddings, err := g.extractor.Extract(frame)
	if err != nil {
		return Result{Pose: label}, th, fmt.Errorf("extract embedding: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		log.Debug("no embedding")
		res.Correct = false
		res.Err = ErrNoEmbedding
		return res, next, nil
	}

	res.Embedding = embeddings[0]
	log.Info("pose captured")
	return res, next, nil
}

// CheckPose runs only detection, estimation and classification. It reports
// whether the pose matches without touching quality or the extractor.
func (g *Gate) CheckPose(ctx context.Context, frame gocv.Mat, label pose.Label, th pose.Thresholds) (pose.Decision, pose.Angles, error) {
	if th.IsZero() {
		th = pose.DefaultThresholds()
	}
	angles, err := g.estimate(ctx, frame)
	if err != nil {
		return pose.Decision{Thresholds: th}, pose.Angles{}, err
	}
	return pose.Classify(angles, label, th), angles, nil
}

// estimate returns ErrNoFace (possibly wrapped) when the frame has no
// usable landmarks and any other error for backend faults.
func (g *Gate) estimate(ctx context.Context, frame gocv.Mat) (pose.Angles, error) {
	if err := ctx.Err(); err != nil {
		return pose.Angles{}, err
	}
	if frame.Empty() {
		return pose.Angles{}, fmt.Errorf("evaluate: empty frame")
	}

	faces, err := g.detector.Detect(&frame)
	if err != nil {
		return pose.Angles{}, fmt.Errorf("detect landmarks: %w", err)
	}
	if len(faces) == 0 {
		return pose.Angles{}, ErrNoFace
	}

	if err := ctx.Err(); err != nil {
		return pose.Angles{}, err
	}

	// Only the first face is considered.
	angles, err := g.estimator.Estimate(&faces[0], frame.Cols(), frame.Rows())
	switch {
	case err == nil:
		return angles, nil
	case errors.Is(err, pose.ErrNoFace):
		return pose.Angles{}, ErrNoFace
	case errors.Is(err, pose.ErrTooFewPoints), errors.Is(err, pose.ErrDegenerate):
		return pose.Angles{}, fmt.Errorf("%w: %v", ErrNoFace, err)
	default:
		return pose.Angles{}, fmt.Errorf("estimate pose: %w", err)
	}
}
