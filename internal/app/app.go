// Package app runs a live enrollment from a local camera.
package app

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/faceenroll/internal/capture"
	"github.com/ayusman/faceenroll/internal/enroll"
	"github.com/ayusman/faceenroll/internal/logging"
	"github.com/ayusman/faceenroll/internal/store"
)

// Pipeline defaults.
const (
	// DefaultStillThreshold is the changed pixel percentage below which a
	// frame counts as still.
	DefaultStillThreshold = 1.0
	// DefaultMaxFrames bounds a live run.
	DefaultMaxFrames = 3000
)

// ErrGaveUp is returned when a run used up its frame budget.
var ErrGaveUp = errors.New("enrollment did not complete within the frame budget")

// Enroller is the session side of a live run. *enroll.Manager implements it.
type Enroller interface {
	ProcessFrame(ctx context.Context, f enroll.Frame) (enroll.Outcome, error)
	Finalize(ctx context.Context, sessionID string, id store.Identity, embeddings [][]float64) (*store.Record, bool, error)
	Reset(ctx context.Context, id string) error
}

// Config holds configuration options for a live run.
type Config struct {
	Camera   capture.Camera
	Enroller Enroller
	Identity store.Identity

	StillThreshold float64
	SettleFrames   int

	// FrameInterval overrides the tick derived from the camera rate.
	FrameInterval time.Duration
	// MaxFrames bounds the number of frames read. Zero uses DefaultMaxFrames.
	MaxFrames int

	// Progress receives the progress bar. nil hides it.
	Progress io.Writer
	Log      logrus.FieldLogger
}

// Result describes a finished run.
type Result struct {
	Record  *store.Record
	Created bool
	Frames  int
}

// App walks one person through the pose sequence in front of a camera.
type App struct {
	config    Config
	camera    capture.Camera
	enroller  Enroller
	stillness *capture.StillnessDetector
	sessionID string
	log       logrus.FieldLogger
}

// New creates a new App instance with the given configuration.
func New(config Config) (*App, error) {
	config.Identity = config.Identity.Normalize()
	if err := config.Identity.Validate(); err != nil {
		return nil, err
	}
	if config.Camera == nil {
		return nil, errors.New("app: camera is required")
	}
	if config.Enroller == nil {
		return nil, errors.New("app: enroller is required")
	}

	threshold := config.StillThreshold
	if threshold <= 0 {
		threshold = DefaultStillThreshold
	}
	if config.MaxFrames <= 0 {
		config.MaxFrames = DefaultMaxFrames
	}
	if config.Progress == nil {
		config.Progress = io.Discard
	}

	return &App{
		config:    config,
		camera:    config.Camera,
		enroller:  config.Enroller,
		stillness: capture.NewStillnessDetector(threshold, config.SettleFrames),
		sessionID: enroll.SessionID(config.Identity.FirstName, config.Identity.LastName),
		log:       logging.OrDiscard(config.Log),
	}, nil
}

// SessionID returns the enrollment session this run feeds.
func (a *App) SessionID() string {
	return a.sessionID
}

// Run opens the camera and processes frames until every pose is captured,
// ctx is cancelled, or the frame budget runs out. A finished session is
// saved before Run returns.
func (a *App) Run(ctx context.Context) (*Result, error) {
	if err := a.enroller.Reset(ctx, a.sessionID); err != nil {
		return nil, err
	}

	if err := a.camera.Open(); err != nil {
		return nil, err
	}
	defer func() {
		if err := a.camera.Close(); err != nil {
			a.log.WithError(err).Warn("Error closing camera")
		}
		a.stillness.Close()
	}()

	a.log.WithFields(logrus.Fields{
		"session": a.sessionID,
		"name":    a.config.Identity.String(),
	}).Info("Live enrollment started")

	frames, err := a.runPipeline(ctx)
	if err != nil {
		return nil, err
	}

	rec, created, err := a.enroller.Finalize(ctx, a.sessionID, a.config.Identity, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Record: rec, Created: created, Frames: frames}, nil
}
