package app

import (
	"context"
	"errors"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/faceenroll/internal/capture"
	"github.com/ayusman/faceenroll/internal/enroll"
	"github.com/ayusman/faceenroll/internal/pose"
)

// runPipeline reads frames until the session is complete and returns how
// many were read.
//
// Each tick reads a frame and waits for the subject to hold still. A still
// frame goes through the gate for the pose the session is waiting for. After
// an accepted pose the stillness detector is reset, so the subject has to
// move to the next pose and settle again.
func (a *App) runPipeline(ctx context.Context) (int, error) {
	bar := progressbar.NewOptions(len(pose.Sequence),
		progressbar.OptionSetDescription(pose.Sequence[0].Instruction()),
		progressbar.OptionSetWriter(a.config.Progress),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	interval := a.config.FrameInterval
	if interval <= 0 {
		fps := a.camera.FPS()
		if fps <= 0 {
			fps = capture.DefaultFPS
		}
		interval = time.Second / time.Duration(fps)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	current := pose.Sequence[0]
	frames := 0
	lastMessage := ""

	for frames < a.config.MaxFrames {
		select {
		case <-ctx.Done():
			return frames, ctx.Err()
		case <-ticker.C:
		}

		frame, err := a.camera.ReadFrame()
		if err != nil {
			a.log.WithError(err).Debug("Error reading frame")
			if errors.Is(err, capture.ErrNoMoreFrames) {
				return frames, ErrGaveUp
			}
			continue
		}
		frames++

		out, processed, err := a.processFrame(ctx, frame, current)
		frame.Close()
		if err != nil {
			return frames, err
		}
		if !processed {
			continue
		}

		if msg := out.Describe(); msg != lastMessage {
			a.log.WithFields(logrus.Fields{
				"pose":    current,
				"session": out.SessionID,
			}).Info(msg)
			lastMessage = msg
		}

		if out.Result.Accepted() {
			bar.Add(1)
			a.stillness.Reset()
		}
		if out.Complete {
			return frames, nil
		}
		if out.Next != current {
			current = out.Next
			bar.Describe(current.Instruction())
		}
	}

	return frames, ErrGaveUp
}

// processFrame runs one frame through the session once the subject is still.
// The second result is false while they are moving.
func (a *App) processFrame(ctx context.Context, frame *gocv.Mat, label pose.Label) (enroll.Outcome, bool, error) {
	still, changed := a.stillness.Observe(frame)
	if !still {
		a.log.WithField("changed", changed).Trace("Waiting for the subject to hold still")
		return enroll.Outcome{}, false, nil
	}

	raw, err := capture.EncodeJPEG(*frame)
	if err != nil {
		a.log.WithError(err).Warn("Failed to encode frame")
		raw = nil
	}

	out, err := a.enroller.ProcessFrame(ctx, enroll.Frame{
		SessionID: a.sessionID,
		FirstName: a.config.Identity.FirstName,
		LastName:  a.config.Identity.LastName,
		Label:     label,
		Image:     *frame,
		JPEG:      raw,
	})
	if err != nil {
		return enroll.Outcome{}, false, err
	}
	return out, true, nil
}
