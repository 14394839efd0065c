package enroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/faceenroll/internal/gate"
	"github.com/ayusman/faceenroll/internal/imagestore"
	"github.com/ayusman/faceenroll/internal/logging"
	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/store"
)

// FrameGate evaluates one frame. *gate.Gate implements it.
type FrameGate interface {
	Evaluate(ctx context.Context, frame gocv.Mat, label pose.Label, th pose.Thresholds) (gate.Result, pose.Thresholds, error)
}

// Config holds the tunables of a Manager.
type Config struct {
	// InitialBound is the symmetric sideways bound of a new session.
	InitialBound float64
}

// Frame is one submitted image.
type Frame struct {
	SessionID string
	FirstName string
	LastName  string
	Label     pose.Label
	Image     gocv.Mat
	// JPEG is the encoded image kept for an accepted pose. Optional.
	JPEG []byte
}

// Outcome is the result of one frame together with the session it updated.
type Outcome struct {
	SessionID string
	Result    gate.Result
	Next      pose.Label
	Complete  bool
}

// Manager threads per-session thresholds through the gate and collects
// the embeddings of each pose. Frames of one session are processed one at a
// time; different sessions run in parallel.
type Manager struct {
	gate     FrameGate
	sessions SessionStore
	images   imagestore.Store
	users    gate.EnrollmentStore
	cfg      Config
	locks    *sessionLocks
	log      logrus.FieldLogger
}

// NewManager creates a Manager. images may be nil to skip image storage.
func NewManager(g FrameGate, sessions SessionStore, images imagestore.Store, users gate.EnrollmentStore, cfg Config, log logrus.FieldLogger) *Manager {
	if images == nil {
		images = imagestore.Discard{}
	}
	return &Manager{
		gate:     g,
		sessions: sessions,
		images:   images,
		users:    users,
		cfg:      cfg,
		locks:    newSessionLocks(sessions),
		log:      logging.OrDiscard(log),
	}
}

// ProcessFrame evaluates f against its session. Backend faults are returned
// as errors and leave the session untouched.
func (m *Manager) ProcessFrame(ctx context.Context, f Frame) (Outcome, error) {
	id := f.SessionID
	if id == "" {
		id = SessionID(f.FirstName, f.LastName)
	}

	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	sess, err := m.load(ctx, id, f.FirstName, f.LastName)
	if err != nil {
		return Outcome{}, err
	}

	res, th, err := m.gate.Evaluate(ctx, f.Image, f.Label, sess.Thresholds)
	if err != nil {
		return Outcome{}, err
	}
	sess.Thresholds = th

	log := logging.FromContext(ctx, m.log).WithFields(logrus.Fields{
		"session": id,
		"pose":    f.Label,
	})

	if res.Accepted() {
		ref := ""
		if len(f.JPEG) > 0 {
			ref, err = m.images.Put(ctx, imagestore.Key(id, string(f.Label)), f.JPEG)
			if err != nil {
				log.WithError(err).Warn("Failed to store pose image")
				ref = ""
			}
		}
		sess.Accept(f.Label, res.Embedding, ref)
		log.WithField("next", sess.Current).Info("Pose accepted")
	} else {
		log.WithField("reason", res.Message()).Debug("Frame rejected")
	}

	sess.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Save(ctx, sess); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		SessionID: id,
		Result:    res,
		Next:      sess.Current,
		Complete:  sess.Complete(),
	}, nil
}

func (m *Manager) load(ctx context.Context, id, firstName, lastName string) (*Session, error) {
	sess, err := m.sessions.Load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return NewSession(id, firstName, lastName, pose.NewThresholds(m.cfg.InitialBound)), nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Session returns a copy of the stored session.
func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	return m.sessions.Load(ctx, id)
}

// Reset discards a session so the next frame starts from the front pose
// with fresh thresholds.
func (m *Manager) Reset(ctx context.Context, id string) error {
	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return m.sessions.Delete(ctx, id)
}

// Finalize upserts the record of id. When embeddings is empty the session's
// collected set is used. Pose images always come from the session. The
// session is discarded once the record is written.
func (m *Manager) Finalize(ctx context.Context, sessionID string, id store.Identity, embeddings [][]float64) (*store.Record, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}
	if sessionID == "" {
		sessionID = SessionID(id.FirstName, id.LastName)
	}

	unlock, err := m.locks.lock(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var images store.Images
	sess, err := m.sessions.Load(ctx, sessionID)
	switch {
	case err == nil:
		images = sess.Images
		if len(embeddings) == 0 {
			embeddings = sess.EmbeddingSet()
		}
	case errors.Is(err, ErrSessionNotFound):
	default:
		return nil, false, err
	}

	rec, created, err := m.users.Upsert(ctx, id, embeddings, images)
	if err != nil {
		return nil, false, err
	}

	if sess != nil {
		if err := m.sessions.Delete(ctx, sessionID); err != nil {
			m.log.WithError(err).WithField("session", sessionID).Warn("Failed to discard session")
		}
	}

	logging.FromContext(ctx, m.log).WithFields(logrus.Fields{
		"user_id":  rec.ID,
		"created":  created,
		"revision": rec.Revision,
		"count":    len(rec.Embeddings),
	}).Info("Enrollment saved")

	return rec, created, nil
}

// Describe returns the user facing instruction for an outcome.
func (o Outcome) Describe() string {
	switch {
	case o.Complete:
		return "Enrollment complete"
	case o.Result.Accepted():
		return fmt.Sprintf("Position %s captured. %s", o.Result.Pose, o.Next.Instruction())
	case o.Result.Err != nil:
		return o.Result.Message()
	}
	return o.Next.Instruction()
}
