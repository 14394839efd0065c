package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/ayusman/faceenroll/internal/capture"
	"github.com/ayusman/faceenroll/internal/enroll"
	"github.com/ayusman/faceenroll/internal/gate"
	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/store"
	"github.com/ayusman/faceenroll/testdata"
)

// labelGate accepts every label except those listed in reject.
type labelGate struct {
	mu     sync.Mutex
	reject map[pose.Label]bool
	seen   []pose.Label
}

func (g *labelGate) Evaluate(_ context.Context, _ gocv.Mat, label pose.Label, th pose.Thresholds) (gate.Result, pose.Thresholds, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, label)

	if g.reject[label] {
		return gate.Result{Pose: label, Correct: false, Err: gate.ErrNoFace}, th, nil
	}
	return gate.Result{Pose: label, Correct: true, Embedding: []float64{float64(len(g.seen)), 1}}, th, nil
}

type fixture struct {
	gate    *labelGate
	camera  *capture.MockCamera
	users   *store.UserRepository
	manager *enroll.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	frame := testdata.SharpFrame()
	defer frame.Close()
	cam := capture.NewMockCamera([]gocv.Mat{frame}, true)
	t.Cleanup(cam.Release)

	g := &labelGate{reject: map[pose.Label]bool{}}
	return &fixture{
		gate:    g,
		camera:  cam,
		users:   db.Users(),
		manager: enroll.NewManager(g, enroll.NewMemoryStore(time.Minute), nil, db.Users(), enroll.Config{}, nil),
	}
}

func (f *fixture) app(t *testing.T, maxFrames int) *App {
	t.Helper()
	a, err := New(Config{
		Camera:        f.camera,
		Enroller:      f.manager,
		Identity:      store.Identity{FirstName: " Ada ", LastName: "Lovelace"},
		FrameInterval: time.Millisecond,
		MaxFrames:     maxFrames,
	})
	require.NoError(t, err)
	return a
}

func TestApp_RunCompletesSequence(t *testing.T) {
	f := newFixture(t)
	a := f.app(t, 0)

	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, "Ada", res.Record.FirstName)
	assert.Len(t, res.Record.Embeddings, 3)
	assert.Equal(t, []pose.Label{pose.Front, pose.Sideways, pose.Down}, f.gate.seen)

	// One priming frame plus DefaultSettleFrames calm frames per pose.
	assert.Equal(t, 3*(1+capture.DefaultSettleFrames), res.Frames)
	assert.False(t, f.camera.IsOpen())

	// The session is gone once saved.
	_, err = f.manager.Session(context.Background(), a.SessionID())
	assert.ErrorIs(t, err, enroll.ErrSessionNotFound)

	// A second run replaces the record.
	res, err = f.app(t, 0).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 2, res.Record.Revision)
}

func TestApp_RunGivesUp(t *testing.T) {
	f := newFixture(t)
	f.gate.reject[pose.Sideways] = true

	_, err := f.app(t, 20).Run(context.Background())
	assert.ErrorIs(t, err, ErrGaveUp)

	_, err = f.users.GetByIdentity(context.Background(), store.Identity{FirstName: "Ada", LastName: "Lovelace"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApp_RunCancelled(t *testing.T) {
	f := newFixture(t)
	f.gate.reject[pose.Front] = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.app(t, 1<<20).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.camera.IsOpen())
}

func TestApp_RunCameraFailure(t *testing.T) {
	f := newFixture(t)
	f.camera.SetFrames(nil)

	_, err := f.app(t, 10).Run(context.Background())
	assert.ErrorIs(t, err, ErrGaveUp)
}

func TestApp_ProgressOutput(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer

	a, err := New(Config{
		Camera:        f.camera,
		Enroller:      f.manager,
		Identity:      store.Identity{FirstName: "Ada", LastName: "Lovelace"},
		FrameInterval: time.Millisecond,
		Progress:      &out,
	})
	require.NoError(t, err)

	_, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, out.Len())
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{Camera: f.camera, Enroller: f.manager, Identity: store.Identity{LastName: "L"}}},
		{"missing camera", Config{Enroller: f.manager, Identity: store.Identity{FirstName: "A", LastName: "L"}}},
		{"missing enroller", Config{Camera: f.camera, Identity: store.Identity{FirstName: "A", LastName: "L"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}

	_, err := New(Config{Camera: f.camera, Enroller: f.manager, Identity: store.Identity{}})
	assert.True(t, errors.Is(err, store.ErrValidation))
}
