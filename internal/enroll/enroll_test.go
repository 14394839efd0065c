package enroll

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/ayusman/faceenroll/internal/detector"
	"github.com/ayusman/faceenroll/internal/encoder"
	"github.com/ayusman/faceenroll/internal/gate"
	"github.com/ayusman/faceenroll/internal/imagestore"
	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/quality"
	"github.com/ayusman/faceenroll/internal/store"
	"github.com/ayusman/faceenroll/testdata"
)

// scriptedGate classifies fixed angles per label and returns an embedding
// derived from the label for every accepted frame.
type scriptedGate struct {
	mu     sync.Mutex
	angles map[pose.Label]pose.Angles
	err    error
	seen   []pose.Thresholds
}

func (g *scriptedGate) Evaluate(ctx context.Context, frame gocv.Mat, label pose.Label, th pose.Thresholds) (gate.Result, pose.Thresholds, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, th)
	if g.err != nil {
		return gate.Result{Pose: label}, th, g.err
	}

	a := g.angles[label]
	d := pose.Classify(a, label, th)
	res := gate.Result{Pose: label, Correct: d.Correct, Angles: &a}
	if !d.Correct {
		res.Err = &gate.PoseRejectedError{Reason: d.Reason, Angles: a}
		return res, d.Thresholds, nil
	}
	res.Embedding = []float64{float64(len(label)), 1, 2}
	return res, d.Thresholds, nil
}

func goodAngles() map[pose.Label]pose.Angles {
	return map[pose.Label]pose.Angles{
		pose.Front:    {Pitch: 0, Yaw: 0},
		pose.Sideways: {Pitch: 1, Yaw: 20},
		pose.Down:     {Pitch: -12, Yaw: 1},
	}
}

type harness struct {
	gate     *scriptedGate
	sessions *MemoryStore
	images   *imagestore.FileStore
	users    *store.UserRepository
	manager  *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	db, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	images, err := imagestore.NewFileStore(filepath.Join(dir, "images"))
	require.NoError(t, err)

	h := &harness{
		gate:     &scriptedGate{angles: goodAngles()},
		sessions: NewMemoryStore(time.Minute),
		images:   images,
		users:    db.Users(),
	}
	h.manager = NewManager(h.gate, h.sessions, images, h.users, Config{}, nil)
	return h
}

func frame(label pose.Label) Frame {
	return Frame{FirstName: "Ada", LastName: "Lovelace", Label: label, JPEG: []byte("jpeg-" + string(label))}
}

func TestSessionID(t *testing.T) {
	a := SessionID("Ada", "Lovelace")
	assert.Equal(t, a, SessionID("  ada ", "LOVELACE"))
	assert.NotEqual(t, a, SessionID("Ada", "Byron"))
	assert.NotEqual(t, SessionID("ab", "c"), SessionID("a", "bc"))
	assert.Len(t, a, 36)
}

func TestSession_Accept(t *testing.T) {
	s := NewSession("id", "Ada", "Lovelace", pose.Thresholds{})
	assert.Equal(t, pose.DefaultThresholds(), s.Thresholds)
	assert.Equal(t, pose.Front, s.Current)
	assert.Equal(t, pose.Sequence, s.Missing())

	// Out of order captures still fill the first gap.
	s.Accept(pose.Sideways, []float64{2}, "side.jpg")
	assert.Equal(t, pose.Front, s.Current)
	assert.Equal(t, "side.jpg", s.Images.Sideways)

	s.Accept(pose.Front, []float64{1}, "")
	assert.Equal(t, pose.Down, s.Current)
	assert.False(t, s.Complete())

	s.Accept(pose.Down, []float64{3}, "down.jpg")
	assert.True(t, s.Complete())
	assert.Equal(t, pose.Label(""), s.Current)
	assert.Equal(t, [][]float64{{1}, {2}, {3}}, s.EmbeddingSet())
}

func TestManager_FullSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var out Outcome
	var err error
	for _, label := range pose.Sequence {
		out, err = h.manager.ProcessFrame(ctx, frame(label))
		require.NoError(t, err)
		assert.True(t, out.Result.Accepted(), label)
	}
	assert.True(t, out.Complete)
	assert.Equal(t, SessionID("Ada", "Lovelace"), out.SessionID)
	assert.Equal(t, "Enrollment complete", out.Describe())

	rec, created, err := h.manager.Finalize(ctx, "", store.Identity{FirstName: "Ada", LastName: "Lovelace"}, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, rec.Embeddings, 3)
	assert.Equal(t, "enrollments/"+out.SessionID+"/front.jpg", rec.Images.Front)
	assert.Equal(t, "enrollments/"+out.SessionID+"/down.jpg", rec.Images.Down)

	data, err := os.ReadFile(filepath.Join(h.images.Root(), filepath.FromSlash(rec.Images.Sideways)))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-sideways", string(data))

	// The session is gone once saved.
	_, err = h.manager.Session(ctx, out.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// A second enrollment replaces the record.
	for _, label := range pose.Sequence {
		_, err := h.manager.ProcessFrame(ctx, frame(label))
		require.NoError(t, err)
	}
	again, created, err := h.manager.Finalize(ctx, "", store.Identity{FirstName: "Ada", LastName: "Lovelace"}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 2, again.Revision)
}

func TestManager_RejectionKeepsPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gate.angles[pose.Front] = pose.Angles{Pitch: 10}
	out, err := h.manager.ProcessFrame(ctx, frame(pose.Front))
	require.NoError(t, err)

	assert.False(t, out.Result.Accepted())
	assert.Equal(t, pose.Front, out.Next)
	assert.Contains(t, out.Describe(), "Detected angles not suitable for position 'front'")

	sess, err := h.manager.Session(ctx, out.SessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.EmbeddingSet())
}

func TestManager_ThresholdsThreadThroughSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A frontal yaw of 7 widens the sideways bound to 9.8.
	h.gate.angles[pose.Front] = pose.Angles{Yaw: 7}
	_, err := h.manager.ProcessFrame(ctx, frame(pose.Front))
	require.NoError(t, err)

	// Yaw 9 passes the default bound but not the recalibrated one.
	h.gate.angles[pose.Sideways] = pose.Angles{Yaw: 9}
	out, err := h.manager.ProcessFrame(ctx, frame(pose.Sideways))
	require.NoError(t, err)
	assert.False(t, out.Result.Accepted())

	sess, err := h.manager.Session(ctx, out.SessionID)
	require.NoError(t, err)
	assert.InDelta(t, 9.8, sess.Thresholds.Positive(), 1e-9)
	assert.InDelta(t, 9.8, h.gate.seen[1].Positive(), 1e-9)
}

func TestManager_InitialBound(t *testing.T) {
	h := newHarness(t)
	h.manager = NewManager(h.gate, h.sessions, nil, h.users, Config{InitialBound: 12}, nil)

	_, err := h.manager.ProcessFrame(context.Background(), frame(pose.Sideways))
	require.NoError(t, err)
	assert.Equal(t, pose.NewThresholds(12), h.gate.seen[0])
}

func TestManager_BackendFaultLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.ProcessFrame(ctx, frame(pose.Front))
	require.NoError(t, err)

	h.gate.err = errors.New("worker crashed")
	_, err = h.manager.ProcessFrame(ctx, frame(pose.Sideways))
	require.Error(t, err)

	sess, err := h.manager.Session(ctx, SessionID("Ada", "Lovelace"))
	require.NoError(t, err)
	assert.Equal(t, pose.Sideways, sess.Current)
	assert.Len(t, sess.EmbeddingSet(), 1)
}

func TestManager_ExplicitSessionIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The same subject in two sessions keeps two thresholds states.
	h.gate.angles[pose.Front] = pose.Angles{Yaw: 7}
	f := frame(pose.Front)
	f.SessionID = "tab-1"
	_, err := h.manager.ProcessFrame(ctx, f)
	require.NoError(t, err)

	h.gate.angles[pose.Front] = pose.Angles{Yaw: 0}
	f.SessionID = "tab-2"
	_, err = h.manager.ProcessFrame(ctx, f)
	require.NoError(t, err)

	one, err := h.manager.Session(ctx, "tab-1")
	require.NoError(t, err)
	two, err := h.manager.Session(ctx, "tab-2")
	require.NoError(t, err)
	assert.InDelta(t, 9.8, one.Thresholds.Positive(), 1e-9)
	assert.Equal(t, pose.DefaultThresholds(), two.Thresholds)
}

func TestManager_FinalizeWithClientEmbeddings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, created, err := h.manager.Finalize(ctx, "", store.Identity{FirstName: "Grace", LastName: "Hopper"}, [][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, rec.Embeddings)
	assert.Equal(t, store.Images{}, rec.Images)
}

func TestManager_FinalizeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.manager.Finalize(ctx, "", store.Identity{FirstName: "Ada"}, [][]float64{{1}})
	assert.ErrorIs(t, err, store.ErrValidation)

	// No session and no embeddings.
	_, _, err = h.manager.Finalize(ctx, "", store.Identity{FirstName: "Ada", LastName: "Lovelace"}, nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestManager_Reset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.manager.ProcessFrame(ctx, frame(pose.Front))
	require.NoError(t, err)
	require.NoError(t, h.manager.Reset(ctx, out.SessionID))

	_, err = h.manager.Session(ctx, out.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_ConcurrentFramesOfOneSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.manager.ProcessFrame(ctx, frame(pose.Sequence[i%3]))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := h.manager.Session(ctx, SessionID("Ada", "Lovelace"))
	require.NoError(t, err)
	assert.True(t, sess.Complete())
}

// leasedStore is a MemoryStore with a process-wide lease per session. It
// records how many holders were inside a lease at once.
type leasedStore struct {
	*MemoryStore

	mu      sync.Mutex
	leases  map[string]chan struct{}
	active  int
	maxSeen int
	err     error
}

func newLeasedStore() *leasedStore {
	return &leasedStore{MemoryStore: NewMemoryStore(time.Minute), leases: make(map[string]chan struct{})}
}

func (l *leasedStore) LockSession(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	if l.err != nil {
		defer l.mu.Unlock()
		return nil, l.err
	}
	lease, ok := l.leases[id]
	if !ok {
		lease = make(chan struct{}, 1)
		l.leases[id] = lease
	}
	l.mu.Unlock()

	select {
	case lease <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	l.active++
	l.maxSeen = max(l.maxSeen, l.active)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
		<-lease
	}, nil
}

func TestManager_SharedStoreAcrossManagers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	shared := newLeasedStore()

	// Two managers stand in for two server processes sharing one store.
	managers := []*Manager{
		NewManager(h.gate, shared, nil, h.users, Config{}, nil),
		NewManager(h.gate, shared, nil, h.users, Config{}, nil),
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := managers[i%2].ProcessFrame(ctx, frame(pose.Sequence[i%3]))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := shared.Load(ctx, SessionID("Ada", "Lovelace"))
	require.NoError(t, err)
	assert.True(t, sess.Complete())
	assert.Len(t, sess.EmbeddingSet(), 3)
	assert.Equal(t, 1, shared.maxSeen)
}

func TestManager_SessionLockFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	shared := newLeasedStore()
	shared.err = errors.New("lock service down")

	m := NewManager(h.gate, shared, nil, h.users, Config{}, nil)

	_, err := m.ProcessFrame(ctx, frame(pose.Front))
	assert.ErrorIs(t, err, shared.err)
	assert.Equal(t, 0, shared.Len())

	_, _, err = m.Finalize(ctx, "", store.Identity{FirstName: "Ada", LastName: "Lovelace"}, [][]float64{{1}})
	assert.ErrorIs(t, err, shared.err)

	assert.ErrorIs(t, m.Reset(ctx, SessionID("Ada", "Lovelace")), shared.err)
}

func TestManager_WithRealGate(t *testing.T) {
	det := detector.NewMockDetector()
	det.SetFaces([]detector.FaceLandmarks{detector.FrontalFaceLandmarks()})
	ext := encoder.NewMockExtractor(encoder.Embedding(0.5))
	g := gate.New(det, pose.NewEstimator(1), quality.NewGate(quality.DefaultConfig()), ext, nil)

	h := newHarness(t)
	m := NewManager(g, h.sessions, nil, h.users, Config{}, nil)

	img := testdata.SharpFrame()
	defer img.Close()

	out, err := m.ProcessFrame(context.Background(), Frame{FirstName: "Ada", LastName: "Lovelace", Label: pose.Front, Image: img})
	require.NoError(t, err)
	assert.True(t, out.Result.Accepted())
	assert.Equal(t, pose.Sideways, out.Next)
	assert.Equal(t, 1, ext.Calls())

	// The flat frontal face is not turned, so sideways is rejected.
	out, err = m.ProcessFrame(context.Background(), Frame{FirstName: "Ada", LastName: "Lovelace", Label: pose.Sideways, Image: img})
	require.NoError(t, err)
	assert.False(t, out.Result.Accepted())
	assert.Equal(t, pose.Sideways, out.Next)

	det.SetFaces([]detector.FaceLandmarks{detector.TurnedFaceLandmarks(0.3)})
	out, err = m.ProcessFrame(context.Background(), Frame{FirstName: "Ada", LastName: "Lovelace", Label: pose.Sideways, Image: img})
	require.NoError(t, err)
	assert.True(t, out.Result.Accepted(), "angles %v", out.Result.Angles)
	assert.Equal(t, pose.Down, out.Next)

	det.SetFaces([]detector.FaceLandmarks{detector.TiltedFaceLandmarks(0.3)})
	out, err = m.ProcessFrame(context.Background(), Frame{FirstName: "Ada", LastName: "Lovelace", Label: pose.Down, Image: img})
	require.NoError(t, err)
	assert.True(t, out.Result.Accepted(), "angles %v", out.Result.Angles)
	assert.True(t, out.Complete)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	s := NewSession("a", "Ada", "Lovelace", pose.DefaultThresholds())
	require.NoError(t, m.Save(ctx, s))

	got, err := m.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.FirstName)

	// Loaded sessions are copies.
	got.Accept(pose.Front, []float64{1}, "")
	again, err := m.Load(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, again.EmbeddingSet())

	now = now.Add(2 * time.Minute)
	_, err = m.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Save(ctx, NewSession("old", "A", "B", pose.Thresholds{})))
	now = now.Add(45 * time.Second)
	require.NoError(t, m.Save(ctx, NewSession("new", "C", "D", pose.Thresholds{})))
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())
	_, err := m.Load(ctx, "new")
	assert.NoError(t, err)
}

func TestSession_JSONRoundTripKeepsThresholds(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)

	s := NewSession("a", "Ada", "Lovelace", pose.DefaultThresholds().Recalibrate(-7))
	s.Accept(pose.Front, []float64{0.5, 0.25}, "front.jpg")
	require.NoError(t, m.Save(ctx, s))

	got, err := m.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, s.Thresholds, got.Thresholds)
	assert.Equal(t, s.Current, got.Current)
	assert.Equal(t, s.EmbeddingSet(), got.EmbeddingSet())
	assert.Equal(t, s.Images, got.Images)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("FACEENROLL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FACEENROLL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	r := NewRedisStore(client, time.Minute)

	id := "test-" + SessionID("redis", time.Now().String())
	s := NewSession(id, "Ada", "Lovelace", pose.DefaultThresholds().Recalibrate(5))
	require.NoError(t, r.Save(ctx, s))

	got, err := r.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, s.Thresholds, got.Thresholds)

	ttl, err := client.TTL(ctx, "faceenroll:session:"+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, r.Delete(ctx, id))
	_, err = r.Load(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	t.Run("LockSession", func(t *testing.T) {
		other := NewRedisStore(client, time.Minute)

		unlock, err := r.LockSession(ctx, id)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = other.LockSession(waitCtx, id)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlockOther, err := other.LockSession(ctx, id)
		require.NoError(t, err)

		// A stale release must not drop the current holder's lease.
		unlock()
		n, err := client.Exists(ctx, "faceenroll:lock:"+id).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		unlockOther()
		n, err = client.Exists(ctx, "faceenroll:lock:"+id).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}
