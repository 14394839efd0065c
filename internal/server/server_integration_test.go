package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/faceenroll/internal/detector"
	"github.com/ayusman/faceenroll/internal/encoder"
	"github.com/ayusman/faceenroll/internal/enroll"
	"github.com/ayusman/faceenroll/internal/gate"
	"github.com/ayusman/faceenroll/internal/imagestore"
	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/quality"
	"github.com/ayusman/faceenroll/internal/server/api"
	"github.com/ayusman/faceenroll/internal/store"
	"github.com/ayusman/faceenroll/testdata"
)

// posingEstimator reports whatever head pose the test is currently holding.
type posingEstimator struct {
	mu     sync.Mutex
	angles pose.Angles
}

func (e *posingEstimator) hold(a pose.Angles) {
	e.mu.Lock()
	e.angles = a
	e.mu.Unlock()
}

func (e *posingEstimator) Estimate(*detector.FaceLandmarks, int, int) (pose.Angles, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.angles, nil
}

var heldPoses = map[pose.Label]pose.Angles{
	pose.Front:    {Pitch: 0, Yaw: 0},
	pose.Sideways: {Pitch: 1, Yaw: 20},
	pose.Down:     {Pitch: -12, Yaw: 1},
}

type testEnv struct {
	ts        *httptest.Server
	estimator *posingEstimator
	db        *store.Store
	imageDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	images, err := imagestore.NewFileStore(filepath.Join(tmpDir, "images"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	det := detector.NewMockDetector()
	det.SetFaces([]detector.FaceLandmarks{detector.FrontalFaceLandmarks()})
	est := &posingEstimator{}
	g := gate.New(det, pose.EstimatorFunc(est.Estimate), quality.NewGate(quality.DefaultConfig()), encoder.NewMockExtractor(encoder.Embedding(0.5)), nil)

	manager := enroll.NewManager(g, enroll.NewMemoryStore(time.Minute), images, db.Users(), enroll.Config{}, nil)
	srv := New(Config{
		Frames:       manager,
		Finalizer:    manager,
		Users:        db.Users(),
		Limiter:      api.NewSessionLimiter(100, 100, time.Minute),
		FrameTimeout: 5 * time.Second,
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, estimator: est, db: db, imageDir: filepath.Join(tmpDir, "images")}
}

func frameDataURL(t *testing.T) string {
	t.Helper()
	frame := testdata.SharpFrame()
	defer frame.Close()
	s, err := testdata.DataURL(frame)
	if err != nil {
		t.Fatalf("DataURL() error = %v", err)
	}
	return s
}

func (e *testEnv) postFrame(t *testing.T, position string) api.FaceResponse {
	t.Helper()
	form := url.Values{
		"image":    {frameDataURL(t)},
		"position": {position},
		"name":     {"Ada"},
		"surname":  {"Lovelace"},
	}
	resp, err := e.ts.Client().PostForm(e.ts.URL+"/api/face_processing/", form)
	if err != nil {
		t.Fatalf("POST face_processing error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST face_processing status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var out api.FaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode face response: %v", err)
	}
	return out
}

type saveResult struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

func (e *testEnv) saveUser(t *testing.T, body string) saveResult {
	t.Helper()
	resp, err := e.ts.Client().Post(e.ts.URL+"/api/save_user/", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST save_user error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST save_user status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var out saveResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode save response: %v", err)
	}
	return out
}

func (e *testEnv) enrollAllPoses(t *testing.T) string {
	t.Helper()
	var sessionID string
	for _, label := range pose.Sequence {
		e.estimator.hold(heldPoses[label])
		out := e.postFrame(t, string(label))
		if !out.PositionChangeRequired || out.Error != nil {
			t.Fatalf("%s rejected: %+v", label, out)
		}
		sessionID = out.SessionID
	}
	return sessionID
}

func TestAPI_EnrollmentWorkflow(t *testing.T) {
	e := newTestEnv(t)

	// 1. A wrong pose is rejected and the session stays on front.
	e.estimator.hold(heldPoses[pose.Sideways])
	out := e.postFrame(t, "front")
	if out.PositionChangeRequired || out.Error == nil {
		t.Fatalf("turned head accepted as front: %+v", out)
	}
	if out.FaceEncoding != nil {
		t.Errorf("rejected frame returned an encoding")
	}
	if out.NextPosition != "front" {
		t.Errorf("next_position = %s, want front", out.NextPosition)
	}

	// 2. All three poses.
	sessionID := e.enrollAllPoses(t)

	// 3. Save from the session.
	saved := e.saveUser(t, `{"name":"Ada","surname":"Lovelace","session_id":"`+sessionID+`"}`)
	if saved.Message != "User created successfully: "+saved.UserID {
		t.Errorf("message = %q", saved.Message)
	}

	rec, err := e.db.Users().GetByID(context.Background(), saved.UserID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if len(rec.Embeddings) != 3 {
		t.Errorf("len(embeddings) = %d, want 3", len(rec.Embeddings))
	}
	for _, ref := range []string{rec.Images.Front, rec.Images.Sideways, rec.Images.Down} {
		if ref == "" {
			t.Errorf("missing image reference in %+v", rec.Images)
			continue
		}
		if _, err := os.Stat(filepath.Join(e.imageDir, ref)); err != nil {
			t.Errorf("image %s not written: %v", ref, err)
		}
	}

	// 4. A second enrollment for the same person replaces the record.
	e.enrollAllPoses(t)
	again := e.saveUser(t, `{"name":"Ada","surname":"Lovelace","session_id":"`+sessionID+`"}`)
	if again.UserID != saved.UserID {
		t.Errorf("user_id = %s, want %s", again.UserID, saved.UserID)
	}
	if again.Message != "User updated successfully: "+saved.UserID {
		t.Errorf("message = %q", again.Message)
	}

	// 5. The users API sees one person at revision 2.
	resp, err := e.ts.Client().Get(e.ts.URL + "/api/users")
	if err != nil {
		t.Fatalf("GET /api/users error = %v", err)
	}
	var listed struct {
		Users []struct {
			ID       string `json:"id"`
			Revision int    `json:"revision"`
		} `json:"users"`
	}
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()

	if len(listed.Users) != 1 || listed.Users[0].Revision != 2 {
		t.Errorf("users = %+v, want one user at revision 2", listed.Users)
	}
}

func TestAPI_SaveUserWithClientEncodings(t *testing.T) {
	e := newTestEnv(t)

	saved := e.saveUser(t, `{"name":"Grace","surname":"Hopper","face_encoding":[[0.1,0.2],[0.3,0.4]]}`)
	if !strings.HasPrefix(saved.Message, "User created successfully: ") {
		t.Errorf("message = %q", saved.Message)
	}

	resp, err := e.ts.Client().Post(e.ts.URL+"/api/save_user/", "application/json", bytes.NewBufferString(`{"surname":"Hopper"}`))
	if err != nil {
		t.Fatalf("POST save_user error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestAPI_EnrollSocket(t *testing.T) {
	e := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/enroll"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	image := frameDataURL(t)

	type reply struct {
		Status int              `json:"status"`
		Result api.FaceResponse `json:"result"`
	}
	send := func(req api.FaceRequest) reply {
		t.Helper()
		if err := conn.WriteJSON(req); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
		var r reply
		if err := conn.ReadJSON(&r); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return r
	}

	e.estimator.hold(heldPoses[pose.Front])
	first := send(api.FaceRequest{Image: image, Position: "front", Name: "Ada", Surname: "Lovelace"})
	if first.Status != http.StatusOK || !first.Result.PositionChangeRequired {
		t.Fatalf("front reply = %+v", first)
	}

	// Later frames may drop the identity; the socket remembers the session.
	e.estimator.hold(heldPoses[pose.Sideways])
	second := send(api.FaceRequest{Image: image, Position: "sideways"})
	if second.Status != http.StatusOK || !second.Result.PositionChangeRequired {
		t.Fatalf("sideways reply = %+v", second)
	}
	if second.Result.SessionID != first.Result.SessionID {
		t.Errorf("session changed: %s -> %s", first.Result.SessionID, second.Result.SessionID)
	}
	if second.Result.NextPosition != "down" {
		t.Errorf("next_position = %s, want down", second.Result.NextPosition)
	}

	// A malformed message gets a 400 and the connection stays open.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var bad struct {
		Status int `json:"status"`
	}
	if err := conn.ReadJSON(&bad); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if bad.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", bad.Status, http.StatusBadRequest)
	}

	e.estimator.hold(heldPoses[pose.Down])
	last := send(api.FaceRequest{Image: image, Position: "down"})
	if !last.Result.Complete {
		t.Errorf("expected complete session, got %+v", last.Result)
	}
}

func TestAPI_HealthCheck(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var health struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	json.NewDecoder(resp.Body).Decode(&health)

	if health.Status != "ok" {
		t.Errorf("status = %s, want ok", health.Status)
	}
}
