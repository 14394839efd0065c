package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/faceenroll/internal/capture"
	"github.com/ayusman/faceenroll/internal/enroll"
	"github.com/ayusman/faceenroll/internal/logging"
	"github.com/ayusman/faceenroll/internal/pose"
)

// maxImageBytes bounds the request body of a submitted frame.
const maxImageBytes = 16 << 20

// FrameProcessor runs one frame through an enrollment session.
// *enroll.Manager implements it.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, f enroll.Frame) (enroll.Outcome, error)
}

// FaceRequest is one submitted frame. The HTTP handler fills it from form
// fields; the WebSocket handler decodes it from JSON.
type FaceRequest struct {
	Image     string `json:"image"`
	Position  string `json:"position"`
	Name      string `json:"name"`
	Surname   string `json:"surname"`
	SessionID string `json:"session_id"`
}

// FaceResponse is the per-frame verdict.
type FaceResponse struct {
	Correct                bool         `json:"correct"`
	FaceEncoding           []float64    `json:"face_encoding"`
	Error                  *string      `json:"error"`
	PositionChangeRequired bool         `json:"position_change_required"`
	Message                string       `json:"message"`
	SessionID              string       `json:"session_id"`
	NextPosition           string       `json:"next_position"`
	Complete               bool         `json:"complete"`
	Instruction            string       `json:"instruction,omitempty"`
	Angles                 *pose.Angles `json:"angles,omitempty"`
}

// FaceHandler serves POST /api/face_processing/.
type FaceHandler struct {
	proc    FrameProcessor
	limiter *SessionLimiter
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewFaceHandler creates a FaceHandler. limiter may be nil; a non-positive
// timeout disables the per-frame deadline.
func NewFaceHandler(proc FrameProcessor, limiter *SessionLimiter, timeout time.Duration, log logrus.FieldLogger) *FaceHandler {
	return &FaceHandler{
		proc:    proc,
		limiter: limiter,
		timeout: timeout,
		log:     logging.OrDiscard(log),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *FaceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, postOnly)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	req := FaceRequest{
		Image:     r.FormValue("image"),
		Position:  r.FormValue("position"),
		Name:      r.FormValue("name"),
		Surname:   r.FormValue("surname"),
		SessionID: r.FormValue("session_id"),
	}

	status, body := h.Process(r.Context(), req)
	writeJSON(w, status, body)
}

// Process evaluates req and returns the status code and response body.
func (h *FaceHandler) Process(ctx context.Context, req FaceRequest) (int, interface{}) {
	log := logging.FromContext(ctx, h.log)

	if req.Image == "" {
		return http.StatusBadRequest, errorResponse{Error: "No image provided"}
	}

	label, err := pose.ParseLabel(req.Position)
	if err != nil {
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	}

	// Frames without a name or session_id start an anonymous session; the
	// client continues it with the returned session_id.
	sessionID := strings.TrimSpace(req.SessionID)
	switch {
	case sessionID != "":
	case strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Surname) != "":
		sessionID = enroll.SessionID(req.Name, req.Surname)
	default:
		sessionID = uuid.NewString()
	}

	if !h.limiter.Allow(sessionID) {
		log.WithField("session", sessionID).Warn("too many frames")
		return http.StatusTooManyRequests, errorResponse{Error: "Too many requests"}
	}

	img, raw, err := capture.DecodeImage(req.Image)
	if err != nil {
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	}
	defer img.Close()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	out, err := h.proc.ProcessFrame(ctx, enroll.Frame{
		SessionID: sessionID,
		FirstName: req.Name,
		LastName:  req.Surname,
		Label:     label,
		Image:     img,
		JPEG:      raw,
	})
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Error("frame processing failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, errorResponse{Error: "frame processing timed out"}
		}
		return http.StatusInternalServerError, errorResponse{Error: err.Error()}
	}

	return http.StatusOK, newFaceResponse(req, out)
}

func newFaceResponse(req FaceRequest, out enroll.Outcome) FaceResponse {
	res := out.Result
	resp := FaceResponse{
		Correct:                res.Correct,
		FaceEncoding:           res.Embedding,
		PositionChangeRequired: res.Accepted(),
		SessionID:              out.SessionID,
		NextPosition:           string(out.Next),
		Complete:               out.Complete,
		Instruction:            out.Next.Instruction(),
		Angles:                 res.Angles,
	}

	if res.Accepted() {
		resp.Message = fmt.Sprintf("Position '%s' is correct for %s %s. Encodings captured successfully.", req.Position, req.Name, req.Surname)
	} else {
		msg := res.Message()
		resp.Error = &msg
		resp.Message = fmt.Sprintf("Position %s incorrect or encodings failed: %s", req.Position, msg)
	}
	return resp
}
