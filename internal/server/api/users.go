package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/faceenroll/internal/gate"
	"github.com/ayusman/faceenroll/internal/logging"
	"github.com/ayusman/faceenroll/internal/store"
)

// Finalizer writes the record of a finished enrollment.
// *enroll.Manager implements it.
type Finalizer interface {
	Finalize(ctx context.Context, sessionID string, id store.Identity, embeddings [][]float64) (*store.Record, bool, error)
}

// Encodings is a set of embeddings. A flat list of numbers decodes as a set
// of one.
type Encodings [][]float64

// UnmarshalJSON implements json.Unmarshaler.
func (e *Encodings) UnmarshalJSON(data []byte) error {
	var set [][]float64
	if err := json.Unmarshal(data, &set); err == nil {
		*e = set
		return nil
	}
	var one []float64
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("face_encoding must be a list of numbers or a list of lists: %w", err)
	}
	if len(one) == 0 {
		*e = nil
		return nil
	}
	*e = Encodings{one}
	return nil
}

// SaveUserRequest is the body of POST /api/save_user/.
type SaveUserRequest struct {
	Name         string    `json:"name" validate:"required"`
	Surname      string    `json:"surname" validate:"required"`
	FaceEncoding Encodings `json:"face_encoding" validate:"omitempty,dive,min=1"`
	SessionID    string    `json:"session_id"`
}

type saveUserResponse struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

// NewValidator returns a validator that reports JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SaveUserHandler serves POST /api/save_user/.
type SaveUserHandler struct {
	finalizer Finalizer
	validator *validator.Validate
	log       logrus.FieldLogger
}

// NewSaveUserHandler creates a SaveUserHandler.
func NewSaveUserHandler(f Finalizer, v *validator.Validate, log logrus.FieldLogger) *SaveUserHandler {
	if v == nil {
		v = NewValidator()
	}
	return &SaveUserHandler{finalizer: f, validator: v, log: logging.OrDiscard(log)}
}

// ServeHTTP implements the http.Handler interface.
func (h *SaveUserHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, postOnly)
		return
	}
	log := logging.FromContext(r.Context(), h.log)

	var req SaveUserRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing key in data: '%s'", fe.Field()))
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid value for '%s'", fe.Namespace()))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := store.Identity{FirstName: req.Name, LastName: req.Surname}
	rec, created, err := h.finalizer.Finalize(r.Context(), req.SessionID, id, req.FaceEncoding)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.WithError(err).Error("Exception occurred during user save.")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	verb := "updated"
	if created {
		verb = "created"
	}
	message := fmt.Sprintf("User %s successfully: %s", verb, rec.ID)
	log.Info(message)

	writeJSON(w, http.StatusOK, saveUserResponse{Message: message, UserID: rec.ID})
}

// UserHandler handles HTTP requests for enrolled users.
type UserHandler struct {
	users gate.EnrollmentStore
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users gate.EnrollmentStore) *UserHandler {
	return &UserHandler{users: users}
}

type userResponse struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Surname       string       `json:"surname"`
	FaceEncodings [][]float64  `json:"face_encodings,omitempty"`
	EncodingCount int          `json:"encoding_count"`
	Images        store.Images `json:"images"`
	Revision      int          `json:"revision"`
	CreatedAt     string       `json:"created_at"`
	UpdatedAt     string       `json:"updated_at"`
}

type listUsersResponse struct {
	Users []userResponse `json:"users"`
}

func toUserResponse(rec *store.Record, withEncodings bool) userResponse {
	resp := userResponse{
		ID:            rec.ID,
		Name:          rec.FirstName,
		Surname:       rec.LastName,
		EncodingCount: len(rec.Embeddings),
		Images:        rec.Images,
		Revision:      rec.Revision,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     rec.UpdatedAt.Format(time.RFC3339),
	}
	if withEncodings {
		resp.FaceEncodings = rec.Embeddings
	}
	return resp
}

// ServeHTTP routes /api/users and /api/users/{id}.
func (h *UserHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/users"), "/")

	if id == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h.list(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *UserHandler) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	resp := listUsersResponse{Users: make([]userResponse, 0, len(records))}
	for _, rec := range records {
		resp.Users = append(resp.Users, toUserResponse(rec, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UserHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(rec, true))
}

func (h *UserHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
