// Package enroll drives a subject through the front, sideways and down poses
// and persists the resulting embedding set.
package enroll

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/faceenroll/internal/pose"
	"github.com/ayusman/faceenroll/internal/store"
)

var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("faceenroll/session"))

// SessionID derives a stable session id from the subject's names. Case and
// surrounding whitespace are ignored.
func SessionID(firstName, lastName string) string {
	key := strings.ToLower(strings.TrimSpace(firstName)) + "\x00" + strings.ToLower(strings.TrimSpace(lastName))
	return uuid.NewSHA1(sessionNamespace, []byte(key)).String()
}

// Session is the state of one enrollment in progress.
type Session struct {
	ID         string                   `json:"id"`
	FirstName  string                   `json:"first_name"`
	LastName   string                   `json:"last_name"`
	Current    pose.Label               `json:"current"`
	Thresholds pose.Thresholds          `json:"thresholds"`
	Embeddings map[pose.Label][]float64 `json:"embeddings"`
	Images     store.Images             `json:"images"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// NewSession starts at the first pose of the sequence.
func NewSession(id, firstName, lastName string, th pose.Thresholds) *Session {
	if th.IsZero() {
		th = pose.DefaultThresholds()
	}
	return &Session{
		ID:         id,
		FirstName:  firstName,
		LastName:   lastName,
		Current:    pose.Sequence[0],
		Thresholds: th,
		Embeddings: make(map[pose.Label][]float64),
		UpdatedAt:  time.Now().UTC(),
	}
}

// Accept stores the embedding and image of label and moves Current to the
// first pose still missing. A later accept of the same pose replaces it.
func (s *Session) Accept(label pose.Label, embedding []float64, imageRef string) {
	if s.Embeddings == nil {
		s.Embeddings = make(map[pose.Label][]float64)
	}
	s.Embeddings[label] = append([]float64(nil), embedding...)
	if imageRef != "" {
		s.Images.Set(string(label), imageRef)
	}
	s.Current = ""
	if missing := s.Missing(); len(missing) > 0 {
		s.Current = missing[0]
	}
}

// Missing lists the poses without an embedding, in sequence order.
func (s *Session) Missing() []pose.Label {
	var missing []pose.Label
	for _, l := range pose.Sequence {
		if len(s.Embeddings[l]) == 0 {
			missing = append(missing, l)
		}
	}
	return missing
}

// Complete reports whether every pose has an embedding.
func (s *Session) Complete() bool {
	return len(s.Missing()) == 0
}

// EmbeddingSet returns the collected embeddings in sequence order.
func (s *Session) EmbeddingSet() [][]float64 {
	var set [][]float64
	for _, l := range pose.Sequence {
		if e := s.Embeddings[l]; len(e) > 0 {
			set = append(set, e)
		}
	}
	return set
}

// Identity returns the record key of the subject.
func (s *Session) Identity() store.Identity {
	return store.Identity{FirstName: s.FirstName, LastName: s.LastName}
}
