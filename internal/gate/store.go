package gate

import (
	"context"

	"github.com/ayusman/faceenroll/internal/store"
)

// EnrollmentStore persists embedding sets by identity. *store.UserRepository
// and *pgstore.Store implement it.
type EnrollmentStore interface {
	Upsert(ctx context.Context, id store.Identity, embeddings [][]float64, images store.Images) (*store.Record, bool, error)
	GetByID(ctx context.Context, id string) (*store.Record, error)
	GetByIdentity(ctx context.Context, id store.Identity) (*store.Record, error)
	List(ctx context.Context) ([]*store.Record, error)
	Delete(ctx context.Context, id string) error
}

var _ EnrollmentStore = (*store.UserRepository)(nil)
