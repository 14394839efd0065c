package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when an upsert is missing required fields.
	ErrValidation = errors.New("validation failed")
)

// Identity is the natural key of an enrollment record.
type Identity struct {
	FirstName string
	LastName  string
}

// Normalize trims surrounding whitespace from both names.
func (id Identity) Normalize() Identity {
	return Identity{
		FirstName: strings.TrimSpace(id.FirstName),
		LastName:  strings.TrimSpace(id.LastName),
	}
}

// Validate reports missing name fields.
func (id Identity) Validate() error {
	n := id.Normalize()
	switch {
	case n.FirstName == "" && n.LastName == "":
		return fmt.Errorf("%w: name and surname are required", ErrValidation)
	case n.FirstName == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case n.LastName == "":
		return fmt.Errorf("%w: surname is required", ErrValidation)
	}
	return nil
}

func (id Identity) String() string {
	return id.FirstName + " " + id.LastName
}

// Images references the stored image of each pose. Empty means none.
type Images struct {
	Front    string `json:"front,omitempty"`
	Sideways string `json:"sideways,omitempty"`
	Down     string `json:"down,omitempty"`
}

// Set stores ref under the pose name. Unknown names are ignored.
func (im *Images) Set(pose, ref string) {
	switch pose {
	case "front":
		im.Front = ref
	case "sideways":
		im.Sideways = ref
	case "down":
		im.Down = ref
	}
}

// Record is one enrolled person.
type Record struct {
	ID         string
	FirstName  string
	LastName   string
	Embeddings [][]float64
	Images     Images
	Revision   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ValidateEmbeddings rejects an empty set or an empty vector inside it.
func ValidateEmbeddings(embeddings [][]float64) error {
	if len(embeddings) == 0 {
		return fmt.Errorf("%w: face encodings are required", ErrValidation)
	}
	for i, e := range embeddings {
		if len(e) == 0 {
			return fmt.Errorf("%w: face encoding %d is empty", ErrValidation, i)
		}
	}
	return nil
}

// UserRepository provides persistence for enrollment records.
type UserRepository struct {
	db *sql.DB
}

// Users returns the user repository for this store.
func (s *Store) Users() *UserRepository {
	return &UserRepository{db: s.db}
}

const userColumns = `id, first_name, last_name, face_encodings, front_image, side_image, down_image, revision, created_at, updated_at`

// Upsert creates the record for id or replaces its embeddings and images
// wholesale. The write is a single INSERT ... ON CONFLICT statement inside a
// transaction, so readers see either the previous set or the new one.
// created reports whether the record did not exist before.
func (r *UserRepository) Upsert(ctx context.Context, id Identity, embeddings [][]float64, images Images) (*Record, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}
	if err := ValidateEmbeddings(embeddings); err != nil {
		return nil, false, err
	}
	id = id.Normalize()

	data, err := json.Marshal(embeddings)
	if err != nil {
		return nil, false, fmt.Errorf("marshal face encodings: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var recordID string
	var revision int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (id, first_name, last_name, face_encodings, front_image, side_image, down_image, revision, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(first_name, last_name) DO UPDATE SET
			face_encodings = excluded.face_encodings,
			front_image = excluded.front_image,
			side_image = excluded.side_image,
			down_image = excluded.down_image,
			revision = users.revision + 1,
			updated_at = excluded.updated_at
		 RETURNING id, revision`,
		uuid.NewString(), id.FirstName, id.LastName, string(data),
		images.Front, images.Sideways, images.Down, now, now,
	).Scan(&recordID, &revision)
	if err != nil {
		return nil, false, fmt.Errorf("upsert user: %w", err)
	}

	rec, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, recordID))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return rec, revision == 1, nil
}

// GetByID retrieves a record by its ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetByIdentity retrieves a record by first and last name.
func (r *UserRepository) GetByIdentity(ctx context.Context, id Identity) (*Record, error) {
	id = id.Normalize()
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE first_name = ? AND last_name = ?`,
		id.FirstName, id.LastName,
	))
}

// List retrieves all records, newest first.
func (r *UserRepository) List(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes a record by its ID.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*Record, error) {
	rec := &Record{}
	var encodings string

	err := row.Scan(
		&rec.ID, &rec.FirstName, &rec.LastName, &encodings,
		&rec.Images.Front, &rec.Images.Sideways, &rec.Images.Down,
		&rec.Revision, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(encodings), &rec.Embeddings); err != nil {
		return nil, fmt.Errorf("decode face encodings of %s: %w", rec.ID, err)
	}

	return rec, nil
}
