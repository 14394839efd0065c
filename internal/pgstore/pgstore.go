// Package pgstore provides PostgreSQL storage for enrolled face embeddings.
// It implements the same contract as package store on a pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"

	"github.com/ayusman/faceenroll/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store manages the PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and applies the embedded migrations.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrateUp(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

const userColumns = `id, first_name, last_name, face_encodings, front_image, side_image, down_image, revision, created_at, updated_at`

// Upsert creates or wholesale replaces the record for id in one statement.
func (s *Store) Upsert(ctx context.Context, id store.Identity, embeddings [][]float64, images store.Images) (*store.Record, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}
	if err := store.ValidateEmbeddings(embeddings); err != nil {
		return nil, false, err
	}
	id = id.Normalize()

	data, err := json.Marshal(embeddings)
	if err != nil {
		return nil, false, fmt.Errorf("marshal face encodings: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, first_name, last_name, face_encodings, front_image, side_image, down_image)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		ON CONFLICT (first_name, last_name) DO UPDATE SET
			face_encodings = EXCLUDED.face_encodings,
			front_image = EXCLUDED.front_image,
			side_image = EXCLUDED.side_image,
			down_image = EXCLUDED.down_image,
			revision = users.revision + 1,
			updated_at = NOW()
		RETURNING `+userColumns,
		uuid.NewString(), id.FirstName, id.LastName, string(data),
		images.Front, images.Sideways, images.Down,
	)

	rec, err := scanUser(row)
	if err != nil {
		return nil, false, fmt.Errorf("upsert user: %w", err)
	}
	return rec, rec.Revision == 1, nil
}

// GetByID retrieves a record by its ID.
func (s *Store) GetByID(ctx context.Context, id string) (*store.Record, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByIdentity retrieves a record by first and last name.
func (s *Store) GetByIdentity(ctx context.Context, id store.Identity) (*store.Record, error) {
	id = id.Normalize()
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE first_name = $1 AND last_name = $2`,
		id.FirstName, id.LastName,
	))
}

// List retrieves all records, newest first.
func (s *Store) List(ctx context.Context) ([]*store.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*store.Record
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a record by its ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*store.Record, error) {
	rec := &store.Record{}
	var encodings []byte

	err := row.Scan(
		&rec.ID, &rec.FirstName, &rec.LastName, &encodings,
		&rec.Images.Front, &rec.Images.Sideways, &rec.Images.Down,
		&rec.Revision, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(encodings, &rec.Embeddings); err != nil {
		return nil, fmt.Errorf("decode face encodings of %s: %w", rec.ID, err)
	}
	return rec, nil
}
