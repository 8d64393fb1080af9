package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// MatchKindSuccess is the kind recorded for an accepted live match.
const MatchKindSuccess = "SUCCESS"

var (
	// ErrIdentityConflict is returned by Insert when the external code is already taken.
	ErrIdentityConflict = errors.New("identity with this external code already exists")
	// ErrNotFound is returned when an identity id does not exist.
	ErrNotFound = errors.New("identity not found")
)

// IdentityStore is the durable catalog of identities and recognition events.
type IdentityStore interface {
	FetchAll(ctx context.Context, activeOnly bool) ([]types.Identity, error)
	FetchByID(ctx context.Context, id int64) (*types.Identity, error)
	Insert(ctx context.Context, identity types.Identity, actorID int64) (int64, error)
	SoftDelete(ctx context.Context, id int64) error
	Rename(ctx context.Context, id int64, displayName string) error
	RecordMatch(ctx context.Context, identityID int64, confidence float64, kind string) error
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Store manages the PostgreSQL connection pool and pgvector columns.
type Store struct {
	pool      *pgxpool.Pool
	sessionID uuid.UUID
}

// New connects to the database and applies pending migrations.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool, sessionID: uuid.New()}, nil
}

// SessionID identifies this process in recognition_logs.
func (s *Store) SessionID() uuid.UUID {
	return s.sessionID
}

// Close terminates the connection pool.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
}

const identityColumns = `id, external_code, display_name, embedding::real[], COALESCE(photo_path, ''), is_active, created_at`

func scanIdentity(row pgx.Row) (types.Identity, error) {
	var id types.Identity
	var vec []float32
	if err := row.Scan(&id.ID, &id.ExternalCode, &id.DisplayName, &vec, &id.PhotoPath, &id.Active, &id.CreatedAt); err != nil {
		return types.Identity{}, err
	}
	if vec != nil {
		id.Embedding = make([]float64, len(vec))
		for i, v := range vec {
			id.Embedding[i] = float64(v)
		}
	}
	return id, nil
}

// FetchAll returns identities ordered by display name.
func (s *Store) FetchAll(ctx context.Context, activeOnly bool) ([]types.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY display_name, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FetchByID returns nil without error when the identity does not exist.
func (s *Store) FetchByID(ctx context.Context, id int64) (*types.Identity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	identity, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// Insert adds an identity and returns its id. actorID <= 0 records no actor.
func (s *Store) Insert(ctx context.Context, identity types.Identity, actorID int64) (int64, error) {
	var vec any
	if len(identity.Embedding) > 0 {
		f32 := make([]float32, len(identity.Embedding))
		for i, v := range identity.Embedding {
			f32[i] = float32(v)
		}
		vec = pgvector.NewVector(f32)
	}
	var actor any
	if actorID > 0 {
		actor = actorID
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (external_code, display_name, embedding, photo_path, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING id
	`, identity.ExternalCode, identity.DisplayName, vec, identity.PhotoPath, actor).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrIdentityConflict
		}
		return 0, err
	}
	return id, nil
}

// SoftDelete marks an identity inactive; its recognition history is kept.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE identities SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Rename updates the display name of an identity.
func (s *Store) Rename(ctx context.Context, id int64, displayName string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE identities SET display_name = $1, updated_at = NOW() WHERE id = $2`, displayName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordMatch appends a recognition event tagged with this process's session id.
func (s *Store) RecordMatch(ctx context.Context, identityID int64, confidence float64, kind string) error {
	if kind == "" {
		kind = MatchKindSuccess
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recognition_logs (identity_id, confidence, kind, session_id)
		VALUES ($1, $2, $3, $4)
	`, identityID, confidence, kind, s.sessionID)
	return err
}

// MatchCount returns how many recognition events were recorded for an identity.
func (s *Store) MatchCount(ctx context.Context, identityID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM recognition_logs WHERE identity_id = $1`, identityID).Scan(&n)
	return n, err
}

// Reset drops all application tables to clear the database state.
// The next New call recreates them through the migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS recognition_logs CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
		DROP TABLE IF EXISTS schema_migrations CASCADE;
	`)
	return err
}
