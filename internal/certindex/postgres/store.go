package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certledger/certledger/internal/certindex"
)

var ErrInvalidConfig = errors.New("certindex/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("certindex/postgres: ensure schema: %w", err)
	}
	return nil
}

// Put inserts a new index entry. The primary key and the unique content-hash
// index make duplicate detection atomic against concurrent writers; the
// database decides who wins, not this process.
func (s *Store) Put(ctx context.Context, e certindex.Entry) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificate_index (
			normalized_id,
			content_hash,
			storage_id,
			issuer,
			issued_at,
			blob_key
		) VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.ContentHash[:], e.StorageID, e.Issuer.Bytes(), e.IssuedAt.UTC(), e.BlobKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "certificate_index_content_hash_idx" {
				return fmt.Errorf("%w: %s", certindex.ErrDuplicateContent, e.ID)
			}
			return fmt.Errorf("%w: %s", certindex.ErrDuplicateID, e.ID)
		}
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return fmt.Errorf("%w: %v", certindex.ErrInvalidEntry, err)
		}
		return fmt.Errorf("certindex/postgres: insert: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, normalizedID string) (certindex.Entry, error) {
	if s == nil || s.pool == nil {
		return certindex.Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT normalized_id, content_hash, storage_id, issuer, issued_at, blob_key
		FROM certificate_index
		WHERE normalized_id = $1
	`, normalizedID)
	return scanEntry(row, normalizedID)
}

func (s *Store) GetByContentHash(ctx context.Context, hash [32]byte) (certindex.Entry, error) {
	if s == nil || s.pool == nil {
		return certindex.Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT normalized_id, content_hash, storage_id, issuer, issued_at, blob_key
		FROM certificate_index
		WHERE content_hash = $1
	`, hash[:])
	return scanEntry(row, "")
}

func (s *Store) List(ctx context.Context) ([]certindex.Entry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT normalized_id, content_hash, storage_id, issuer, issued_at, blob_key
		FROM certificate_index
		ORDER BY normalized_id
	`)
	if err != nil {
		return nil, fmt.Errorf("certindex/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []certindex.Entry
	for rows.Next() {
		e, err := scanEntry(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("certindex/postgres: list rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner, lookupID string) (certindex.Entry, error) {
	var (
		id        string
		hashRaw   []byte
		storageID string
		issuerRaw []byte
		issuedAt  time.Time
		blobKey   string
	)
	if err := row.Scan(&id, &hashRaw, &storageID, &issuerRaw, &issuedAt, &blobKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if lookupID != "" {
				return certindex.Entry{}, fmt.Errorf("%w: %s", certindex.ErrNotFound, lookupID)
			}
			return certindex.Entry{}, certindex.ErrNotFound
		}
		return certindex.Entry{}, fmt.Errorf("certindex/postgres: scan: %w", err)
	}
	if len(hashRaw) != 32 || len(issuerRaw) != 20 {
		return certindex.Entry{}, fmt.Errorf("certindex/postgres: malformed row for %q", id)
	}

	var e certindex.Entry
	e.ID = id
	copy(e.ContentHash[:], hashRaw)
	e.StorageID = storageID
	e.Issuer = common.BytesToAddress(issuerRaw)
	e.IssuedAt = issuedAt.UTC()
	e.BlobKey = blobKey
	return e, nil
}

var _ certindex.Store = (*Store)(nil)
