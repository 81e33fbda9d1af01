// Package postgres persists institution registrations and requests in
// postgres. Put calls upsert by identity so re-submissions replace the
// previous record, matching the Store contract.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certledger/certledger/internal/institution"
)

var ErrInvalidConfig = errors.New("institution/postgres: invalid config")

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
		return fmt.Errorf("institution/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) PutRegistration(ctx context.Context, reg institution.Registration) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	profile, err := json.Marshal(reg.Profile)
	if err != nil {
		return fmt.Errorf("institution/postgres: marshal profile: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO institution_registrations (identity, profile, pin_cid, registered_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (identity) DO UPDATE SET
			profile = EXCLUDED.profile,
			pin_cid = EXCLUDED.pin_cid,
			registered_at = EXCLUDED.registered_at
	`, reg.Identity.Bytes(), profile, reg.PinCID, reg.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("institution/postgres: upsert registration: %w", err)
	}
	return nil
}

func (s *Store) GetRegistration(ctx context.Context, identity common.Address) (institution.Registration, error) {
	if s == nil || s.pool == nil {
		return institution.Registration{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT identity, profile, pin_cid, registered_at
		FROM institution_registrations
		WHERE identity = $1
	`, identity.Bytes())

	var (
		identityRaw  []byte
		profileRaw   []byte
		pinCID       string
		registeredAt time.Time
	)
	if err := row.Scan(&identityRaw, &profileRaw, &pinCID, &registeredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return institution.Registration{}, fmt.Errorf("%w: %s", institution.ErrNotFound, identity.Hex())
		}
		return institution.Registration{}, fmt.Errorf("institution/postgres: scan registration: %w", err)
	}

	var profile institution.Profile
	if err := json.Unmarshal(profileRaw, &profile); err != nil {
		return institution.Registration{}, fmt.Errorf("institution/postgres: decode profile: %w", err)
	}
	return institution.Registration{
		Identity:     common.BytesToAddress(identityRaw),
		Profile:      profile,
		PinCID:       pinCID,
		RegisteredAt: registeredAt.UTC(),
	}, nil
}

func (s *Store) PutRequest(ctx context.Context, req institution.Request) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	profile, err := json.Marshal(req.Profile)
	if err != nil {
		return fmt.Errorf("institution/postgres: marshal profile: %w", err)
	}
	var handledAt *time.Time
	if !req.HandledAt.IsZero() {
		t := req.HandledAt.UTC()
		handledAt = &t
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO institution_requests (identity, profile, pin_cid, status, requested_at, handled_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (identity) DO UPDATE SET
			profile = EXCLUDED.profile,
			pin_cid = EXCLUDED.pin_cid,
			status = EXCLUDED.status,
			requested_at = EXCLUDED.requested_at,
			handled_at = EXCLUDED.handled_at
	`, req.Identity.Bytes(), profile, req.PinCID, string(req.Status), req.RequestedAt.UTC(), handledAt)
	if err != nil {
		return fmt.Errorf("institution/postgres: upsert request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, identity common.Address) (institution.Request, error) {
	if s == nil || s.pool == nil {
		return institution.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT identity, profile, pin_cid, status, requested_at, handled_at
		FROM institution_requests
		WHERE identity = $1
	`, identity.Bytes())
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return institution.Request{}, fmt.Errorf("%w: %s", institution.ErrNotFound, identity.Hex())
		}
		return institution.Request{}, err
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]institution.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT identity, profile, pin_cid, status, requested_at, handled_at
		FROM institution_requests
		ORDER BY requested_at, identity
	`)
	if err != nil {
		return nil, fmt.Errorf("institution/postgres: list requests: %w", err)
	}
	defer rows.Close()

	var out []institution.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("institution/postgres: list rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (institution.Request, error) {
	var (
		identityRaw []byte
		profileRaw  []byte
		pinCID      string
		status      string
		requestedAt time.Time
		handledAt   *time.Time
	)
	if err := row.Scan(&identityRaw, &profileRaw, &pinCID, &status, &requestedAt, &handledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return institution.Request{}, err
		}
		return institution.Request{}, fmt.Errorf("institution/postgres: scan request: %w", err)
	}

	var profile institution.Profile
	if err := json.Unmarshal(profileRaw, &profile); err != nil {
		return institution.Request{}, fmt.Errorf("institution/postgres: decode profile: %w", err)
	}
	req := institution.Request{
		Identity:    common.BytesToAddress(identityRaw),
		Profile:     profile,
		PinCID:      pinCID,
		Status:      institution.Status(status),
		RequestedAt: requestedAt.UTC(),
	}
	if handledAt != nil {
		req.HandledAt = handledAt.UTC()
	}
	return req, nil
}

var _ institution.Store = (*Store)(nil)
