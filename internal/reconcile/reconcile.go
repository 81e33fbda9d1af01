// Package reconcile keeps a replica certificate index in step with the ledger.
//
// Issued events carry everything needed to rebuild an index entry, but the
// ledger stays the source of truth: every event is re-read from the contract
// before it is applied, and Audit re-checks existing entries the same way.
package reconcile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certledger/certledger/internal/blobstore"
	"github.com/certledger/certledger/internal/certindex"
	"github.com/certledger/certledger/internal/issuedevent"
	"github.com/certledger/certledger/internal/ledger"
)

var (
	ErrInvalidConfig  = errors.New("reconcile: invalid config")
	ErrInvalidEvent   = errors.New("reconcile: invalid event")
	ErrLedgerMismatch = errors.New("reconcile: ledger disagrees with event")
)

// Ledger is the read-only contract surface reconciliation needs.
type Ledger interface {
	Verify(ctx context.Context, certificateID string) (ledger.Record, error)
}

type Config struct {
	Ledger Ledger
	Index  certindex.Store

	// Blobs is only needed by Rebuild, which recomputes content hashes from
	// the retained documents.
	Blobs blobstore.Store

	Log *slog.Logger
}

type Reconciler struct {
	ledger Ledger
	index  certindex.Store
	blobs  blobstore.Store
	log    *slog.Logger
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("%w: nil index", ErrInvalidConfig)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Reconciler{ledger: cfg.Ledger, index: cfg.Index, blobs: cfg.Blobs, log: cfg.Log}, nil
}

// ApplyIssued writes the index entry described by one issued event after
// confirming it against the contract. An already-indexed certificate is a
// no-op so event replays converge instead of failing.
func (r *Reconciler) ApplyIssued(ctx context.Context, p issuedevent.Payload) error {
	id := certindex.NormalizeID(p.CertificateID)
	if id == "" || id != p.CertificateID {
		return fmt.Errorf("%w: certificate id %q is not normalized", ErrInvalidEvent, p.CertificateID)
	}
	hash, err := parseContentHash(p.ContentHash)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(p.Issuer) {
		return fmt.Errorf("%w: bad issuer %q", ErrInvalidEvent, p.Issuer)
	}

	rec, err := r.ledger.Verify(ctx, id)
	if err != nil {
		return fmt.Errorf("reconcile: verify %s: %w", id, err)
	}
	if !rec.Valid {
		return fmt.Errorf("%w: %s not valid on ledger", ErrLedgerMismatch, id)
	}
	if rec.StorageID != p.StorageID {
		return fmt.Errorf("%w: %s storage id %q on ledger, %q in event",
			ErrLedgerMismatch, id, rec.StorageID, p.StorageID)
	}

	err = r.index.Put(ctx, certindex.Entry{
		ID:          id,
		ContentHash: hash,
		StorageID:   rec.StorageID,
		Issuer:      rec.Issuer,
		IssuedAt:    rec.IssuedAt,
		BlobKey:     rec.StorageID,
	})
	switch {
	case err == nil:
		r.log.Info("reconcile applied issued event", "certificateID", id, "storageID", rec.StorageID)
		return nil
	case errors.Is(err, certindex.ErrDuplicateID):
		r.log.Debug("reconcile event already applied", "certificateID", id)
		return nil
	default:
		return fmt.Errorf("reconcile: index %s: %w", id, err)
	}
}

// AuditReport summarizes one audit pass over the local index.
type AuditReport struct {
	Checked    int
	Matched    int
	Mismatched []string
}

// Audit re-verifies every index entry against the ledger and reports the
// certificate IDs whose on-chain record is missing, invalid, or pointing at a
// different storage identifier. The index is never modified; mismatches need
// an operator looking at them.
func (r *Reconciler) Audit(ctx context.Context) (AuditReport, error) {
	entries, err := r.index.List(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("reconcile: list index: %w", err)
	}

	report := AuditReport{Checked: len(entries)}
	for _, e := range entries {
		rec, err := r.ledger.Verify(ctx, e.ID)
		if err != nil {
			return report, fmt.Errorf("reconcile: verify %s: %w", e.ID, err)
		}
		if rec.Valid && rec.StorageID == e.StorageID && rec.Issuer == e.Issuer {
			report.Matched++
			continue
		}
		report.Mismatched = append(report.Mismatched, e.ID)
		r.log.Error("audit found index entry the ledger disagrees with",
			"certificateID", e.ID,
			"indexStorageID", e.StorageID,
			"ledgerStorageID", rec.StorageID,
			"ledgerValid", rec.Valid)
	}
	return report, nil
}

// RebuildReport summarizes one Rebuild pass.
type RebuildReport struct {
	Requested int
	Rebuilt   int
	Present   int
	Unknown   []string
	// OrphanedStorage lists storage IDs the ledger confirms but no retained
	// document exists for, so their index entries cannot be rebuilt.
	OrphanedStorage []string
}

// Rebuild restores missing index entries for the given certificate IDs by
// re-reading the ledger and recomputing content hashes from the retained
// documents. This is the recovery path for issuances that confirmed on chain
// but crashed before the index write.
func (r *Reconciler) Rebuild(ctx context.Context, ids []string) (RebuildReport, error) {
	if r.blobs == nil {
		return RebuildReport{}, fmt.Errorf("%w: rebuild needs a blob store", ErrInvalidConfig)
	}

	var report RebuildReport
	for _, raw := range ids {
		id := certindex.NormalizeID(raw)
		if id == "" {
			report.Unknown = append(report.Unknown, raw)
			continue
		}
		report.Requested++

		if _, err := r.index.Get(ctx, id); err == nil {
			report.Present++
			continue
		} else if !errors.Is(err, certindex.ErrNotFound) {
			return report, fmt.Errorf("reconcile: index %s: %w", id, err)
		}

		rec, err := r.ledger.Verify(ctx, id)
		if err != nil {
			return report, fmt.Errorf("reconcile: verify %s: %w", id, err)
		}
		if !rec.Valid {
			report.Unknown = append(report.Unknown, id)
			continue
		}

		doc, err := r.blobs.Get(ctx, rec.StorageID)
		if errors.Is(err, blobstore.ErrNotFound) {
			report.OrphanedStorage = append(report.OrphanedStorage, rec.StorageID)
			r.log.Error("ledger-confirmed certificate has no retained document",
				"certificateID", id, "storageID", rec.StorageID)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("reconcile: load document %s: %w", rec.StorageID, err)
		}

		err = r.index.Put(ctx, certindex.Entry{
			ID:          id,
			ContentHash: certindex.ContentHash(doc),
			StorageID:   rec.StorageID,
			Issuer:      rec.Issuer,
			IssuedAt:    rec.IssuedAt,
			BlobKey:     rec.StorageID,
		})
		switch {
		case err == nil:
			report.Rebuilt++
			r.log.Info("rebuilt index entry", "certificateID", id, "storageID", rec.StorageID)
		case errors.Is(err, certindex.ErrDuplicateID):
			report.Present++
		default:
			return report, fmt.Errorf("reconcile: index %s: %w", id, err)
		}
	}
	return report, nil
}

func parseContentHash(raw string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: bad content hash %q", ErrInvalidEvent, raw)
	}
	copy(out[:], b)
	if out == ([32]byte{}) {
		return out, fmt.Errorf("%w: zero content hash", ErrInvalidEvent)
	}
	return out, nil
}
