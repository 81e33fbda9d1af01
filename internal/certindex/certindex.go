// Package certindex is the durable local index of issued certificates.
//
// The ledger is the source of truth; the index exists so duplicate detection
// and document retrieval do not need a chain round-trip. An entry is written
// only after the ledger has confirmed the issuance and a read-back matched the
// uploaded storage identifier, so index and ledger agree whenever an entry
// exists.
package certindex

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound         = errors.New("certindex: not found")
	ErrDuplicateID      = errors.New("certindex: certificate id already exists")
	ErrDuplicateContent = errors.New("certindex: content already registered under another id")
	ErrInvalidEntry     = errors.New("certindex: invalid entry")
)

// Entry is one issued certificate.
type Entry struct {
	// ID is the normalized certificate identifier (see NormalizeID).
	ID          string
	ContentHash [32]byte
	StorageID   string
	Issuer      common.Address
	// IssuedAt is the ledger's recorded issuance timestamp, never the local clock.
	IssuedAt time.Time
	// BlobKey locates the retained document in the blob store.
	BlobKey string
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("certindex: empty id")
	}
	if e.ID != NormalizeID(e.ID) {
		return errors.New("certindex: id is not normalized")
	}
	if e.ContentHash == ([32]byte{}) {
		return errors.New("certindex: zero content hash")
	}
	if strings.TrimSpace(e.StorageID) == "" {
		return errors.New("certindex: empty storage id")
	}
	if (e.Issuer == common.Address{}) {
		return errors.New("certindex: zero issuer")
	}
	if e.IssuedAt.IsZero() {
		return errors.New("certindex: zero issuance timestamp")
	}
	return nil
}

// Store is the index persistence contract. Put is insert-only: implementations
// must reject an existing ID with ErrDuplicateID and an existing content hash
// under a different ID with ErrDuplicateContent, atomically enough that two
// concurrent writers cannot both succeed for the same ID or hash.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, normalizedID string) (Entry, error)
	GetByContentHash(ctx context.Context, hash [32]byte) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
}

// NormalizeID strips every character outside [A-Za-z0-9]. Deterministic and
// applied identically at write time and at every lookup; "CERT-001" and
// "cert_001"-style variants collapse to the same key only when their
// alphanumerics match.
func NormalizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ContentHash digests document bytes for duplicate-content detection.
func ContentHash(payload []byte) [32]byte {
	return sha3.Sum256(payload)
}
