package issuer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidInput covers malformed requests: empty documents, wrong
	// content type, identifiers that normalize to nothing.
	ErrInvalidInput = errors.New("issuer: invalid input")

	// ErrDuplicateID means the normalized identifier already has an index
	// entry. The caller must pick a new identifier.
	ErrDuplicateID = errors.New("issuer: duplicate certificate id")

	// ErrDuplicateContent means byte-identical content was already issued
	// under a different identifier.
	ErrDuplicateContent = errors.New("issuer: duplicate certificate content")

	// ErrNotAuthorized means the issuing identity is neither authorized nor
	// the contract admin. Requires administrative action, never retried.
	ErrNotAuthorized = errors.New("issuer: not authorized")

	// ErrUpstreamUnavailable means the pin store or ledger could not be
	// reached after bounded retries.
	ErrUpstreamUnavailable = errors.New("issuer: upstream unavailable")

	// ErrConsistency means the post-issuance re-read disagreed with what was
	// just submitted. Indicates a lost race or a deeper bug.
	ErrConsistency = errors.New("issuer: ledger record mismatch after issuance")

	// ErrNotFound is returned by Fetch for identifiers without a usable
	// local document, whether never issued or content lost.
	ErrNotFound = errors.New("issuer: certificate not found")
)

// NotAuthorizedError names the contract admin so the caller knows who can
// grant access.
type NotAuthorizedError struct {
	Issuer common.Address
	Admin  common.Address
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("issuer: %s is not an authorized issuer (contract admin is %s)", e.Issuer.Hex(), e.Admin.Hex())
}

func (e *NotAuthorizedError) Unwrap() error { return ErrNotAuthorized }
