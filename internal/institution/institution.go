// Package institution tracks issuer institution registrations and the
// pending-request flow an admin approves or rejects.
package institution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound       = errors.New("institution: not found")
	ErrInvalidRecord  = errors.New("institution: invalid record")
	ErrRequestHandled = errors.New("institution: request already handled")
)

// Status tracks where a registration request is in the approval flow.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Profile is the institution detail a submitter signs and registers.
type Profile struct {
	CompanyName string `json:"companyName"`
	CompanyID   string `json:"companyId,omitempty"`
	Location    string `json:"location,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.CompanyName) == "" {
		return fmt.Errorf("%w: missing company name", ErrInvalidRecord)
	}
	return nil
}

// Registration maps a submitter identity to an approved institution profile.
type Registration struct {
	Identity     common.Address `json:"identity"`
	Profile      Profile        `json:"institution"`
	PinCID       string         `json:"pinCid,omitempty"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

func (r Registration) validate() error {
	if r.Identity == (common.Address{}) {
		return fmt.Errorf("%w: missing identity", ErrInvalidRecord)
	}
	if err := r.Profile.Validate(); err != nil {
		return err
	}
	if r.RegisteredAt.IsZero() {
		return fmt.Errorf("%w: missing registeredAt", ErrInvalidRecord)
	}
	return nil
}

// Request is a registration awaiting an admin decision. HandledAt stays zero
// until the request leaves the pending state.
type Request struct {
	Identity    common.Address `json:"identity"`
	Profile     Profile        `json:"institution"`
	PinCID      string         `json:"pinCid,omitempty"`
	Status      Status         `json:"status"`
	RequestedAt time.Time      `json:"requestedAt"`
	HandledAt   time.Time      `json:"handledAt,omitempty"`
}

func (r Request) validate() error {
	if r.Identity == (common.Address{}) {
		return fmt.Errorf("%w: missing identity", ErrInvalidRecord)
	}
	if err := r.Profile.Validate(); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: bad status %q", ErrInvalidRecord, r.Status)
	}
	if r.RequestedAt.IsZero() {
		return fmt.Errorf("%w: missing requestedAt", ErrInvalidRecord)
	}
	if r.Status != StatusPending && r.HandledAt.IsZero() {
		return fmt.Errorf("%w: handled request without handledAt", ErrInvalidRecord)
	}
	return nil
}

// Store persists registrations and requests keyed by submitter identity.
// Put calls replace any existing record for the identity.
type Store interface {
	PutRegistration(ctx context.Context, reg Registration) error
	GetRegistration(ctx context.Context, identity common.Address) (Registration, error)

	PutRequest(ctx context.Context, req Request) error
	GetRequest(ctx context.Context, identity common.Address) (Request, error)
	ListRequests(ctx context.Context) ([]Request, error)
}
