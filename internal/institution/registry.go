package institution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certledger/certledger/internal/ledger"
	"github.com/certledger/certledger/internal/pinstore"
)

// Ledger is the subset of the contract client the registry needs when an
// approval should also authorize the issuer on-chain.
type Ledger interface {
	Admin(ctx context.Context) (common.Address, error)
	Issuer() (common.Address, bool)
	AuthorizeIssuer(ctx context.Context, issuer common.Address) (ledger.TxResult, error)
}

type RegistryConfig struct {
	Store Store

	// Admin registrations bypass the request queue. Zero disables
	// auto-approval entirely.
	Admin common.Address

	// Pinner, when set, uploads institution profiles alongside the local
	// record. Pin failures are logged and do not fail the registration.
	Pinner pinstore.Pinner

	// Ledger, when set, lets Approve authorize the issuer on-chain if the
	// service signer is the contract admin.
	Ledger Ledger

	Log *slog.Logger
	Now func() time.Time
}

// Registry runs the registration and approval flow on top of a Store.
type Registry struct {
	store  Store
	admin  common.Address
	pinner pinstore.Pinner
	ledger Ledger
	log    *slog.Logger
	now    func() time.Time
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidRecord)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:  cfg.Store,
		admin:  cfg.Admin,
		pinner: cfg.Pinner,
		ledger: cfg.Ledger,
		log:    cfg.Log,
		now:    cfg.Now,
	}, nil
}

// RegisterResult reports how a submission was handled.
type RegisterResult struct {
	AutoApproved bool
	PinCID       string
}

// Register records a verified submission. The configured admin identity is
// registered immediately; everyone else lands in the pending queue.
func (r *Registry) Register(ctx context.Context, identity common.Address, profile Profile, pin bool) (RegisterResult, error) {
	if identity == (common.Address{}) {
		return RegisterResult{}, fmt.Errorf("%w: missing identity", ErrInvalidRecord)
	}
	if err := profile.Validate(); err != nil {
		return RegisterResult{}, err
	}

	cid := ""
	if pin {
		cid = r.pinProfile(ctx, identity, profile)
	}
	now := r.now().UTC()

	if r.admin != (common.Address{}) && identity == r.admin {
		reg := Registration{
			Identity:     identity,
			Profile:      profile,
			PinCID:       cid,
			RegisteredAt: now,
		}
		if err := r.store.PutRegistration(ctx, reg); err != nil {
			return RegisterResult{}, err
		}
		return RegisterResult{AutoApproved: true, PinCID: cid}, nil
	}

	req := Request{
		Identity:    identity,
		Profile:     profile,
		PinCID:      cid,
		Status:      StatusPending,
		RequestedAt: now,
	}
	if err := r.store.PutRequest(ctx, req); err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{PinCID: cid}, nil
}

func (r *Registry) Get(ctx context.Context, identity common.Address) (Registration, error) {
	return r.store.GetRegistration(ctx, identity)
}

func (r *Registry) ListRequests(ctx context.Context) ([]Request, error) {
	return r.store.ListRequests(ctx)
}

// Approve moves a pending request into the registrations and, when the
// service signer controls the contract admin identity, authorizes the issuer
// on-chain. Authorization failures are logged, not returned.
func (r *Registry) Approve(ctx context.Context, identity common.Address) (Registration, error) {
	req, err := r.store.GetRequest(ctx, identity)
	if err != nil {
		return Registration{}, err
	}
	if req.Status != StatusPending {
		return Registration{}, fmt.Errorf("%w: %s is %s", ErrRequestHandled, identity.Hex(), req.Status)
	}

	cid := req.PinCID
	if cid == "" {
		cid = r.pinProfile(ctx, identity, req.Profile)
	}
	now := r.now().UTC()

	reg := Registration{
		Identity:     identity,
		Profile:      req.Profile,
		PinCID:       cid,
		RegisteredAt: now,
	}
	if err := r.store.PutRegistration(ctx, reg); err != nil {
		return Registration{}, err
	}

	req.Status = StatusApproved
	req.HandledAt = now
	req.PinCID = cid
	if err := r.store.PutRequest(ctx, req); err != nil {
		return Registration{}, err
	}

	r.authorizeOnLedger(ctx, identity)
	return reg, nil
}

// Reject marks a pending request rejected.
func (r *Registry) Reject(ctx context.Context, identity common.Address) (Request, error) {
	req, err := r.store.GetRequest(ctx, identity)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, fmt.Errorf("%w: %s is %s", ErrRequestHandled, identity.Hex(), req.Status)
	}
	req.Status = StatusRejected
	req.HandledAt = r.now().UTC()
	if err := r.store.PutRequest(ctx, req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r *Registry) pinProfile(ctx context.Context, identity common.Address, profile Profile) string {
	if r.pinner == nil {
		return ""
	}
	cid, err := r.pinner.PinJSON(ctx, profile)
	if err != nil {
		r.log.Warn("institution profile pin failed",
			"identity", identity.Hex(),
			"err", err)
		return ""
	}
	return cid
}

func (r *Registry) authorizeOnLedger(ctx context.Context, identity common.Address) {
	if r.ledger == nil {
		return
	}
	signer, ok := r.ledger.Issuer()
	if !ok {
		return
	}
	contractAdmin, err := r.ledger.Admin(ctx)
	if err != nil {
		r.log.Warn("admin lookup during approval failed", "err", err)
		return
	}
	if contractAdmin != signer {
		r.log.Info("service signer is not contract admin, skipping on-chain authorize",
			"identity", identity.Hex())
		return
	}
	res, err := r.ledger.AuthorizeIssuer(ctx, identity)
	if err != nil {
		r.log.Warn("on-chain authorize during approval failed",
			"identity", identity.Hex(),
			"err", err)
		return
	}
	r.log.Info("issuer authorized on approval",
		"identity", identity.Hex(),
		"tx", res.TxHash.Hex())
}
