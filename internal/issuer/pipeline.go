// Package issuer runs the certificate issuance pipeline: validate, pin,
// authorize, issue on the ledger, re-read for consistency, then persist the
// local index entry.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certledger/certledger/internal/blobstore"
	"github.com/certledger/certledger/internal/certindex"
	"github.com/certledger/certledger/internal/eth"
	"github.com/certledger/certledger/internal/issuedevent"
	"github.com/certledger/certledger/internal/ledger"
	"github.com/certledger/certledger/internal/pinstore"
	"github.com/certledger/certledger/internal/queue"
)

var pdfMagic = []byte("%PDF-")

const (
	defaultMaxAttempts        = 3
	defaultRetryBackoff       = 500 * time.Millisecond
	defaultConsistencyTimeout = 30 * time.Second
)

// Ledger is the contract client surface the pipeline depends on.
type Ledger interface {
	Admin(ctx context.Context) (common.Address, error)
	IsAuthorizedIssuer(ctx context.Context, issuer common.Address) (bool, error)
	AuthorizeIssuer(ctx context.Context, issuer common.Address) (ledger.TxResult, error)
	IssueCertificate(ctx context.Context, certificateID, storageID string) (ledger.TxResult, error)
	Verify(ctx context.Context, certificateID string) (ledger.Record, error)
}

type Config struct {
	Ledger Ledger
	Pinner pinstore.Pinner
	Index  certindex.Store
	Blobs  blobstore.Store

	// Events, when set, publishes an issuedevent payload after every
	// successful issuance. Publish failures are logged, not returned.
	Events     queue.Producer
	EventTopic string

	// MaxAttempts bounds retries of transient ledger failures.
	MaxAttempts  int
	RetryBackoff time.Duration

	// ConsistencyTimeout bounds the post-issuance re-read, which runs even
	// when the caller has already cancelled.
	ConsistencyTimeout time.Duration

	Log   *slog.Logger
	Sleep func(ctx context.Context, d time.Duration) error
}

type Pipeline struct {
	ledger     Ledger
	pinner     pinstore.Pinner
	index      certindex.Store
	blobs      blobstore.Store
	events     queue.Producer
	eventTopic string

	maxAttempts        int
	retryBackoff       time.Duration
	consistencyTimeout time.Duration

	log   *slog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidInput)
	}
	if cfg.Pinner == nil {
		return nil, fmt.Errorf("%w: nil pinner", ErrInvalidInput)
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("%w: nil index", ErrInvalidInput)
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidInput)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.ConsistencyTimeout <= 0 {
		cfg.ConsistencyTimeout = defaultConsistencyTimeout
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = issuedevent.Topic
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = eth.SleepCtx
	}
	return &Pipeline{
		ledger:             cfg.Ledger,
		pinner:             cfg.Pinner,
		index:              cfg.Index,
		blobs:              cfg.Blobs,
		events:             cfg.Events,
		eventTopic:         cfg.EventTopic,
		maxAttempts:        cfg.MaxAttempts,
		retryBackoff:       cfg.RetryBackoff,
		consistencyTimeout: cfg.ConsistencyTimeout,
		log:                cfg.Log,
		sleep:              cfg.Sleep,
	}, nil
}

type IssueRequest struct {
	Document   []byte
	Identifier string
	Issuer     common.Address
}

type IssueResult struct {
	CertificateID string
	StorageID     string
	TxHash        common.Hash
}

// Issue runs the full pipeline for one document. All validation happens
// before any side effect; after the issuance transaction is submitted the
// consistency re-read and index write run to completion even if the caller
// cancels, so a confirmed transaction is never left unindexed.
func (p *Pipeline) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if len(req.Document) == 0 {
		return IssueResult{}, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}
	if !bytes.HasPrefix(req.Document, pdfMagic) {
		return IssueResult{}, fmt.Errorf("%w: document is not a PDF", ErrInvalidInput)
	}
	id := certindex.NormalizeID(req.Identifier)
	if id == "" {
		return IssueResult{}, fmt.Errorf("%w: identifier %q normalizes to nothing", ErrInvalidInput, req.Identifier)
	}
	if req.Issuer == (common.Address{}) {
		return IssueResult{}, fmt.Errorf("%w: missing issuer identity", ErrInvalidInput)
	}

	if _, err := p.index.Get(ctx, id); err == nil {
		return IssueResult{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	} else if !errors.Is(err, certindex.ErrNotFound) {
		return IssueResult{}, fmt.Errorf("issuer: index lookup: %w", err)
	}

	hash := certindex.ContentHash(req.Document)
	if prior, err := p.index.GetByContentHash(ctx, hash); err == nil {
		return IssueResult{}, fmt.Errorf("%w: already issued as %s", ErrDuplicateContent, prior.ID)
	} else if !errors.Is(err, certindex.ErrNotFound) {
		return IssueResult{}, fmt.Errorf("issuer: content lookup: %w", err)
	}

	storageID, err := p.pinner.PinFile(ctx, id+".pdf", req.Document)
	if err != nil {
		return IssueResult{}, fmt.Errorf("%w: pin upload: %v", ErrUpstreamUnavailable, err)
	}

	if err := p.ensureAuthorized(ctx, req.Issuer); err != nil {
		p.logOrphanedPin(id, storageID, err)
		return IssueResult{}, err
	}

	txHash, issueErr := p.submitIssuance(ctx, id, storageID)
	if issueErr != nil && !isCancellation(issueErr) {
		p.logOrphanedPin(id, storageID, issueErr)
		if isTransient(issueErr) {
			return IssueResult{}, fmt.Errorf("%w: issuance: %v", ErrUpstreamUnavailable, issueErr)
		}
		return IssueResult{}, issueErr
	}

	// The transaction may have landed even if the caller gave up, so the
	// re-read runs on a detached context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.consistencyTimeout)
	defer cancel()

	rec, err := p.readBack(rctx, id)
	if err != nil {
		p.log.Error("issuance confirmed but ledger re-read failed, index entry missing",
			"certificateId", id,
			"storageId", storageID,
			"err", err)
		p.logOrphanedPin(id, storageID, err)
		if issueErr != nil {
			return IssueResult{}, fmt.Errorf("issuer: cancelled during issuance: %w", issueErr)
		}
		return IssueResult{}, fmt.Errorf("%w: post-issuance read: %v", ErrUpstreamUnavailable, err)
	}
	if !rec.Valid || rec.StorageID != storageID {
		if issueErr != nil {
			// Cancelled before the transaction landed; nothing on-chain.
			p.logOrphanedPin(id, storageID, issueErr)
			return IssueResult{}, fmt.Errorf("issuer: cancelled during issuance: %w", issueErr)
		}
		p.log.Error("ledger record does not match submitted issuance",
			"certificateId", id,
			"submittedStorageId", storageID,
			"ledgerStorageId", rec.StorageID,
			"ledgerValid", rec.Valid)
		p.logOrphanedPin(id, storageID, ErrConsistency)
		return IssueResult{}, fmt.Errorf("%w: ledger has %q for %s", ErrConsistency, rec.StorageID, id)
	}

	entry := certindex.Entry{
		ID:          id,
		ContentHash: hash,
		StorageID:   storageID,
		Issuer:      rec.Issuer,
		IssuedAt:    rec.IssuedAt,
		BlobKey:     storageID,
	}
	if err := p.blobs.Put(rctx, entry.BlobKey, req.Document); err != nil {
		// The ledger and pin store both hold the document; retrieval will
		// report content loss until the blob is restored.
		p.log.Warn("local blob write failed",
			"certificateId", id,
			"blobKey", entry.BlobKey,
			"err", err)
	}
	if err := p.index.Put(rctx, entry); err != nil {
		switch {
		case errors.Is(err, certindex.ErrDuplicateID):
			return IssueResult{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		case errors.Is(err, certindex.ErrDuplicateContent):
			return IssueResult{}, fmt.Errorf("%w: %s", ErrDuplicateContent, id)
		}
		return IssueResult{}, fmt.Errorf("issuer: index persist: %w", err)
	}

	p.publishIssued(rctx, entry, txHash)

	p.log.Info("certificate issued",
		"certificateId", id,
		"storageId", storageID,
		"issuer", rec.Issuer.Hex(),
		"tx", txHash.Hex())
	return IssueResult{CertificateID: id, StorageID: storageID, TxHash: txHash}, nil
}

// ensureAuthorized checks the issuing identity on the ledger, self-authorizes
// when the identity is the contract admin, and otherwise fails naming the
// admin.
func (p *Pipeline) ensureAuthorized(ctx context.Context, issuer common.Address) error {
	var authorized bool
	err := withRetry(ctx, p.maxAttempts, p.retryBackoff, p.sleep, func(ctx context.Context) error {
		var err error
		authorized, err = p.ledger.IsAuthorizedIssuer(ctx, issuer)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: authorization check: %v", ErrUpstreamUnavailable, err)
	}
	if authorized {
		return nil
	}

	var admin common.Address
	err = withRetry(ctx, p.maxAttempts, p.retryBackoff, p.sleep, func(ctx context.Context) error {
		var err error
		admin, err = p.ledger.Admin(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: admin lookup: %v", ErrUpstreamUnavailable, err)
	}
	if issuer != admin {
		return &NotAuthorizedError{Issuer: issuer, Admin: admin}
	}

	p.log.Info("issuer is contract admin, self-authorizing", "issuer", issuer.Hex())
	err = withRetry(ctx, p.maxAttempts, p.retryBackoff, p.sleep, func(ctx context.Context) error {
		_, err := p.ledger.AuthorizeIssuer(ctx, issuer)
		return err
	})
	if err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: self-authorization: %v", ErrUpstreamUnavailable, err)
		}
		return fmt.Errorf("issuer: self-authorization: %w", err)
	}
	return nil
}

func (p *Pipeline) submitIssuance(ctx context.Context, id, storageID string) (common.Hash, error) {
	var txHash common.Hash
	err := withRetry(ctx, p.maxAttempts, p.retryBackoff, p.sleep, func(ctx context.Context) error {
		res, err := p.ledger.IssueCertificate(ctx, id, storageID)
		if err != nil {
			return err
		}
		txHash = res.TxHash
		return nil
	})
	return txHash, err
}

func (p *Pipeline) readBack(ctx context.Context, id string) (ledger.Record, error) {
	var rec ledger.Record
	err := withRetry(ctx, p.maxAttempts, p.retryBackoff, p.sleep, func(ctx context.Context) error {
		var err error
		rec, err = p.ledger.Verify(ctx, id)
		return err
	})
	return rec, err
}

func (p *Pipeline) publishIssued(ctx context.Context, entry certindex.Entry, txHash common.Hash) {
	if p.events == nil {
		return
	}
	payload, err := json.Marshal(issuedevent.BuildPayload(entry, txHash))
	if err != nil {
		p.log.Warn("issued event marshal failed", "certificateId", entry.ID, "err", err)
		return
	}
	if err := p.events.Publish(ctx, p.eventTopic, payload); err != nil {
		p.log.Warn("issued event publish failed", "certificateId", entry.ID, "err", err)
	}
}

func (p *Pipeline) logOrphanedPin(id, storageID string, cause error) {
	p.log.Error("pinned document orphaned by failed issuance",
		"certificateId", id,
		"storageId", storageID,
		"err", cause)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Verification is the enumeration-safe verify result. Invalid results carry
// no detail beyond the generic reason.
type Verification struct {
	Valid         bool
	Reason        string
	CertificateID string
	StorageID     string
	Issuer        common.Address
	IssuedAt      time.Time
}

const notFoundReason = "certificate not found or not valid"

// Verify reads the ledger record for an identifier. Never-issued and
// issued-but-invalid both come back as Valid=false with the same reason.
func (p *Pipeline) Verify(ctx context.Context, identifier string) (Verification, error) {
	id := certindex.NormalizeID(identifier)
	if id == "" {
		return Verification{Valid: false, Reason: notFoundReason}, nil
	}
	rec, err := p.readBack(ctx, id)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: verify: %v", ErrUpstreamUnavailable, err)
	}
	if !rec.Valid {
		return Verification{Valid: false, Reason: notFoundReason, CertificateID: id}, nil
	}
	return Verification{
		Valid:         true,
		CertificateID: id,
		StorageID:     rec.StorageID,
		Issuer:        rec.Issuer,
		IssuedAt:      rec.IssuedAt,
	}, nil
}

// Fetch returns the locally retained document for an indexed certificate.
// Never-issued and content-loss both surface as ErrNotFound to the caller
// but are logged differently for operators.
func (p *Pipeline) Fetch(ctx context.Context, identifier string) ([]byte, certindex.Entry, error) {
	id := certindex.NormalizeID(identifier)
	if id == "" {
		return nil, certindex.Entry{}, fmt.Errorf("%w: %q", ErrNotFound, identifier)
	}
	entry, err := p.index.Get(ctx, id)
	if err != nil {
		if errors.Is(err, certindex.ErrNotFound) {
			p.log.Info("fetch for unknown certificate", "certificateId", id)
			return nil, certindex.Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, certindex.Entry{}, fmt.Errorf("issuer: index lookup: %w", err)
	}
	doc, err := p.blobs.Get(ctx, entry.BlobKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			p.log.Error("indexed certificate has no local document",
				"certificateId", id,
				"blobKey", entry.BlobKey)
			return nil, certindex.Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, certindex.Entry{}, fmt.Errorf("issuer: blob read: %w", err)
	}
	return doc, entry, nil
}
