// Package ledger wraps the CertificateRegistry contract behind typed reads and
// confirmed writes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/certledger/certledger/internal/eth"
	"github.com/certledger/certledger/internal/registryabi"
)

var (
	ErrInvalidClientConfig = errors.New("ledger: invalid client config")
	ErrNoContract          = errors.New("ledger: no contract code at address")
	ErrTxReverted          = errors.New("ledger: transaction reverted")
)

// Backend extends the sender backend with the read calls the client needs.
type Backend interface {
	eth.Backend
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Record is a confirmed certificate record as reported by the contract.
type Record struct {
	CertificateID string
	StorageID     string
	Issuer        common.Address
	Valid         bool
	IssuedAt      time.Time
}

type TxResult struct {
	TxHash common.Hash
}

type Config struct {
	Contract common.Address
	Backend  Backend

	// Sender is required for writes; a read-only client may leave it nil.
	Sender *eth.Sender
}

type Client struct {
	contract common.Address
	backend  Backend
	sender   *eth.Sender
}

func NewClient(cfg Config) (*Client, error) {
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract address", ErrInvalidClientConfig)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidClientConfig)
	}
	return &Client{
		contract: cfg.Contract,
		backend:  cfg.Backend,
		sender:   cfg.Sender,
	}, nil
}

// CheckDeployed verifies contract code exists at the configured address.
// Run once at startup; a bad address fails every later call with worse errors.
func (c *Client) CheckDeployed(ctx context.Context) error {
	code, err := c.backend.CodeAt(ctx, c.contract, nil)
	if err != nil {
		return fmt.Errorf("ledger: fetch code at %s: %w", c.contract.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContract, c.contract.Hex())
	}
	return nil
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
}

func (c *Client) Admin(ctx context.Context) (common.Address, error) {
	data, err := registryabi.PackAdmin()
	if err != nil {
		return common.Address{}, err
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: admin call: %w", err)
	}
	return registryabi.UnpackAdmin(out)
}

func (c *Client) IsAuthorizedIssuer(ctx context.Context, issuer common.Address) (bool, error) {
	data, err := registryabi.PackAuthorizedIssuers(issuer)
	if err != nil {
		return false, err
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return false, fmt.Errorf("ledger: authorizedIssuers call: %w", err)
	}
	return registryabi.UnpackAuthorizedIssuers(out)
}

// Verify reads the certificate record for an identifier. A missing record
// comes back with Valid=false, not an error.
func (c *Client) Verify(ctx context.Context, certificateID string) (Record, error) {
	data, err := registryabi.PackVerifyCertificate(certificateID)
	if err != nil {
		return Record{}, err
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: verifyCertificate call: %w", err)
	}
	raw, err := registryabi.UnpackVerifyCertificate(out)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		CertificateID: certificateID,
		StorageID:     raw.StorageID,
		Issuer:        raw.Issuer,
		Valid:         raw.Valid,
	}
	if raw.IssuedAt != nil && raw.IssuedAt.IsInt64() && raw.IssuedAt.Int64() > 0 {
		rec.IssuedAt = time.Unix(raw.IssuedAt.Int64(), 0).UTC()
	}
	return rec, nil
}

// AuthorizeIssuer submits authorizeIssuer and waits for it to mine.
func (c *Client) AuthorizeIssuer(ctx context.Context, issuer common.Address) (TxResult, error) {
	data, err := registryabi.PackAuthorizeIssuer(issuer)
	if err != nil {
		return TxResult{}, err
	}
	return c.sendConfirmed(ctx, data)
}

// IssueCertificate submits issueCertificate and waits for it to mine.
func (c *Client) IssueCertificate(ctx context.Context, certificateID, storageID string) (TxResult, error) {
	data, err := registryabi.PackIssueCertificate(certificateID, storageID)
	if err != nil {
		return TxResult{}, err
	}
	return c.sendConfirmed(ctx, data)
}

// RevokeCertificate submits revokeCertificate and waits for it to mine.
func (c *Client) RevokeCertificate(ctx context.Context, certificateID string) (TxResult, error) {
	data, err := registryabi.PackRevokeCertificate(certificateID)
	if err != nil {
		return TxResult{}, err
	}
	return c.sendConfirmed(ctx, data)
}

func (c *Client) Issuer() (common.Address, bool) {
	if c.sender == nil {
		return common.Address{}, false
	}
	return c.sender.From(), true
}

func (c *Client) sendConfirmed(ctx context.Context, data []byte) (TxResult, error) {
	if c.sender == nil {
		return TxResult{}, fmt.Errorf("%w: client is read-only", ErrInvalidClientConfig)
	}
	res, err := c.sender.SendAndWaitMined(ctx, c.contract, data)
	if err != nil {
		return TxResult{}, err
	}
	if res.Receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.probeRevertReason(ctx, data)
		if reason != "" {
			return TxResult{}, fmt.Errorf("%w: %s (tx %s)", ErrTxReverted, reason, res.TxHash.Hex())
		}
		return TxResult{}, fmt.Errorf("%w: tx %s", ErrTxReverted, res.TxHash.Hex())
	}
	return TxResult{TxHash: res.TxHash}, nil
}

// probeRevertReason re-evaluates the calldata as a dry run so the mined
// revert's message can be surfaced. Best-effort diagnostics only.
func (c *Client) probeRevertReason(ctx context.Context, data []byte) string {
	from := c.sender.From()
	_, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.contract,
		Data: data,
	}, nil)
	if err == nil {
		return ""
	}
	return err.Error()
}
