package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidSenderConfig = errors.New("eth: invalid sender config")

// Backend is the subset of ethclient.Client the registry needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SenderConfig struct {
	ChainID *big.Int

	// GasLimitMultiplier pads gas estimates; must be >= 1.
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Sender submits signed transactions from one account and waits for them to mine.
//
// Nonce allocation is process-local: concurrent SendAndWaitMined calls each
// reserve the next nonce under a mutex, so two issuance requests never collide.
type Sender struct {
	backend Backend
	signer  Signer
	cfg     SenderConfig

	nonceMu   sync.Mutex
	nonce     uint64
	haveNonce bool
}

type SendResult struct {
	TxHash  common.Hash
	Receipt *types.Receipt
}

func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSenderConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.GasLimitMultiplier < 1 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, ErrInvalidSenderConfig
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepCtx
	}
	return &Sender{backend: backend, signer: signer, cfg: cfg}, nil
}

func (s *Sender) From() common.Address { return s.signer.Address() }

func (s *Sender) nextNonce(ctx context.Context) (uint64, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if !s.haveNonce {
		n, err := s.backend.PendingNonceAt(ctx, s.signer.Address())
		if err != nil {
			return 0, err
		}
		s.nonce = n
		s.haveNonce = true
	}
	n := s.nonce
	s.nonce++
	return n, nil
}

// SendAndWaitMined estimates gas, signs, broadcasts, and polls until a receipt
// exists or ctx is cancelled. Callers inspect Receipt.Status; a status-0
// receipt is a mined revert, not a send error.
func (s *Sender) SendAndWaitMined(ctx context.Context, to common.Address, data []byte) (SendResult, error) {
	from := s.signer.Address()

	est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: estimate gas: %w", err)
	}
	gasLimit := padGasLimit(est, s.cfg.GasLimitMultiplier)

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: suggest tip cap: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return SendResult{}, fmt.Errorf("eth: missing baseFee in latest header")
	}

	tipCap := new(big.Int).Set(suggestedTip)
	if tipCap.Cmp(s.cfg.MinTipCap) < 0 {
		tipCap.Set(s.cfg.MinTipCap)
	}
	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := s.nextNonce(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: pending nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: sign tx: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return SendResult{}, fmt.Errorf("eth: broadcast: %w", err)
	}

	h := signed.Hash()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, h)
		if err == nil {
			return SendResult{TxHash: h, Receipt: receipt}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return SendResult{}, fmt.Errorf("eth: receipt for %s: %w", h.Hex(), err)
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

// SleepCtx sleeps for d or until ctx is cancelled.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func padGasLimit(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
