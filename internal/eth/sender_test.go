package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip *big.Int
	baseFee    *big.Int
	gasEst     uint64

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	sendHook func(tx *types.Transaction) error
}

func (b *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func testSigner(t *testing.T) *LocalSigner {
	t.Helper()
	key, err := crypto.HexToECDSA("4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a")
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	return NewLocalSigner(key)
}

func testSenderConfig() SenderConfig {
	return SenderConfig{
		ChainID:             big.NewInt(11155111),
		GasLimitMultiplier:  1.5,
		MinTipCap:           big.NewInt(1),
		ReceiptPollInterval: time.Millisecond,
		Sleep:               func(_ context.Context, _ time.Duration) error { return nil },
	}
}

func TestSender_WaitsForReceipt(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		gasEst:     60_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
	polls := 0
	cfg := testSenderConfig()
	cfg.Sleep = func(_ context.Context, _ time.Duration) error {
		polls++
		if polls == 3 {
			backend.mu.Lock()
			tx := backend.sent[0]
			backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
			backend.mu.Unlock()
		}
		return nil
	}

	s, err := NewSender(backend, testSigner(t), cfg)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	res, err := s.SendAndWaitMined(context.Background(), common.HexToAddress("0x1"), []byte{0x01})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if res.Receipt.Status != types.ReceiptStatusSuccessful {
		t.Fatalf("receipt status: got %d", res.Receipt.Status)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d txs, want 1", len(backend.sent))
	}
	if gas := backend.sent[0].Gas(); gas != 90_000 {
		t.Fatalf("padded gas: got %d want 90000", gas)
	}
}

func TestSender_AllocatesSequentialNonces(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		pendingNonce: 7,
		suggestTip:   big.NewInt(2),
		baseFee:      big.NewInt(100),
		gasEst:       21_000,
		receipts:     make(map[common.Hash]*types.Receipt),
	}
	backend.sendHook = func(tx *types.Transaction) error {
		backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
		return nil
	}

	s, err := NewSender(backend, testSigner(t), testSenderConfig())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.SendAndWaitMined(context.Background(), common.HexToAddress("0x1"), nil); err != nil {
			t.Fatalf("send #%d: %v", i, err)
		}
	}
	for i, tx := range backend.sent {
		if tx.Nonce() != uint64(7+i) {
			t.Fatalf("tx %d nonce: got %d want %d", i, tx.Nonce(), 7+i)
		}
	}
	if backend.nonceCalls != 1 {
		t.Fatalf("PendingNonceAt calls: got %d want 1", backend.nonceCalls)
	}
}

func TestSender_SurfacesMinedRevert(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		gasEst:     21_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
	backend.sendHook = func(tx *types.Transaction) error {
		backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}
		return nil
	}

	s, err := NewSender(backend, testSigner(t), testSenderConfig())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	res, err := s.SendAndWaitMined(context.Background(), common.HexToAddress("0x1"), nil)
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if res.Receipt.Status != types.ReceiptStatusFailed {
		t.Fatalf("expected failed receipt status")
	}
}

func TestSender_CancelledWhilePolling(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		gasEst:     21_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg := testSenderConfig()
	cfg.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	s, err := NewSender(backend, testSigner(t), cfg)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if _, err := s.SendAndWaitMined(ctx, common.HexToAddress("0x1"), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSender_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	signer := testSigner(t)

	cases := []SenderConfig{
		{},
		{ChainID: big.NewInt(0), GasLimitMultiplier: 1.5, ReceiptPollInterval: time.Second},
		{ChainID: big.NewInt(1), GasLimitMultiplier: 0.5, ReceiptPollInterval: time.Second},
		{ChainID: big.NewInt(1), GasLimitMultiplier: 1.5},
	}
	for i, cfg := range cases {
		if _, err := NewSender(backend, signer, cfg); !errors.Is(err, ErrInvalidSenderConfig) {
			t.Fatalf("case %d: expected ErrInvalidSenderConfig, got %v", i, err)
		}
	}
	if _, err := NewSender(nil, signer, testSenderConfig()); !errors.Is(err, ErrInvalidSenderConfig) {
		t.Fatalf("nil backend: expected ErrInvalidSenderConfig, got %v", err)
	}
}
