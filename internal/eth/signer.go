package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSigner     = errors.New("eth: invalid signer")
	ErrInvalidPrivateKey = errors.New("eth: invalid private key")
)

// Signer signs EVM transactions for a single from-address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.key)
}

// ParsePrivateKeyHex parses a single secp256k1 private key from hex, with optional 0x prefix.
//
// The returned error is sanitized and must not include key material.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, ErrInvalidPrivateKey
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not a 32-byte hex key", ErrInvalidPrivateKey)
	}
	return key, nil
}
