package registryabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("registryabi: invalid input")

// Record mirrors the return tuple of CertificateRegistry.verifyCertificate.
type Record struct {
	StorageID string
	Issuer    common.Address
	Valid     bool
	IssuedAt  *big.Int
}

var (
	initOnce sync.Once
	initErr  error

	registryABI abi.ABI
)

func loadABI() error {
	initOnce.Do(func() {
		var err error
		registryABI, err = abi.JSON(strings.NewReader(registryABIJSON))
		if err != nil {
			initErr = fmt.Errorf("registryabi: parse registry ABI: %w", err)
		}
	})
	return initErr
}

func PackAdmin() ([]byte, error) {
	if err := loadABI(); err != nil {
		return nil, err
	}
	b, err := registryABI.Pack("admin")
	if err != nil {
		return nil, fmt.Errorf("registryabi: pack admin: %w", err)
	}
	return b, nil
}

func UnpackAdmin(out []byte) (common.Address, error) {
	if err := loadABI(); err != nil {
		return common.Address{}, err
	}
	vals, err := registryABI.Unpack("admin", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("registryabi: unpack admin: %w", err)
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("registryabi: admin return is not an address")
	}
	return addr, nil
}

func PackAuthorizedIssuers(issuer common.Address) ([]byte, error) {
	if err := loadABI(); err != nil {
		return nil, err
	}
	if (issuer == common.Address{}) {
		return nil, fmt.Errorf("%w: issuer must be non-zero", ErrInvalidInput)
	}
	b, err := registryABI.Pack("authorizedIssuers", issuer)
	if err != nil {
		return nil, fmt.Errorf("registryabi: pack authorizedIssuers: %w", err)
	}
	return b, nil
}

func UnpackAuthorizedIssuers(out []byte) (bool, error) {
	if err := loadABI(); err != nil {
		return false, err
	}
	vals, err := registryABI.Unpack("authorizedIssuers", out)
	if err != nil {
		return false, fmt.Errorf("registryabi: unpack authorizedIssuers: %w", err)
	}
	ok, isBool := vals[0].(bool)
	if !isBool {
		return false, fmt.Errorf("registryabi: authorizedIssuers return is not a bool")
	}
	return ok, nil
}

func PackAuthorizeIssuer(issuer common.Address) ([]byte, error) {
	if err := loadABI(); err != nil {
		return nil, err
	}
	if (issuer == common.Address{}) {
		return nil, fmt.Errorf("%w: issuer must be non-zero", ErrInvalidInput)
	}
	b, err := registryABI.Pack("authorizeIssuer", issuer)
	if err != nil {
		return nil, fmt.Errorf("registryabi: pack authorizeIssuer: %w", err)
	}
	return b, nil
}

func PackIssueCertificate(certificateID, storageID string) ([]byte, error) {
	if err := loadABI(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(certificateID) == "" {
		return nil, fmt.Errorf("%w: empty certificate id", ErrInvalidInput)
	}
	if strings.TrimSpace(storageID) == "" {
		return nil, fmt.Errorf("%w: empty storage id", ErrInvalidInput)
	}
	b, err := registryABI.Pack("issueCertificate", certificateID, storageID)
	if err != nil {
		return nil, fmt.Errorf("registryabi: pack issueCertificate: %w", err)
	}
	return b, nil
}

func PackRevokeCertificate(certificateID string) ([]byte, error) {
	if err := loadABI(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(certificateID) == "" {
		return nil, fmt.Errorf("%w: empty certificate id", ErrInvalidInput)
	}
	b, err := registryABI.Pack("revokeCertificate", certificateID)
	if err != nil {
		return nil, fmt.Errorf("registryabi: pack revokeCertificate: %w", err)
	}
	return b, nil
}

func PackVerifyCertificate(certificateID string) ([]byte, error) {
	if err := loadABI(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(certificateID) == "" {
		return nil, fmt.Errorf("%w: empty certificate id", ErrInvalidInput)
	}
	b, err := registryABI.Pack("verifyCertificate", certificateID)
	if err != nil {
		return nil, fmt.Errorf("registryabi: pack verifyCertificate: %w", err)
	}
	return b, nil
}

// UnpackVerifyCertificate decodes the (ipfsHash, issuer, isValid, issueDate) tuple.
func UnpackVerifyCertificate(out []byte) (Record, error) {
	if err := loadABI(); err != nil {
		return Record{}, err
	}
	vals, err := registryABI.Unpack("verifyCertificate", out)
	if err != nil {
		return Record{}, fmt.Errorf("registryabi: unpack verifyCertificate: %w", err)
	}
	if len(vals) != 4 {
		return Record{}, fmt.Errorf("registryabi: verifyCertificate returned %d values, want 4", len(vals))
	}
	storageID, ok := vals[0].(string)
	if !ok {
		return Record{}, fmt.Errorf("registryabi: verifyCertificate[0] is not a string")
	}
	issuer, ok := vals[1].(common.Address)
	if !ok {
		return Record{}, fmt.Errorf("registryabi: verifyCertificate[1] is not an address")
	}
	valid, ok := vals[2].(bool)
	if !ok {
		return Record{}, fmt.Errorf("registryabi: verifyCertificate[2] is not a bool")
	}
	issuedAt, ok := vals[3].(*big.Int)
	if !ok {
		return Record{}, fmt.Errorf("registryabi: verifyCertificate[3] is not a uint256")
	}
	return Record{
		StorageID: storageID,
		Issuer:    issuer,
		Valid:     valid,
		IssuedAt:  issuedAt,
	}, nil
}

const registryABIJSON = `[
  {"inputs":[],"stateMutability":"nonpayable","type":"constructor"},
  {
    "anonymous":false,
    "inputs":[
      {"indexed":true,"internalType":"string","name":"id","type":"string"},
      {"indexed":false,"internalType":"string","name":"ipfsHash","type":"string"},
      {"indexed":true,"internalType":"address","name":"issuer","type":"address"}
    ],
    "name":"CertificateIssued","type":"event"
  },
  {
    "anonymous":false,
    "inputs":[
      {"indexed":true,"internalType":"string","name":"id","type":"string"},
      {"indexed":true,"internalType":"address","name":"issuer","type":"address"},
      {"indexed":false,"internalType":"bool","name":"isValid","type":"bool"}
    ],
    "name":"CertificateVerified","type":"event"
  },
  {
    "anonymous":false,
    "inputs":[
      {"indexed":true,"internalType":"address","name":"issuer","type":"address"}
    ],
    "name":"IssuerAuthorized","type":"event"
  },
  {
    "inputs":[],"name":"admin",
    "outputs":[{"internalType":"address","name":"","type":"address"}],
    "stateMutability":"view","type":"function"
  },
  {
    "inputs":[{"internalType":"address","name":"_issuer","type":"address"}],
    "name":"authorizeIssuer","outputs":[],
    "stateMutability":"nonpayable","type":"function"
  },
  {
    "inputs":[{"internalType":"address","name":"","type":"address"}],
    "name":"authorizedIssuers",
    "outputs":[{"internalType":"bool","name":"","type":"bool"}],
    "stateMutability":"view","type":"function"
  },
  {
    "inputs":[
      {"internalType":"string","name":"_id","type":"string"},
      {"internalType":"string","name":"_ipfsHash","type":"string"}
    ],
    "name":"issueCertificate","outputs":[],
    "stateMutability":"nonpayable","type":"function"
  },
  {
    "inputs":[{"internalType":"string","name":"_id","type":"string"}],
    "name":"revokeCertificate","outputs":[],
    "stateMutability":"nonpayable","type":"function"
  },
  {
    "inputs":[{"internalType":"string","name":"_id","type":"string"}],
    "name":"verifyCertificate",
    "outputs":[
      {"internalType":"string","name":"ipfsHash","type":"string"},
      {"internalType":"address","name":"issuer","type":"address"},
      {"internalType":"bool","name":"isValid","type":"bool"},
      {"internalType":"uint256","name":"issueDate","type":"uint256"}
    ],
    "stateMutability":"view","type":"function"
  }
]`
