// Package issuedevent defines the queue payload published after a
// certificate issuance is confirmed and indexed.
package issuedevent

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certledger/certledger/internal/certindex"
)

const (
	Version = "certificates.issued.v1"

	// Topic is the default queue topic issued events are published to.
	Topic = "certificates.issued.v1"
)

type Payload struct {
	Version       string `json:"version"`
	CertificateID string `json:"certificateId"`
	ContentHash   string `json:"contentHash"`
	StorageID     string `json:"storageId"`
	Issuer        string `json:"issuer"`
	IssuedAt      int64  `json:"issuedAt"`
	TxHash        string `json:"txHash"`
}

// BuildPayload assembles the event for a freshly indexed entry.
func BuildPayload(e certindex.Entry, txHash common.Hash) Payload {
	return Payload{
		Version:       Version,
		CertificateID: e.ID,
		ContentHash:   "0x" + hex.EncodeToString(e.ContentHash[:]),
		StorageID:     e.StorageID,
		Issuer:        e.Issuer.Hex(),
		IssuedAt:      e.IssuedAt.Unix(),
		TxHash:        txHash.Hex(),
	}
}

// Decode parses and validates a serialized payload.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("issuedevent: decode: %w", err)
	}
	if p.Version != Version {
		return Payload{}, fmt.Errorf("issuedevent: unsupported version %q", p.Version)
	}
	if p.CertificateID == "" || p.StorageID == "" {
		return Payload{}, fmt.Errorf("issuedevent: incomplete payload")
	}
	return p, nil
}
