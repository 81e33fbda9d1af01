package reconcile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certledger/certledger/internal/blobstore"
	"github.com/certledger/certledger/internal/certindex"
	"github.com/certledger/certledger/internal/issuedevent"
	"github.com/certledger/certledger/internal/ledger"
	"github.com/certledger/certledger/internal/queue"
)

var testIssuer = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeLedger struct {
	mu      sync.Mutex
	records map[string]ledger.Record
	err     error
}

func (f *fakeLedger) Verify(_ context.Context, id string) (ledger.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ledger.Record{}, f.err
	}
	rec, ok := f.records[id]
	if !ok {
		return ledger.Record{CertificateID: id}, nil
	}
	return rec, nil
}

func testHash(seed byte) [32]byte {
	var h [32]byte
	h[0] = seed
	h[31] = seed
	return h
}

func testPayload(id string, hash [32]byte, storageID string) issuedevent.Payload {
	return issuedevent.Payload{
		Version:       issuedevent.Version,
		CertificateID: id,
		ContentHash:   "0x" + hex.EncodeToString(hash[:]),
		StorageID:     storageID,
		Issuer:        testIssuer.Hex(),
		IssuedAt:      1_700_000_000,
	}
}

func newTestReconciler(t *testing.T, chain *fakeLedger) (*Reconciler, certindex.Store) {
	t.Helper()
	index := certindex.NewMemoryStore()
	rec, err := New(Config{Ledger: chain, Index: index})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rec, index
}

func TestApplyIssued_WritesConfirmedEntry(t *testing.T) {
	t.Parallel()

	issuedAt := time.Unix(1_700_000_000, 0).UTC()
	chain := &fakeLedger{records: map[string]ledger.Record{
		"CERT001": {
			CertificateID: "CERT001",
			StorageID:     "QmDoc",
			Issuer:        testIssuer,
			Valid:         true,
			IssuedAt:      issuedAt,
		},
	}}
	rec, index := newTestReconciler(t, chain)

	if err := rec.ApplyIssued(context.Background(), testPayload("CERT001", testHash(1), "QmDoc")); err != nil {
		t.Fatalf("ApplyIssued: %v", err)
	}

	entry, err := index.Get(context.Background(), "CERT001")
	if err != nil {
		t.Fatalf("index get: %v", err)
	}
	if entry.StorageID != "QmDoc" || entry.Issuer != testIssuer {
		t.Fatalf("entry = %+v", entry)
	}
	if !entry.IssuedAt.Equal(issuedAt) {
		t.Fatalf("issuedAt = %v want ledger timestamp %v", entry.IssuedAt, issuedAt)
	}
	if entry.BlobKey != "QmDoc" {
		t.Fatalf("blobKey = %q", entry.BlobKey)
	}
}

func TestApplyIssued_ReplayIsNoOp(t *testing.T) {
	t.Parallel()

	chain := &fakeLedger{records: map[string]ledger.Record{
		"CERT001": {StorageID: "QmDoc", Issuer: testIssuer, Valid: true, IssuedAt: time.Unix(1_700_000_000, 0)},
	}}
	rec, _ := newTestReconciler(t, chain)

	p := testPayload("CERT001", testHash(1), "QmDoc")
	if err := rec.ApplyIssued(context.Background(), p); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := rec.ApplyIssued(context.Background(), p); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestApplyIssued_Rejections(t *testing.T) {
	t.Parallel()

	chain := &fakeLedger{records: map[string]ledger.Record{
		"CERT001": {StorageID: "QmDoc", Issuer: testIssuer, Valid: true, IssuedAt: time.Unix(1_700_000_000, 0)},
	}}

	cases := []struct {
		name    string
		payload issuedevent.Payload
		want    error
	}{
		{"unnormalized id", testPayload("CERT-001", testHash(1), "QmDoc"), ErrInvalidEvent},
		{"bad content hash", func() issuedevent.Payload {
			p := testPayload("CERT001", testHash(1), "QmDoc")
			p.ContentHash = "0x1234"
			return p
		}(), ErrInvalidEvent},
		{"bad issuer", func() issuedevent.Payload {
			p := testPayload("CERT001", testHash(1), "QmDoc")
			p.Issuer = "not-an-address"
			return p
		}(), ErrInvalidEvent},
		{"unknown on ledger", testPayload("CERT999", testHash(2), "QmDoc"), ErrLedgerMismatch},
		{"storage id diverges", testPayload("CERT001", testHash(1), "QmSomethingElse"), ErrLedgerMismatch},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec, index := newTestReconciler(t, chain)
			err := rec.ApplyIssued(context.Background(), tc.payload)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v want %v", err, tc.want)
			}
			if _, getErr := index.Get(context.Background(), tc.payload.CertificateID); !errors.Is(getErr, certindex.ErrNotFound) {
				t.Fatalf("rejected event must not be indexed, get err = %v", getErr)
			}
		})
	}
}

func TestApplyIssued_LedgerErrorPropagates(t *testing.T) {
	t.Parallel()

	chain := &fakeLedger{err: fmt.Errorf("rpc timeout")}
	rec, _ := newTestReconciler(t, chain)

	err := rec.ApplyIssued(context.Background(), testPayload("CERT001", testHash(1), "QmDoc"))
	if err == nil || !strings.Contains(err.Error(), "rpc timeout") {
		t.Fatalf("err = %v", err)
	}
}

func TestAudit_ReportsDivergence(t *testing.T) {
	t.Parallel()

	chain := &fakeLedger{records: map[string]ledger.Record{
		"CERT001": {StorageID: "QmA", Issuer: testIssuer, Valid: true, IssuedAt: time.Unix(1_700_000_000, 0)},
		"CERT002": {StorageID: "QmB", Issuer: testIssuer, Valid: true, IssuedAt: time.Unix(1_700_000_100, 0)},
	}}
	rec, index := newTestReconciler(t, chain)

	put := func(id string, seed byte, storageID string) {
		t.Helper()
		err := index.Put(context.Background(), certindex.Entry{
			ID:          id,
			ContentHash: testHash(seed),
			StorageID:   storageID,
			Issuer:      testIssuer,
			IssuedAt:    time.Unix(1_700_000_000, 0),
			BlobKey:     storageID,
		})
		if err != nil {
			t.Fatalf("seed index %s: %v", id, err)
		}
	}
	put("CERT001", 1, "QmA")
	put("CERT002", 2, "QmStale")
	put("CERT003", 3, "QmGone")

	report, err := rec.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.Checked != 3 || report.Matched != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Mismatched) != 2 {
		t.Fatalf("mismatched = %v", report.Mismatched)
	}
}

func TestRebuild_RestoresMissingEntries(t *testing.T) {
	t.Parallel()

	docA := []byte("%PDF-1.7 doc a")
	docB := []byte("%PDF-1.7 doc b")

	blobs := blobstore.NewMemoryStore()
	if err := blobs.Put(context.Background(), "QmA", docA); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	if err := blobs.Put(context.Background(), "QmB", docB); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	issuedAt := time.Unix(1_700_000_000, 0).UTC()
	chain := &fakeLedger{records: map[string]ledger.Record{
		"CERT001": {StorageID: "QmA", Issuer: testIssuer, Valid: true, IssuedAt: issuedAt},
		"CERT002": {StorageID: "QmB", Issuer: testIssuer, Valid: true, IssuedAt: issuedAt},
		"CERT003": {StorageID: "QmGone", Issuer: testIssuer, Valid: true, IssuedAt: issuedAt},
	}}

	index := certindex.NewMemoryStore()
	rec, err := New(Config{Ledger: chain, Index: index, Blobs: blobs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// CERT001 is already indexed; CERT002 is the crash-recovery case;
	// CERT003's document is lost; CERT999 was never issued.
	if err := index.Put(context.Background(), certindex.Entry{
		ID:          "CERT001",
		ContentHash: certindex.ContentHash(docA),
		StorageID:   "QmA",
		Issuer:      testIssuer,
		IssuedAt:    issuedAt,
		BlobKey:     "QmA",
	}); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	report, err := rec.Rebuild(context.Background(), []string{"CERT-001", "CERT-002", "CERT-003", "CERT-999"})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if report.Requested != 4 || report.Rebuilt != 1 || report.Present != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Unknown) != 1 || report.Unknown[0] != "CERT999" {
		t.Fatalf("unknown = %v", report.Unknown)
	}
	if len(report.OrphanedStorage) != 1 || report.OrphanedStorage[0] != "QmGone" {
		t.Fatalf("orphaned = %v", report.OrphanedStorage)
	}

	entry, err := index.Get(context.Background(), "CERT002")
	if err != nil {
		t.Fatalf("get rebuilt entry: %v", err)
	}
	if entry.ContentHash != certindex.ContentHash(docB) {
		t.Fatal("rebuilt entry must recompute the content hash from the document")
	}
	if !entry.IssuedAt.Equal(issuedAt) {
		t.Fatalf("issuedAt = %v", entry.IssuedAt)
	}
}

func TestRebuild_RequiresBlobStore(t *testing.T) {
	t.Parallel()

	rec, _ := newTestReconciler(t, &fakeLedger{})
	if _, err := rec.Rebuild(context.Background(), []string{"CERT001"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
}

func TestWorker_AppliesEventsFromStream(t *testing.T) {
	t.Parallel()

	chain := &fakeLedger{records: map[string]ledger.Record{
		"CERT001": {StorageID: "QmA", Issuer: testIssuer, Valid: true, IssuedAt: time.Unix(1_700_000_000, 0)},
		"CERT002": {StorageID: "QmB", Issuer: testIssuer, Valid: true, IssuedAt: time.Unix(1_700_000_100, 0)},
	}}
	rec, index := newTestReconciler(t, chain)

	encode := func(p issuedevent.Payload) string {
		raw, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return string(raw)
	}
	stream := strings.Join([]string{
		encode(testPayload("CERT001", testHash(1), "QmA")),
		"not json at all",
		encode(testPayload("CERT002", testHash(2), "QmB")),
	}, "\n") + "\n"

	consumer, err := queue.NewConsumer(context.Background(), queue.ConsumerConfig{
		Driver: queue.DriverStdio,
		Reader: strings.NewReader(stream),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer consumer.Close()

	worker, err := NewWorker(WorkerConfig{MaxInflight: 2}, rec, consumer, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"CERT001", "CERT002"} {
		if _, err := index.Get(context.Background(), id); err != nil {
			t.Fatalf("get %s after run: %v", id, err)
		}
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Index: certindex.NewMemoryStore()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Config{Ledger: &fakeLedger{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewWorker(WorkerConfig{}, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
}
