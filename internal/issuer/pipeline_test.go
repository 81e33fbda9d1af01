package issuer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certledger/certledger/internal/blobstore"
	"github.com/certledger/certledger/internal/certindex"
	"github.com/certledger/certledger/internal/ledger"
	"github.com/certledger/certledger/internal/pinstore"
)

var (
	adminAddr  = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	issuerAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func pdfDoc(marker string) []byte {
	return append([]byte("%PDF-1.4\n"), []byte(marker)...)
}

// fakeChain mimics the registry contract: one record per identifier, first
// writer wins, records become readable once issued.
type fakeChain struct {
	mu         sync.Mutex
	admin      common.Address
	authorized map[common.Address]bool
	records    map[string]ledger.Record
	issuedAt   time.Time

	authCheckErrs []error
	issueErrs     []error
	issueHook     func()
	verifyHook    func()
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		admin:      adminAddr,
		authorized: make(map[common.Address]bool),
		records:    make(map[string]ledger.Record),
		issuedAt:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (c *fakeChain) Admin(_ context.Context) (common.Address, error) {
	return c.admin, nil
}

func (c *fakeChain) IsAuthorizedIssuer(_ context.Context, issuer common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := popErr(&c.authCheckErrs); err != nil {
		return false, err
	}
	return c.authorized[issuer], nil
}

func (c *fakeChain) AuthorizeIssuer(_ context.Context, issuer common.Address) (ledger.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorized[issuer] = true
	return ledger.TxResult{TxHash: common.HexToHash("0xa1")}, nil
}

func (c *fakeChain) IssueCertificate(_ context.Context, certificateID, storageID string) (ledger.TxResult, error) {
	c.mu.Lock()
	hook := c.issueHook
	err := popErr(&c.issueErrs)
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return ledger.TxResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[certificateID]; exists {
		return ledger.TxResult{}, revertedErr()
	}
	c.records[certificateID] = ledger.Record{
		CertificateID: certificateID,
		StorageID:     storageID,
		Issuer:        issuerAddr,
		Valid:         true,
		IssuedAt:      c.issuedAt,
	}
	return ledger.TxResult{TxHash: common.HexToHash("0xbeef")}, nil
}

func revertedErr() error {
	return fmt.Errorf("%w: certificate already issued", ledger.ErrTxReverted)
}

func (c *fakeChain) Verify(_ context.Context, certificateID string) (ledger.Record, error) {
	c.mu.Lock()
	hook := c.verifyHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[certificateID]
	if !ok {
		return ledger.Record{CertificateID: certificateID}, nil
	}
	return rec, nil
}

type pipelineFixture struct {
	chain  *fakeChain
	index  *certindex.MemoryStore
	pinner *pinstore.MemoryPinner
	blobs  blobstore.Store
	pipe   *Pipeline
}

func newFixture(t *testing.T, mutate func(*Config)) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		chain:  newFakeChain(),
		index:  certindex.NewMemoryStore(),
		pinner: pinstore.NewMemoryPinner(),
		blobs:  blobstore.NewMemoryStore(),
	}
	cfg := Config{
		Ledger:       f.chain,
		Pinner:       f.pinner,
		Index:        f.index,
		Blobs:        f.blobs,
		RetryBackoff: time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pipe, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.pipe = pipe
	return f
}

func TestIssue_AdminSelfAuthorizesAndIssues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.pipe.Issue(ctx, IssueRequest{
		Document:   pdfDoc("diploma one"),
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if res.CertificateID != "CERT001" {
		t.Fatalf("certificate id: got %q", res.CertificateID)
	}
	if res.StorageID == "" {
		t.Fatalf("missing storage id")
	}
	if !f.chain.authorized[adminAddr] {
		t.Fatalf("admin was not self-authorized")
	}

	entry, err := f.index.Get(ctx, "CERT001")
	if err != nil {
		t.Fatalf("index entry missing: %v", err)
	}
	if entry.StorageID != res.StorageID {
		t.Fatalf("index storage id %q != result %q", entry.StorageID, res.StorageID)
	}
	if !entry.IssuedAt.Equal(f.chain.issuedAt) {
		t.Fatalf("index must carry the ledger timestamp, got %s", entry.IssuedAt)
	}

	v, err := f.pipe.Verify(ctx, "CERT-001")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !v.Valid || v.StorageID != res.StorageID {
		t.Fatalf("verify mismatch: %+v", v)
	}
}

func TestIssue_RejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  IssueRequest
	}{
		{"empty document", IssueRequest{Identifier: "CERT-001", Issuer: adminAddr}},
		{"not a pdf", IssueRequest{Document: []byte("plain text"), Identifier: "CERT-001", Issuer: adminAddr}},
		{"identifier normalizes to nothing", IssueRequest{Document: pdfDoc("x"), Identifier: "!!--!!", Issuer: adminAddr}},
		{"missing issuer", IssueRequest{Document: pdfDoc("x"), Identifier: "CERT-001"}},
	}
	for _, tc := range cases {
		if _, err := f.pipe.Issue(ctx, tc.req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: got %v", tc.name, err)
		}
	}
	if len(f.pinner.Pinned()) != 0 {
		t.Fatalf("invalid input must not reach the pin store")
	}
}

func TestIssue_DuplicateIdentifierAcrossPunctuation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.pipe.Issue(ctx, IssueRequest{
		Document:   pdfDoc("original"),
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	}); err != nil {
		t.Fatalf("first issue: %v", err)
	}

	_, err := f.pipe.Issue(ctx, IssueRequest{
		Document:   pdfDoc("other bytes"),
		Identifier: "CERT!001",
		Issuer:     adminAddr,
	})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID for punctuation variant, got %v", err)
	}
}

func TestIssue_DuplicateContentUnderNewIdentifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	doc := pdfDoc("same bytes")

	if _, err := f.pipe.Issue(ctx, IssueRequest{
		Document:   doc,
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	}); err != nil {
		t.Fatalf("first issue: %v", err)
	}

	_, err := f.pipe.Issue(ctx, IssueRequest{
		Document:   doc,
		Identifier: "CERT-002",
		Issuer:     adminAddr,
	})
	if !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("expected ErrDuplicateContent, got %v", err)
	}
	if !strings.Contains(err.Error(), "CERT001") {
		t.Fatalf("error should name the prior id: %v", err)
	}
	if _, err := f.index.Get(ctx, "CERT002"); !errors.Is(err, certindex.ErrNotFound) {
		t.Fatalf("no index entry may exist for the rejected id, got %v", err)
	}
}

func TestIssue_NotAuthorizedNamesAdmin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.pipe.Issue(context.Background(), IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     issuerAddr,
	})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	var na *NotAuthorizedError
	if !errors.As(err, &na) {
		t.Fatalf("expected NotAuthorizedError, got %T", err)
	}
	if na.Admin != adminAddr {
		t.Fatalf("error must name the real admin, got %s", na.Admin.Hex())
	}
	if len(f.chain.records) != 0 {
		t.Fatalf("no on-chain record may exist: %v", f.chain.records)
	}
}

func TestIssue_PreAuthorizedIssuerSkipsSelfAuthorize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.chain.authorized[issuerAddr] = true

	if _, err := f.pipe.Issue(context.Background(), IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     issuerAddr,
	}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
}

func TestIssue_TransientLedgerFailuresAreRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.chain.authCheckErrs = []error{
		errors.New("dial tcp: i/o timeout"),
		errors.New("502 bad gateway"),
	}
	f.chain.authorized[issuerAddr] = true

	if _, err := f.pipe.Issue(context.Background(), IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     issuerAddr,
	}); err != nil {
		t.Fatalf("Issue should survive two transient failures: %v", err)
	}
}

func TestIssue_TransientFailuresExhaustRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.chain.authCheckErrs = []error{
		errors.New("dial tcp: i/o timeout"),
		errors.New("dial tcp: i/o timeout"),
		errors.New("dial tcp: i/o timeout"),
	}

	_, err := f.pipe.Issue(context.Background(), IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable after retries, got %v", err)
	}
}

func TestIssue_RevertIsNotRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.chain.issueErrs = []error{revertedErr()}

	_, err := f.pipe.Issue(context.Background(), IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	})
	if !errors.Is(err, ledger.ErrTxReverted) {
		t.Fatalf("revert must surface verbatim, got %v", err)
	}
	if len(f.chain.issueErrs) != 0 {
		t.Fatalf("revert must not be retried")
	}
	if _, err := f.index.Get(context.Background(), "CERT001"); !errors.Is(err, certindex.ErrNotFound) {
		t.Fatalf("no index entry after revert, got %v", err)
	}
}

func TestIssue_ConsistencyMismatchAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	// A racing writer replaces the record between our submit and re-read.
	f.chain.verifyHook = func() {
		f.chain.mu.Lock()
		defer f.chain.mu.Unlock()
		f.chain.records["CERT001"] = ledger.Record{
			CertificateID: "CERT001",
			StorageID:     "QmSomebodyElse",
			Issuer:        issuerAddr,
			Valid:         true,
			IssuedAt:      f.chain.issuedAt,
		}
	}

	_, err := f.pipe.Issue(context.Background(), IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	})
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("lost race must abort with ErrConsistency, got %v", err)
	}
	if _, err := f.index.Get(context.Background(), "CERT001"); !errors.Is(err, certindex.ErrNotFound) {
		t.Fatalf("lost race must not write the index, got %v", err)
	}
}

func TestIssue_CancellationAfterSubmitStillReadsBack(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, nil)
	// The caller gives up while the transaction is in flight, but the
	// transaction lands anyway. The memory pinner derives the same storage
	// id the pipeline will compute for these bytes.
	f.chain.issueErrs = []error{context.Canceled}
	f.chain.issueHook = cancel
	f.chain.records["CERT001"] = ledger.Record{
		CertificateID: "CERT001",
		StorageID:     mustPin(f.pinner, pdfDoc("doc")),
		Issuer:        adminAddr,
		Valid:         true,
		IssuedAt:      f.chain.issuedAt,
	}

	res, err := f.pipe.Issue(ctx, IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	})
	if err != nil {
		t.Fatalf("confirmed-but-cancelled issuance must be indexed: %v", err)
	}
	if _, idxErr := f.index.Get(context.Background(), "CERT001"); idxErr != nil {
		t.Fatalf("index entry missing after cancelled issuance: %v", idxErr)
	}
	if res.CertificateID != "CERT001" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func mustPin(p *pinstore.MemoryPinner, doc []byte) string {
	cid, err := p.PinFile(context.Background(), "probe.pdf", doc)
	if err != nil {
		panic(err)
	}
	return cid
}

func TestIssue_CancellationBeforeLandingReturnsCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.chain.issueErrs = []error{context.Canceled}

	_, err := f.pipe.Issue(context.Background(), IssueRequest{
		Document:   pdfDoc("doc"),
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to surface, got %v", err)
	}
	if _, idxErr := f.index.Get(context.Background(), "CERT001"); !errors.Is(idxErr, certindex.ErrNotFound) {
		t.Fatalf("no index entry for unlanded tx, got %v", idxErr)
	}
}

func TestVerify_IsIdempotentAndEnumerationSafe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.pipe.Verify(ctx, "NEVER-ISSUED")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	second, err := f.pipe.Verify(ctx, "NEVER-ISSUED")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if first != second {
		t.Fatalf("verify must be idempotent: %+v vs %+v", first, second)
	}
	if first.Valid || first.Reason == "" {
		t.Fatalf("unknown id must be invalid with a generic reason: %+v", first)
	}

	// Garbage identifiers get the exact same shape.
	garbage, err := f.pipe.Verify(ctx, "###")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if garbage.Valid || garbage.Reason != first.Reason {
		t.Fatalf("reason must not distinguish cases: %+v", garbage)
	}
}

func TestFetch_DistinguishesLossFromNeverIssued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	doc := pdfDoc("retained bytes")

	res, err := f.pipe.Issue(ctx, IssueRequest{
		Document:   doc,
		Identifier: "CERT-001",
		Issuer:     adminAddr,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, entry, err := f.pipe.Fetch(ctx, "CERT-001")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, doc) {
		t.Fatalf("document mismatch")
	}
	if entry.StorageID != res.StorageID {
		t.Fatalf("entry mismatch: %+v", entry)
	}

	if _, _, err := f.pipe.Fetch(ctx, "NEVER-ISSUED"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("never issued: got %v", err)
	}

	// Out-of-band content loss surfaces as the same caller-facing error.
	if err := f.blobs.Delete(ctx, entry.BlobKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := f.pipe.Fetch(ctx, "CERT-001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("content loss: got %v", err)
	}
}

func TestIssue_ConcurrentDistinctIdentifiers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.chain.authorized[adminAddr] = true
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.pipe.Issue(ctx, IssueRequest{
				Document:   pdfDoc("doc " + string(rune('a'+i))),
				Identifier: "CERT-00" + string(rune('0'+i)),
				Issuer:     adminAddr,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	entries, err := f.index.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("index entries: got %d want %d", len(entries), n)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"revert", revertedErr(), false},
		{"timeout text", errors.New("post failed: i/o timeout"), true},
		{"bad gateway", errors.New("502 bad gateway"), true},
		{"refused", errors.New("connection refused"), true},
		{"plain", errors.New("abi mismatch"), false},
	}
	for _, tc := range cases {
		if got := isTransient(tc.err); got != tc.want {
			t.Fatalf("%s: isTransient = %t, want %t", tc.name, got, tc.want)
		}
	}
}
