// Package pinstore uploads blobs to a content-addressed pinning service and
// returns the resulting content identifier.
package pinstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DriverHTTP   = "http"
	DriverMemory = "memory"

	defaultPinTimeout = 30 * time.Second
)

var (
	ErrInvalidConfig = errors.New("pinstore: invalid config")
	ErrEmptyPayload  = errors.New("pinstore: empty payload")
)

// Pinner stores a blob and returns its stable content identifier.
type Pinner interface {
	PinFile(ctx context.Context, name string, payload []byte) (string, error)
	PinJSON(ctx context.Context, v any) (string, error)
}

type Config struct {
	Driver string

	// HTTP driver fields. APIURL points at an IPFS-style add endpoint;
	// APIKey/APISecret are forwarded as pinning-service credential headers
	// when non-empty.
	APIURL     string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
}

func New(cfg Config) (Pinner, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		return NewMemoryPinner(), nil
	case DriverHTTP, "":
		return newHTTPPinner(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

type HTTPPinner struct {
	apiURL    string
	apiKey    string
	apiSecret string
	client    *http.Client
}

func newHTTPPinner(cfg Config) (*HTTPPinner, error) {
	apiURL := strings.TrimSpace(cfg.APIURL)
	if apiURL == "" {
		return nil, fmt.Errorf("%w: api url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid api url", ErrInvalidConfig)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPinTimeout}
	}
	return &HTTPPinner{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		apiSecret: strings.TrimSpace(cfg.APISecret),
		client:    client,
	}, nil
}

func (p *HTTPPinner) PinFile(ctx context.Context, name string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	if strings.TrimSpace(name) == "" {
		name = "blob"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("pinstore: build multipart: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", fmt.Errorf("pinstore: write multipart payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("pinstore: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", fmt.Errorf("pinstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	p.setAuth(req)

	return p.do(req)
}

func (p *HTTPPinner) PinJSON(ctx context.Context, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("pinstore: marshal json: %w", err)
	}
	return p.PinFile(ctx, "metadata.json", payload)
}

func (p *HTTPPinner) setAuth(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("pinata_api_key", p.apiKey)
	}
	if p.apiSecret != "" {
		req.Header.Set("pinata_secret_api_key", p.apiSecret)
	}
}

func (p *HTTPPinner) do(req *http.Request) (string, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pinstore: add: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("pinstore: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("pinstore: add failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("pinstore: parse response: %w", err)
	}
	if strings.TrimSpace(out.Hash) == "" {
		return "", fmt.Errorf("pinstore: empty cid in response")
	}
	return out.Hash, nil
}

var _ Pinner = (*HTTPPinner)(nil)

// MemoryPinner derives a deterministic pseudo-CID from the payload digest.
// Test and local-dev double for the HTTP pinner.
type MemoryPinner struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryPinner() *MemoryPinner {
	return &MemoryPinner{blobs: make(map[string][]byte)}
}

func (p *MemoryPinner) PinFile(_ context.Context, _ string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	sum := sha256.Sum256(payload)
	cid := "bafy" + hex.EncodeToString(sum[:16])

	p.mu.Lock()
	p.blobs[cid] = append([]byte(nil), payload...)
	p.mu.Unlock()
	return cid, nil
}

func (p *MemoryPinner) PinJSON(ctx context.Context, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("pinstore: marshal json: %w", err)
	}
	return p.PinFile(ctx, "metadata.json", payload)
}

// Pinned reports whether a CID was stored, for tests.
func (p *MemoryPinner) Pinned(cid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.blobs[cid]
	return ok
}

var _ Pinner = (*MemoryPinner)(nil)
