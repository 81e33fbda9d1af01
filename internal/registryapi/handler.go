// Package registryapi exposes the certificate registry over HTTP.
package registryapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/certledger/certledger/internal/certindex"
	"github.com/certledger/certledger/internal/institution"
	"github.com/certledger/certledger/internal/issuer"
	"github.com/certledger/certledger/internal/rpcselect"
)

var (
	ErrInvalidConfig    = errors.New("registryapi: invalid config")
	ErrInvalidSignature = errors.New("registryapi: invalid signature")
)

// IssueService is the issuance pipeline surface the handler calls.
type IssueService interface {
	Issue(ctx context.Context, req issuer.IssueRequest) (issuer.IssueResult, error)
	Verify(ctx context.Context, identifier string) (issuer.Verification, error)
	Fetch(ctx context.Context, identifier string) ([]byte, certindex.Entry, error)
}

// InstitutionService runs the registration and approval flow.
type InstitutionService interface {
	Register(ctx context.Context, identity common.Address, profile institution.Profile, pin bool) (institution.RegisterResult, error)
	Get(ctx context.Context, identity common.Address) (institution.Registration, error)
	ListRequests(ctx context.Context) ([]institution.Request, error)
	Approve(ctx context.Context, identity common.Address) (institution.Registration, error)
	Reject(ctx context.Context, identity common.Address) (institution.Request, error)
}

type Config struct {
	Issuance     IssueService
	Institutions InstitutionService

	// Admin guards the /admin endpoints via the x-admin-identity header and
	// marks which submitter identity auto-approves. Zero disables both.
	Admin common.Address

	// RPCStatus is the startup endpoint-selection snapshot.
	RPCStatus rpcselect.Result

	MaxUploadBytes int64

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if cfg.Issuance == nil {
		return nil, fmt.Errorf("%w: nil issuance service", ErrInvalidConfig)
	}
	if cfg.Institutions == nil {
		return nil, fmt.Errorf("%w: nil institution service", ErrInvalidConfig)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /rpc-status", h.handleRPCStatus)
	mux.HandleFunc("POST /certificates", h.handleIssue)
	mux.HandleFunc("POST /certificates/verify", h.handleVerify)
	mux.HandleFunc("GET /certificates/{certificateId}/file", h.handleFile)
	mux.HandleFunc("POST /institutions", h.handleRegisterInstitution)
	mux.HandleFunc("GET /institutions/{identity}", h.handleGetInstitution)
	mux.HandleFunc("GET /admin/institution-requests", h.handleListRequests)
	mux.HandleFunc("POST /admin/institution-requests/{identity}/approve", h.handleApprove)
	mux.HandleFunc("POST /admin/institution-requests/{identity}/reject", h.handleReject)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg     Config
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleRPCStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.RPCStatus)
}

func (h *handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_multipart_body",
		})
		return
	}

	file, _, err := r.FormFile("certificate")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "missing_certificate_file",
		})
		return
	}
	defer file.Close()
	doc, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "unreadable_certificate_file",
		})
		return
	}

	identifier := strings.TrimSpace(r.FormValue("certificateId"))
	issuerStr := strings.TrimSpace(r.FormValue("issuer"))
	if !common.IsHexAddress(issuerStr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_issuer_identity",
		})
		return
	}

	res, err := h.cfg.Issuance.Issue(r.Context(), issuer.IssueRequest{
		Document:   doc,
		Identifier: identifier,
		Issuer:     common.HexToAddress(issuerStr),
	})
	if err != nil {
		writeIssueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"certificateId": res.CertificateID,
		"storageId":     res.StorageID,
		"txHash":        res.TxHash.Hex(),
	})
}

type verifyRequestBody struct {
	CertificateID string `json:"certificateId"`
}

func (h *handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[verifyRequestBody](w, r)
	if !ok {
		return
	}

	v, err := h.cfg.Issuance.Verify(r.Context(), body.CertificateID)
	if err != nil {
		writeIssueError(w, err)
		return
	}
	// Validity is data, not a transport error; both outcomes are 200.
	if !v.Valid {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":  false,
			"reason": v.Reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":         true,
		"certificateId": v.CertificateID,
		"storageId":     v.StorageID,
		"issuer":        v.Issuer.Hex(),
		"issuedAt":      v.IssuedAt.UTC().Format(time.RFC3339),
	})
}

func (h *handler) handleFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("certificateId")
	mode := strings.TrimSpace(r.URL.Query().Get("mode"))
	switch mode {
	case "", "inline":
		mode = "inline"
	case "attachment":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_mode",
		})
		return
	}

	doc, entry, err := h.cfg.Issuance.Fetch(r.Context(), id)
	if err != nil {
		if errors.Is(err, issuer.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": "certificate_not_found",
			})
			return
		}
		writeIssueError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", mode, entry.ID+".pdf"))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type registerInstitutionBody struct {
	Institution json.RawMessage `json:"institution"`
	Address     string          `json:"address"`
	Signature   string          `json:"signature"`
	Pin         bool            `json:"pin"`
}

func (h *handler) handleRegisterInstitution(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[registerInstitutionBody](w, r)
	if !ok {
		return
	}
	if len(body.Institution) == 0 || strings.TrimSpace(body.Address) == "" || strings.TrimSpace(body.Signature) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "missing_required_fields",
		})
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(body.Address)) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_address",
		})
		return
	}
	submitter := common.HexToAddress(strings.TrimSpace(body.Address))

	sig, err := decodeHexBytes(body.Signature)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_signature_format",
		})
		return
	}
	// The signature covers the institution JSON exactly as submitted.
	recovered, err := recoverPersonalSigner(body.Institution, sig)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_signature_format",
		})
		return
	}
	if recovered != submitter {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "signature_mismatch",
		})
		return
	}

	var profile institution.Profile
	if err := json.Unmarshal(body.Institution, &profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_institution",
		})
		return
	}

	res, err := h.cfg.Institutions.Register(r.Context(), submitter, profile, body.Pin)
	if err != nil {
		writeInstitutionError(w, err)
		return
	}

	msg := "institution registration submitted and pending admin approval"
	if res.AutoApproved {
		msg = "admin institution registered"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approved": res.AutoApproved,
		"pinCid":   res.PinCID,
		"message":  msg,
	})
}

func (h *handler) handleGetInstitution(w http.ResponseWriter, r *http.Request) {
	identityStr := r.PathValue("identity")
	if !common.IsHexAddress(identityStr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_address",
		})
		return
	}

	reg, err := h.cfg.Institutions.Get(r.Context(), common.HexToAddress(identityStr))
	if err != nil {
		if errors.Is(err, institution.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": "institution_not_found",
			})
			return
		}
		writeInstitutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":     reg.Identity.Hex(),
		"institution":  reg.Profile,
		"pinCid":       reg.PinCID,
		"registeredAt": reg.RegisteredAt.UTC().Format(time.RFC3339),
	})
}

func (h *handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("x-admin-identity"))
	if h.cfg.Admin == (common.Address{}) || !common.IsHexAddress(header) ||
		common.HexToAddress(header) != h.cfg.Admin {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "admin_header_missing_or_incorrect",
		})
		return false
	}
	return true
}

func (h *handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	reqs, err := h.cfg.Institutions.ListRequests(r.Context())
	if err != nil {
		writeInstitutionError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		item := map[string]any{
			"identity":    req.Identity.Hex(),
			"institution": req.Profile,
			"status":      string(req.Status),
			"requestedAt": req.RequestedAt.UTC().Format(time.RFC3339),
		}
		if !req.HandledAt.IsZero() {
			item["handledAt"] = req.HandledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": items,
	})
}

func (h *handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	identityStr := r.PathValue("identity")
	if !common.IsHexAddress(identityStr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_address",
		})
		return
	}

	reg, err := h.cfg.Institutions.Approve(r.Context(), common.HexToAddress(identityStr))
	if err != nil {
		writeInstitutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":     reg.Identity.Hex(),
		"registeredAt": reg.RegisteredAt.UTC().Format(time.RFC3339),
	})
}

func (h *handler) handleReject(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	identityStr := r.PathValue("identity")
	if !common.IsHexAddress(identityStr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_address",
		})
		return
	}

	req, err := h.cfg.Institutions.Reject(r.Context(), common.HexToAddress(identityStr))
	if err != nil {
		writeInstitutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": req.Identity.Hex(),
		"status":   string(req.Status),
	})
}

// writeIssueError maps the pipeline taxonomy onto transport statuses.
// Responses stay sanitized; full detail lives in server logs.
func writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, issuer.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_input",
		})
	case errors.Is(err, issuer.ErrDuplicateID):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "duplicate_certificate_id",
		})
	case errors.Is(err, issuer.ErrDuplicateContent):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "duplicate_certificate_content",
		})
	case errors.Is(err, issuer.ErrNotAuthorized):
		resp := map[string]any{
			"error": "not_authorized",
		}
		var na *issuer.NotAuthorizedError
		if errors.As(err, &na) {
			resp["admin"] = na.Admin.Hex()
		}
		writeJSON(w, http.StatusUnauthorized, resp)
	case errors.Is(err, issuer.ErrUpstreamUnavailable):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": "upstream_unavailable",
		})
	case errors.Is(err, issuer.ErrConsistency):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "consistency_error",
		})
	case errors.Is(err, issuer.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "certificate_not_found",
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal",
		})
	}
}

func writeInstitutionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, institution.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "request_not_found",
		})
	case errors.Is(err, institution.ErrRequestHandled):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "request_already_handled",
		})
	case errors.Is(err, institution.ErrInvalidRecord):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_institution",
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal",
		})
	}
}

// recoverPersonalSigner recovers the address behind an EIP-191 personal-sign
// signature over message. v may be {0,1,27,28}.
func recoverPersonalSigner(message, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	s := make([]byte, 65)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
		// ok
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}

	digest := accounts.TextHash(message)
	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid_json",
		})
		return out, false
	}
	return out, true
}

func decodeHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return nil, errors.New("empty hex value")
	}
	return hex.DecodeString(raw)
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}
