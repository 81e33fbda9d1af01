// Package rpcselect picks a working ledger RPC endpoint at startup.
//
// Given a comma-separated candidate list it probes every URL concurrently with
// an independent timeout, ranks the responders by latency, and selects the
// fastest one. A single candidate is selected without probing. When nothing
// responds the first configured URL is used anyway and the degraded start is
// flagged in the diagnostics, which stay queryable for the process lifetime.
package rpcselect

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultEndpoint     = "https://rpc.sepolia.org"
	DefaultProbeTimeout = 5 * time.Second
)

var ErrInvalidConfig = errors.New("rpcselect: invalid config")

// Prober answers a cheap read-only call against one endpoint, e.g. chain height.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

type ProberFunc func(ctx context.Context, url string) error

func (f ProberFunc) Probe(ctx context.Context, url string) error { return f(ctx, url) }

// Mode records how the selected endpoint was chosen.
type Mode string

const (
	ModeSingle         Mode = "single"
	ModeFastest        Mode = "fastest"
	ModeFallbackFirst  Mode = "fallback-first"
	ModeDefaultBackend Mode = "default"
)

// ProbeResult is the diagnostic record for one candidate.
type ProbeResult struct {
	URL     string `json:"url"`
	OK      bool   `json:"ok"`
	Latency int64  `json:"latencyMs"`
	Error   string `json:"error,omitempty"`
}

// Result is the selection outcome exposed by the rpc-status endpoint.
type Result struct {
	Candidates []string      `json:"candidates"`
	Selected   string        `json:"selected"`
	Mode       Mode          `json:"mode"`
	Degraded   bool          `json:"degraded"`
	Probes     []ProbeResult `json:"probes"`
}

type Config struct {
	// Candidates is the raw comma-separated endpoint list. Entries are trimmed
	// but deliberately not deduplicated or validated; a malformed URL just
	// fails its probe.
	Candidates string

	ProbeTimeout time.Duration
	Prober       Prober
}

// SplitCandidates splits a comma-separated endpoint list, dropping empties.
func SplitCandidates(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Select probes the configured candidates and returns the chosen endpoint.
//
// Selection is a one-shot startup decision: the result is not revisited while
// the process runs.
func Select(ctx context.Context, cfg Config) (Result, error) {
	if cfg.Prober == nil {
		return Result{}, ErrInvalidConfig
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	candidates := SplitCandidates(cfg.Candidates)
	if len(candidates) == 0 {
		return Result{
			Candidates: []string{DefaultEndpoint},
			Selected:   DefaultEndpoint,
			Mode:       ModeDefaultBackend,
			Probes: []ProbeResult{
				{URL: DefaultEndpoint, OK: true},
			},
		}, nil
	}

	// A single candidate is used as-is; probing it would only delay startup
	// without changing the outcome.
	if len(candidates) == 1 {
		return Result{
			Candidates: candidates,
			Selected:   candidates[0],
			Mode:       ModeSingle,
			Probes: []ProbeResult{
				{URL: candidates[0], OK: true},
			},
		}, nil
	}

	probes := make([]ProbeResult, len(candidates))
	var wg sync.WaitGroup
	for i, url := range candidates {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := cfg.Prober.Probe(probeCtx, url)
			lat := time.Since(start).Milliseconds()

			if err != nil {
				probes[i] = ProbeResult{URL: url, OK: false, Latency: lat, Error: err.Error()}
				return
			}
			probes[i] = ProbeResult{URL: url, OK: true, Latency: lat}
		}(i, url)
	}
	wg.Wait()

	ranked := make([]ProbeResult, 0, len(probes))
	for _, p := range probes {
		if p.OK {
			ranked = append(ranked, p)
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Latency < ranked[b].Latency })

	if len(ranked) == 0 {
		return Result{
			Candidates: candidates,
			Selected:   candidates[0],
			Mode:       ModeFallbackFirst,
			Degraded:   true,
			Probes:     probes,
		}, nil
	}

	return Result{
		Candidates: candidates,
		Selected:   ranked[0].URL,
		Mode:       ModeFastest,
		Probes:     probes,
	}, nil
}
