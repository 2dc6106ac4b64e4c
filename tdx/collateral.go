package tdx

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/atls-project/atls/atlserr"
)

// Collateral is the PCCS-issued material needed to verify a quote's PCK
// certificate chain and look up its TCB level, mirroring dcap-qvl's
// QuoteCollateralV3.
type Collateral struct {
	PCKCRLIssuerChain string
	RootCACRL         string
	PCKCRL            string
	TCBInfoIssuerChain string
	TCBInfo           string // raw JSON, parsed lazily by tcb.go
	QEIdentityIssuer  string
	QEIdentity        string
}

// tcbInfoEnvelope is the subset of a PCCS /tcb response this package reads
// before handing the raw tcb_info JSON to tcb.go for TCB-level matching.
type tcbInfoEnvelope struct {
	NextUpdate string `json:"nextUpdate"`
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the default http.Client (e.g. to set a
// transport-level timeout or proxy).
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithCacheSize overrides the number of (fmspc, tee_type, pccs_url) entries
// kept in the in-memory LRU cache.
func WithCacheSize(n int) FetcherOption {
	return func(f *Fetcher) { f.cacheSize = n }
}

// Fetcher retrieves and caches PCCS collateral, deduplicating concurrent
// fetches for the same key with singleflight so a burst of connections to
// the same confidential VM issues exactly one PCCS round trip.
type Fetcher struct {
	client    *http.Client
	cacheSize int

	cache *lru.Cache[string, cacheEntry]
	group singleflight.Group
}

type cacheEntry struct {
	collateral *Collateral
	expiresAt  time.Time
}

// NewFetcher builds a Fetcher with sane defaults: a 10s HTTP timeout and a
// 256-entry cache.
func NewFetcher(opts ...FetcherOption) (*Fetcher, error) {
	f := &Fetcher{
		client:    &http.Client{Timeout: 10 * time.Second},
		cacheSize: 256,
	}
	for _, opt := range opts {
		opt(f)
	}
	cache, err := lru.New[string, cacheEntry](f.cacheSize)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.Configuration, err, "constructing collateral cache")
	}
	f.cache = cache
	return f, nil
}

func cacheKey(pccsURL string, fmspc []byte, teeType uint32) string {
	return fmt.Sprintf("%s|%x|%d", pccsURL, fmspc, teeType)
}

// Fetch returns collateral for fmspc, using the cache when useCache is
// true and a fresh entry exists, and a PCCS HTTP round trip otherwise.
// Concurrent Fetch calls for the same key share one in-flight request.
func (f *Fetcher) Fetch(ctx context.Context, pccsURL string, fmspc []byte, teeType uint32, useCache bool) (*Collateral, error) {
	key := cacheKey(pccsURL, fmspc, teeType)

	if useCache {
		if entry, ok := f.cache.Get(key); ok && time.Now().Before(entry.expiresAt) {
			return entry.collateral, nil
		}
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		c, ttl, err := f.fetchFromPCCS(ctx, pccsURL, fmspc, teeType)
		if err != nil {
			return nil, err
		}
		if useCache {
			f.cache.Add(key, cacheEntry{collateral: c, expiresAt: time.Now().Add(ttl)})
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Collateral), nil
}

const maxCacheTTL = 24 * time.Hour

func (f *Fetcher) fetchFromPCCS(ctx context.Context, pccsURL string, fmspc []byte, teeType uint32) (*Collateral, time.Duration, error) {
	tcbInfo, issuerChain, nextUpdate, err := f.getTCBInfo(ctx, pccsURL, fmspc, teeType)
	if err != nil {
		return nil, 0, err
	}
	qeIdentity, qeIssuerChain, err := f.getQEIdentity(ctx, pccsURL, teeType)
	if err != nil {
		return nil, 0, err
	}
	pckCRL, pckCRLIssuer, err := f.getPCKCRL(ctx, pccsURL)
	if err != nil {
		return nil, 0, err
	}
	rootCACRL, err := f.getRootCACRL(ctx, pccsURL)
	if err != nil {
		return nil, 0, err
	}

	ttl := maxCacheTTL
	if nextUpdate != "" {
		if t, parseErr := time.Parse(time.RFC3339, nextUpdate); parseErr == nil {
			if until := time.Until(t); until > 0 && until < ttl {
				ttl = until
			}
		}
	}

	return &Collateral{
		PCKCRLIssuerChain:  pckCRLIssuer,
		RootCACRL:          rootCACRL,
		PCKCRL:             pckCRL,
		TCBInfoIssuerChain: issuerChain,
		TCBInfo:            tcbInfo,
		QEIdentityIssuer:   qeIssuerChain,
		QEIdentity:         qeIdentity,
	}, ttl, nil
}

// The getters below append PCCS endpoint names to pccsURL, which is the
// full API base (e.g. ".../tdx/certification/v4").

func (f *Fetcher) getTCBInfo(ctx context.Context, pccsURL string, fmspc []byte, teeType uint32) (body, issuerChain, nextUpdate string, err error) {
	u := fmt.Sprintf("%s/tcb?fmspc=%s", strTrimRight(pccsURL), hex.EncodeToString(fmspc))
	resp, issuer, err := f.get(ctx, u)
	if err != nil {
		return "", "", "", err
	}
	var env tcbInfoEnvelope
	if jsonErr := json.Unmarshal([]byte(resp), &env); jsonErr == nil {
		// tcb_info is itself wrapped as {"tcbInfo": {...}, "signature": "..."}
		// by PCCS; extract nextUpdate for TTL purposes only, leaving the
		// full envelope to tcb.go's ParseTCBInfo.
		var wrapper struct {
			TCBInfo json.RawMessage `json:"tcbInfo"`
		}
		if jsonErr := json.Unmarshal([]byte(resp), &wrapper); jsonErr == nil && len(wrapper.TCBInfo) > 0 {
			var inner struct {
				NextUpdate string `json:"nextUpdate"`
			}
			_ = json.Unmarshal(wrapper.TCBInfo, &inner)
			nextUpdate = inner.NextUpdate
		}
	}
	return resp, issuer, nextUpdate, nil
}

func (f *Fetcher) getQEIdentity(ctx context.Context, pccsURL string, teeType uint32) (body, issuerChain string, err error) {
	u := fmt.Sprintf("%s/qe/identity", strTrimRight(pccsURL))
	return f.get(ctx, u)
}

func (f *Fetcher) getPCKCRL(ctx context.Context, pccsURL string) (body, issuerChain string, err error) {
	u := fmt.Sprintf("%s/pckcrl?ca=processor", strTrimRight(pccsURL))
	return f.get(ctx, u)
}

func (f *Fetcher) getRootCACRL(ctx context.Context, pccsURL string) (string, error) {
	u := fmt.Sprintf("%s/rootcacrl", strTrimRight(pccsURL))
	body, _, err := f.get(ctx, u)
	return body, err
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (body, issuerChainHeader string, err error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return "", "", atlserr.Wrap(atlserr.CollateralFetch, err, "invalid PCCS URL %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", atlserr.Wrap(atlserr.CollateralFetch, err, "building PCCS request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", atlserr.Wrap(atlserr.CollateralFetch, err, "calling PCCS at %s", rawURL)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", "", atlserr.Wrap(atlserr.CollateralFetch, err, "reading PCCS response body")
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", atlserr.New(atlserr.CollateralFetch, "PCCS returned %d for %s", resp.StatusCode, rawURL)
	}
	// PCCS issuer chains are URL-encoded in a response header, not the body.
	issuerChainHeader, _ = url.QueryUnescape(resp.Header.Get("SGX-TCB-Info-Issuer-Chain"))
	if issuerChainHeader == "" {
		issuerChainHeader, _ = url.QueryUnescape(resp.Header.Get("SGX-Enclave-Identity-Issuer-Chain"))
	}
	if issuerChainHeader == "" {
		issuerChainHeader, _ = url.QueryUnescape(resp.Header.Get("SGX-PCK-CRL-Issuer-Chain"))
	}
	return string(data), issuerChainHeader, nil
}

func strTrimRight(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
