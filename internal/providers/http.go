// Package providers implements live HTTP-backed intelligence sources for
// the evaluation pipeline's capability interfaces
// (evalctx.AddressReputationProvider, evalctx.ContractAnalysisProvider).
// Grounded on internal/security/endpoint.go's SSRF-safe URL validation and
// internal/circuitbreaker's per-key breaker, generalized here from
// per-agent-endpoint keys to one key per provider base URL.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/wardex/internal/circuitbreaker"
	"github.com/mbd888/wardex/internal/evalctx"
	"github.com/mbd888/wardex/internal/retry"
	"github.com/mbd888/wardex/internal/security"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultRetryAttempts = 2
	defaultRetryBaseWait = 100 * time.Millisecond
	breakerThreshold     = 5
	breakerOpenDuration  = 30 * time.Second
)

// HTTPReputationProvider implements evalctx.AddressReputationProvider
// against a single JSON intelligence API. baseURL is validated once at
// construction time to guard against SSRF via operator misconfiguration.
type HTTPReputationProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPReputationProvider validates baseURL and returns a provider
// backed by it. apiKey, if non-empty, is sent as a Bearer token.
func NewHTTPReputationProvider(baseURL, apiKey string) (*HTTPReputationProvider, error) {
	if err := security.ValidateEndpointURL(baseURL); err != nil {
		return nil, fmt.Errorf("providers: reputation endpoint: %w", err)
	}
	return &HTTPReputationProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenDuration),
	}, nil
}

func (p *HTTPReputationProvider) GetReputation(ctx context.Context, chainID int64, address string) (*evalctx.AddressReputation, error) {
	if !p.breaker.Allow(p.baseURL) {
		return nil, fmt.Errorf("providers: reputation endpoint circuit open")
	}

	var rep evalctx.AddressReputation
	url := fmt.Sprintf("%s/v1/reputation/%d/%s", p.baseURL, chainID, address)
	err := retry.Do(ctx, defaultRetryAttempts, defaultRetryBaseWait, func() error {
		return p.getJSON(ctx, url, &rep)
	})
	if err != nil {
		p.breaker.RecordFailure(p.baseURL)
		return nil, fmt.Errorf("providers: get reputation: %w", err)
	}
	p.breaker.RecordSuccess(p.baseURL)
	return &rep, nil
}

// BatchReputation falls back to sequential GetReputation calls; the
// upstream intelligence API used by this provider has no bulk endpoint.
func (p *HTTPReputationProvider) BatchReputation(ctx context.Context, chainID int64, addresses []string) (map[string]*evalctx.AddressReputation, error) {
	out := make(map[string]*evalctx.AddressReputation, len(addresses))
	for _, addr := range addresses {
		rep, err := p.GetReputation(ctx, chainID, addr)
		if err != nil {
			continue
		}
		out[addr] = rep
	}
	return out, nil
}

// HTTPContractAnalysisProvider implements evalctx.ContractAnalysisProvider
// against a single JSON bytecode/verification analysis API.
type HTTPContractAnalysisProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewHTTPContractAnalysisProvider(baseURL, apiKey string) (*HTTPContractAnalysisProvider, error) {
	if err := security.ValidateEndpointURL(baseURL); err != nil {
		return nil, fmt.Errorf("providers: contract analysis endpoint: %w", err)
	}
	return &HTTPContractAnalysisProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenDuration),
	}, nil
}

func (p *HTTPContractAnalysisProvider) AnalyzeContract(ctx context.Context, chainID int64, address string) (*evalctx.ContractAnalysis, error) {
	if !p.breaker.Allow(p.baseURL) {
		return nil, fmt.Errorf("providers: contract analysis endpoint circuit open")
	}

	var analysis evalctx.ContractAnalysis
	url := fmt.Sprintf("%s/v1/contracts/%d/%s", p.baseURL, chainID, address)
	err := retry.Do(ctx, defaultRetryAttempts, defaultRetryBaseWait, func() error {
		return p.getJSON(ctx, url, &analysis)
	})
	if err != nil {
		p.breaker.RecordFailure(p.baseURL)
		return nil, fmt.Errorf("providers: analyze contract: %w", err)
	}
	p.breaker.RecordSuccess(p.baseURL)
	return &analysis, nil
}

func (p *HTTPReputationProvider) getJSON(ctx context.Context, url string, v any) error {
	return doGetJSON(ctx, p.client, url, p.apiKey, v)
}

func (p *HTTPContractAnalysisProvider) getJSON(ctx context.Context, url string, v any) error {
	return doGetJSON(ctx, p.client, url, p.apiKey, v)
}

func doGetJSON(ctx context.Context, client *http.Client, url, apiKey string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return retry.Permanent(fmt.Errorf("not found"))
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("client error: %s", strconv.Itoa(resp.StatusCode)))
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}
