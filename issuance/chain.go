package issuance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gregjones/httpcache"

	"github.com/jmcleod/ironca/pki"
)

// ChainSource supplies the CA chain PEM placed in every bundle.
type ChainSource interface {
	Chain(ctx context.Context) ([]byte, error)
}

// StaticChain is a chain known at startup.
type StaticChain []byte

func (c StaticChain) Chain(context.Context) ([]byte, error) {
	if len(c) == 0 {
		return nil, pki.ErrInvalidPEM
	}
	return c, nil
}

// HTTPChainSource fetches the chain from the signing service. Responses go
// through an in-memory HTTP cache and the last good chain is served when
// the service cannot be reached.
type HTTPChainSource struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	maxTries uint

	mu   sync.RWMutex
	last []byte
}

// NewHTTPChainSource returns a source reading GET <baseURL>/api/v1/ca/chain.
func NewHTTPChainSource(baseURL string) (*HTTPChainSource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid signing service URL %q", baseURL)
	}
	return &HTTPChainSource{
		endpoint: u.String() + "/api/v1/ca/chain",
		client:   &http.Client{Transport: httpcache.NewTransport(httpcache.NewMemoryCache())},
		timeout:  10 * time.Second,
		maxTries: 3,
	}, nil
}

func (s *HTTPChainSource) Chain(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	chain, err := backoff.Retry(ctx, func() ([]byte, error) {
		return s.fetch(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		s.mu.RLock()
		last := s.last
		s.mu.RUnlock()
		if last != nil {
			return last, nil
		}
		return nil, fmt.Errorf("fetching CA chain: %w", err)
	}

	s.mu.Lock()
	s.last = chain
	s.mu.Unlock()
	return chain, nil
}

func (s *HTTPChainSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("chain endpoint returned %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	if _, err := pki.ParseCertificatesPEM(data); err != nil {
		return nil, backoff.Permanent(err)
	}
	return data, nil
}
