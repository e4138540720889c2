// Package feed implements the HTTP fetch contract of the external market-data providers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"

	"golang.org/x/time/rate"
)

// maxBodyBytes caps provider responses.
const maxBodyBytes = 16 << 20

// HTTPSource fetches one category over HTTP and parses the JSON envelope.
type HTTPSource struct {
	category   domain.Category
	cfg        infra.FeedConfig
	parser     *Parser
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewHTTPSource creates a source from feed configuration.
// The timeout is applied per request through the context, so a shared client is fine.
func NewHTTPSource(cat domain.Category, cfg infra.FeedConfig, client *http.Client) *HTTPSource {
	if client == nil {
		client = NewHTTPClient()
	}
	s := &HTTPSource{
		category:   cat,
		cfg:        cfg,
		parser:     NewParser(cat, cfg.RecordsPath, cfg.Fields),
		httpClient: client,
		now:        time.Now,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s
}

// NewHTTPClient returns a client with a pooled transport shared by all sources.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

// Category implements domain.FeedSource.
func (s *HTTPSource) Category() domain.Category {
	return s.category
}

// Fetch performs one bounded request and returns parsed records.
func (s *HTTPSource) Fetch(ctx context.Context) ([]domain.FeedRecord, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = infra.DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, s.fetchErr(fmt.Errorf("rate limit: %w", err))
		}
	}

	// Stamp with request start: a later request always carries a newer stamp
	// even if it completes first.
	startedAt := s.now()

	body, err := s.do(ctx)
	if err != nil {
		return nil, s.fetchErr(err)
	}

	return s.parser.Parse(body, startedAt)
}

func (s *HTTPSource) do(ctx context.Context) ([]byte, error) {
	method := strings.ToUpper(s.cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if method == http.MethodPost && s.cfg.Body != "" {
		reqBody = strings.NewReader(s.cfg.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	// The key is passed through verbatim; provider auth schemes are opaque here.
	if s.cfg.APIKey != "" {
		header := s.cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func (s *HTTPSource) fetchErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timeout: %w", err)
	}
	return &domain.FeedFetchError{Category: s.category, Err: err}
}
