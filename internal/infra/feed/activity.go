package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// ErrInvalidAddress is returned for addresses that cannot be watched.
var ErrInvalidAddress = errors.New("invalid address")

var addressPattern = regexp.MustCompile(`^[A-Za-z0-9]{20,128}$`)

// HTTPActivityWatcher polls an explorer endpoint per watched address and
// reports transactions that were not in the previous response.
type HTTPActivityWatcher struct {
	cfg        infra.ActivityConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// NewHTTPActivityWatcher creates a watcher. The limiter is shared by every
// watched address since they all hit the same provider.
func NewHTTPActivityWatcher(cfg infra.ActivityConfig, client *http.Client, logger *slog.Logger) *HTTPActivityWatcher {
	if client == nil {
		client = NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &HTTPActivityWatcher{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With("component", "activity_watcher"),
		now:        time.Now,
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return w
}

// Watch performs one synchronous fetch to validate the address and remember
// its current transactions, then polls in the background.
func (w *HTTPActivityWatcher) Watch(ctx context.Context, address string, fn func(domain.ActivityEvent)) (func(), error) {
	if !addressPattern.MatchString(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	items, err := w.fetch(ctx, address)
	if err != nil {
		return nil, err
	}
	seen := w.hashes(items)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				items, err := w.fetch(ctx, address)
				if err != nil {
					if ctx.Err() == nil {
						w.logger.Warn("Activity poll failed", "address", address, "error", err)
					}
					continue
				}
				seen = w.emitNew(address, items, seen, fn)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// emitNew reports items absent from seen and returns the new seen set.
func (w *HTTPActivityWatcher) emitNew(address string, items []gjson.Result, seen map[string]struct{}, fn func(domain.ActivityEvent)) map[string]struct{} {
	now := w.now()
	for _, it := range items {
		hash := it.Get(w.cfg.HashField).String()
		if hash == "" {
			continue
		}
		if _, ok := seen[hash]; ok {
			continue
		}
		fn(domain.ActivityEvent{
			Address: address,
			Hash:    hash,
			Data:    []byte(it.Raw),
			At:      now,
		})
	}
	return w.hashes(items)
}

func (w *HTTPActivityWatcher) hashes(items []gjson.Result) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if h := it.Get(w.cfg.HashField).String(); h != "" {
			out[h] = struct{}{}
		}
	}
	return out
}

func (w *HTTPActivityWatcher) fetch(ctx context.Context, address string) ([]gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	endpoint := strings.ReplaceAll(w.cfg.URL, "{address}", url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")
	if w.cfg.APIKey != "" {
		header := w.cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, w.cfg.APIKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid json")
	}

	root := gjson.ParseBytes(body)
	if w.cfg.RecordsPath != "" {
		root = root.Get(w.cfg.RecordsPath)
	}
	if !root.IsArray() {
		return nil, errors.New("activity records are not an array")
	}
	return root.Array(), nil
}
