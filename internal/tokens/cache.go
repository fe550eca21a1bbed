// Package tokens caches time-limited access tokens for stored attachments.
//
// Each entry is keyed by attachment reference and is never served at or
// after its expiry. Entries are also treated as stale once they enter the
// refresh window (RefreshSkew before expiry), so links handed out by the
// cache stay usable for at least that long. Stale or missing entries are
// regenerated lazily on the next read.
//
// Token issuance is network I/O and happens outside the cache lock.
// Concurrent misses for the same reference may both issue; the last result
// to land wins, which is harmless because both tokens are valid.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// DefaultTTL is the lifetime requested for every token.
const DefaultTTL = time.Hour

// ErrTokenExpired is returned when the issuer hands back a token that is
// already expired. Such tokens are never cached or served.
var ErrTokenExpired = errors.New("tokens: issued token already expired")

// Issuer generates a token for one attachment reference.
type Issuer interface {
	GetToken(ctx context.Context, ref string, ttl time.Duration) (domain.AccessToken, error)
}

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "feed_token_cache_requests_total",
		Help: "Token cache lookups by result (hit, miss, error).",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Options tunes a Cache. Zero values select defaults.
type Options struct {
	TTL         time.Duration    // requested token lifetime (default 1h)
	RefreshSkew time.Duration    // treat entries as stale this long before expiry
	Concurrency int              // parallel issuances in ResolveBatch (default 8)
	Now         func() time.Time // clock (default time.Now)
}

// Cache maps attachment references to access tokens. It is safe for
// concurrent use.
type Cache struct {
	issuer      Issuer
	ttl         time.Duration
	skew        time.Duration
	concurrency int
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]domain.AccessToken
}

// NewCache returns an empty cache backed by issuer.
func NewCache(issuer Issuer, opts Options) *Cache {
	c := &Cache{
		issuer:      issuer,
		ttl:         opts.TTL,
		skew:        opts.RefreshSkew,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		entries:     make(map[string]domain.AccessToken),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.skew < 0 || c.skew >= c.ttl {
		c.skew = 0
	}
	if c.concurrency <= 0 {
		c.concurrency = 8
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// fresh reports whether tok can be served now without regeneration.
func (c *Cache) fresh(tok domain.AccessToken, now time.Time) bool {
	return tok.ValidAt(now.Add(c.skew))
}

// Lookup returns the cached token for ref without any network call. It
// reports false when the entry is missing or stale.
func (c *Cache) Lookup(ref string) (domain.AccessToken, bool) {
	now := c.now()
	c.mu.RLock()
	tok, ok := c.entries[ref]
	c.mu.RUnlock()
	if !ok || !c.fresh(tok, now) {
		return domain.AccessToken{}, false
	}
	return tok, true
}

// Resolve returns a token for ref, issuing a new one when the cached entry
// is missing or stale. On failure the entry is left absent.
func (c *Cache) Resolve(ctx context.Context, ref string) (domain.AccessToken, error) {
	if tok, ok := c.Lookup(ref); ok {
		requestsTotal.WithLabelValues("hit").Inc()
		return tok, nil
	}
	requestsTotal.WithLabelValues("miss").Inc()

	tok, err := c.issue(ctx, ref)
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		c.Invalidate(ref)
		return domain.AccessToken{}, err
	}
	c.mu.Lock()
	c.entries[ref] = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *Cache) issue(ctx context.Context, ref string) (domain.AccessToken, error) {
	tok, err := c.issuer.GetToken(ctx, ref, c.ttl)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("issue token for %s: %w", ref, err)
	}
	if !tok.ValidAt(c.now()) {
		return domain.AccessToken{}, fmt.Errorf("%w: %s", ErrTokenExpired, ref)
	}
	return tok, nil
}

// ResolveBatch resolves every reference in refs. Cached entries are served
// as is; the misses are issued concurrently and merged into the cache in a
// single pass. References that fail are left absent and their errors are
// returned joined, alongside the tokens that did resolve.
func (c *Cache) ResolveBatch(ctx context.Context, refs []string) (map[string]domain.AccessToken, error) {
	out := make(map[string]domain.AccessToken, len(refs))
	var missing []string
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref]; dup || ref == "" {
			continue
		}
		seen[ref] = struct{}{}
		if tok, ok := c.Lookup(ref); ok {
			requestsTotal.WithLabelValues("hit").Inc()
			out[ref] = tok
			continue
		}
		requestsTotal.WithLabelValues("miss").Inc()
		missing = append(missing, ref)
	}
	if len(missing) == 0 {
		return out, nil
	}

	issued := make([]domain.AccessToken, len(missing))
	errs := make([]error, len(missing))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, ref := range missing {
		i, ref := i, ref
		g.Go(func() error {
			issued[i], errs[i] = c.issue(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	c.mu.Lock()
	for i, ref := range missing {
		if errs[i] != nil {
			delete(c.entries, ref)
			failed = append(failed, errs[i])
			continue
		}
		c.entries[ref] = issued[i]
		out[ref] = issued[i]
	}
	c.mu.Unlock()

	if len(failed) > 0 {
		requestsTotal.WithLabelValues("error").Add(float64(len(failed)))
	}
	return out, errors.Join(failed...)
}

// Invalidate drops the entry for ref.
func (c *Cache) Invalidate(ref string) {
	c.mu.Lock()
	delete(c.entries, ref)
	c.mu.Unlock()
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
