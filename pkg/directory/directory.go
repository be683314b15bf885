package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nyxtor/tor-core/pkg/errors"
	"github.com/nyxtor/tor-core/pkg/logger"
	"github.com/nyxtor/tor-core/pkg/resources"
	"github.com/nyxtor/tor-core/pkg/storage"
)

// DefaultAuthorities are the hardcoded directory authority addresses used
// when no other bootstrap source is configured.
var DefaultAuthorities = []string{
	"https://194.109.206.212",  // gabelmoo
	"https://131.188.40.189",   // moria1
	"https://128.31.0.34:9131", // tor26
}

// Client fetches and verifies network consensus documents.
type Client struct {
	httpClient  *http.Client
	logger      *logger.Logger
	authorities []string
	store       storage.Store
}

// NewClient creates a directory client. store may be nil, in which case
// the fetched consensus is not persisted and Bootstrap has no fallback.
func NewClient(log *logger.Logger, store storage.Store) *Client {
	if log == nil {
		log = logger.NewDefault()
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      log.Component("directory"),
		authorities: DefaultAuthorities,
		store:       store,
	}

	if fallback, err := resources.GetFallbackAuthorities(); err != nil {
		c.logger.Debug("no embedded fallback authorities available", "error", err)
	} else {
		c.authorities = appendNewAuthorities(c.authorities, fallback)
	}

	return c
}

// appendNewAuthorities extends base with any entry in extra not already present.
func appendNewAuthorities(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, a := range base {
		seen[a] = true
	}
	for _, a := range extra {
		if !seen[a] {
			base = append(base, a)
			seen[a] = true
		}
	}
	return base
}

// Bootstrap returns a verified consensus, fetching and verifying a fresh
// one from the configured authorities. If all authorities are unreachable,
// it falls back to the last verified consensus persisted in store, surfaced
// with its Freshness so the caller can decide whether to proceed.
func (c *Client) Bootstrap(ctx context.Context) (*Consensus, error) {
	consensus, err := c.FetchConsensus(ctx)
	if err == nil {
		return consensus, nil
	}
	c.logger.Warn("consensus fetch failed, trying persisted fallback", "error", err)

	if c.store == nil {
		return nil, err
	}
	cached, loadErr := c.loadCached(ctx)
	if loadErr != nil {
		return nil, fmt.Errorf("fetch failed (%v) and no usable cached consensus (%v)", err, loadErr)
	}
	if cached.Freshness(time.Now()) == Expired {
		return nil, fmt.Errorf("fetch failed (%v) and cached consensus has expired", err)
	}
	return cached, nil
}

// FetchConsensus fetches, parses and cryptographically verifies the
// network consensus from the configured directory authorities, persisting
// it to store on success.
func (c *Client) FetchConsensus(ctx context.Context) (*Consensus, error) {
	c.logger.Info("fetching network consensus")

	var lastErr error
	for _, authority := range c.authorities {
		consensus, err := c.fetchAndVerify(ctx, authority)
		if err != nil {
			c.logger.Warn("authority fetch failed", "authority", authority, "error", err)
			lastErr = err
			continue
		}
		c.logger.Info("verified consensus", "relays", len(consensus.Relays), "authority", authority)

		if c.store != nil {
			if err := c.persist(ctx, consensus); err != nil {
				c.logger.Warn("failed to persist consensus", "error", err)
			}
		}
		return consensus, nil
	}

	return nil, errors.WrapRetryable(errors.CategoryDirectory, errors.SeverityMedium,
		"failed to fetch verified consensus from any authority", lastErr)
}

func (c *Client) fetchAndVerify(ctx context.Context, authority string) (*Consensus, error) {
	text, err := c.fetchText(ctx, authority, "/tor/status-vote/current/consensus")
	if err != nil {
		return nil, err
	}

	consensus, err := parseConsensus(text)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryDirectory, errors.SeverityHigh, "parse consensus", err)
	}

	if err := validateFreshness(consensus, time.Now()); err != nil {
		return nil, errors.Wrap(errors.CategoryDirectory, errors.SeverityHigh, "consensus freshness check failed", err)
	}

	certs, err := c.fetchKeyCerts(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryDirectory, errors.SeverityHigh, "fetch authority key certs", err)
	}
	if err := verifySignatures(text, certs); err != nil {
		return nil, errors.Wrap(errors.CategoryDirectory, errors.SeverityCritical, "consensus signature verification failed", err)
	}

	return consensus, nil
}

func (c *Client) fetchText(ctx context.Context, authorityURL, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorityURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: HTTP %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(body), nil
}

func (c *Client) persist(ctx context.Context, consensus *Consensus) error {
	data, err := encodeConsensus(consensus)
	if err != nil {
		return fmt.Errorf("encode consensus: %w", err)
	}
	return c.store.Put(ctx, storage.KeyConsensus, data)
}

func (c *Client) loadCached(ctx context.Context) (*Consensus, error) {
	data, err := c.store.Get(ctx, storage.KeyConsensus)
	if err != nil {
		return nil, err
	}
	return decodeConsensus(data)
}
