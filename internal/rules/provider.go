package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchflow/internal/domain"
	"watchflow/internal/github"
)

// ContentsFetcher is the slice of the GitHub client the provider needs.
type ContentsFetcher interface {
	FetchContents(ctx context.Context, installationID int64, repo, path string) ([]byte, error)
}

// Provider fetches and caches per-repository rule sets.
type Provider struct {
	fetcher ContentsFetcher
	logger  zerolog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRules
}

type cachedRules struct {
	rules     []domain.Rule
	missing   bool
	fetchedAt time.Time
}

func NewProvider(fetcher ContentsFetcher, ttl time.Duration, logger zerolog.Logger) *Provider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Provider{
		fetcher: fetcher,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		cache:   map[string]cachedRules{},
	}
}

// Get returns the rule set for a repository. ErrNotConfigured means the
// repository has no rules file; callers skip enforcement in that case.
// Both hits and misses are cached for the TTL so a hot webhook stream does
// not hammer the contents API.
func (p *Provider) Get(ctx context.Context, repo string, installationID int64) ([]domain.Rule, error) {
	key := fmt.Sprintf("%s#%d", repo, installationID)

	p.mu.Lock()
	if c, ok := p.cache[key]; ok && p.now().Sub(c.fetchedAt) < p.ttl {
		p.mu.Unlock()
		if c.missing {
			return nil, ErrNotConfigured
		}
		return c.rules, nil
	}
	p.mu.Unlock()

	data, err := p.fetcher.FetchContents(ctx, installationID, repo, DefaultPath)
	if err != nil {
		if errors.Is(err, github.ErrNotFound) {
			p.store(key, cachedRules{missing: true, fetchedAt: p.now()})
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("rules: fetch %s: %w", repo, err)
	}

	parsed, err := Parse(data)
	if err != nil {
		p.logger.Error().Err(err).Str("repository", repo).Msg("rules file invalid")
		return nil, err
	}
	p.store(key, cachedRules{rules: parsed, fetchedAt: p.now()})
	return parsed, nil
}

func (p *Provider) store(key string, c cachedRules) {
	p.mu.Lock()
	p.cache[key] = c
	p.mu.Unlock()
}
