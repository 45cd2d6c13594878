package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"watchflow/internal/github"
)

type fakeFetcher struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeFetcher) FetchContents(ctx context.Context, installationID int64, repo, path string) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

var sampleRules = []byte(`
rules:
  - id: no-weekend-deploys
    conditions:
      - type: blocked_weekdays
        weekdays: [saturday]
`)

func TestProviderCachesWithinTTL(t *testing.T) {
	f := &fakeFetcher{data: sampleRules}
	p := NewProvider(f, time.Minute, zerolog.Nop())

	for i := 0; i < 3; i++ {
		rls, err := p.Get(context.Background(), "acme/widgets", 7)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(rls) != 1 {
			t.Fatalf("got %d rules, want 1", len(rls))
		}
	}
	if f.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1 (cached)", f.calls)
	}
}

func TestProviderExpiresCache(t *testing.T) {
	f := &fakeFetcher{data: sampleRules}
	p := NewProvider(f, time.Minute, zerolog.Nop())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	if _, err := p.Get(context.Background(), "acme/widgets", 7); err != nil {
		t.Fatalf("get: %v", err)
	}
	base = base.Add(2 * time.Minute)
	if _, err := p.Get(context.Background(), "acme/widgets", 7); err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.calls != 2 {
		t.Fatalf("fetch calls = %d, want 2 after TTL expiry", f.calls)
	}
}

func TestProviderNotConfigured(t *testing.T) {
	f := &fakeFetcher{err: github.ErrNotFound}
	p := NewProvider(f, time.Minute, zerolog.Nop())

	_, err := p.Get(context.Background(), "acme/widgets", 7)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}

	// The miss is cached too.
	if _, err := p.Get(context.Background(), "acme/widgets", 7); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want cached ErrNotConfigured, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.calls)
	}
}

func TestProviderPropagatesTransientErrors(t *testing.T) {
	f := &fakeFetcher{err: errors.New("github: status 502")}
	p := NewProvider(f, time.Minute, zerolog.Nop())

	if _, err := p.Get(context.Background(), "acme/widgets", 7); err == nil || errors.Is(err, ErrNotConfigured) {
		t.Fatalf("transient errors must not look like missing config, got %v", err)
	}
}
