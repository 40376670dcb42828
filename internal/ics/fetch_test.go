package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetcher_ConditionalGetAndFallback(t *testing.T) {
	t.Parallel()

	var (
		calls   atomic.Int32
		failing atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), 5*time.Second)
	feed := Feed{ID: "airbnb", URL: srv.URL + "/calendar.ics?token=secret"}
	ctx := context.Background()

	first, err := f.Fetch(ctx, feed)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || string(first.Body) != sampleFeed {
		t.Fatalf("unexpected first result: cache=%v body=%q", first.FromCache, first.Body)
	}

	second, err := f.Fetch(ctx, feed)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache || second.Status != http.StatusNotModified || string(second.Body) != sampleFeed {
		t.Fatalf("expected 304 served from cache, got %+v", second)
	}

	failing.Store(true)
	third, err := f.Fetch(ctx, feed)
	if err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if !third.FromCache || third.Status != http.StatusBadGateway {
		t.Fatalf("expected cached fallback on 502, got %+v", third)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", calls.Load())
	}
}

func TestFetcher_ErrorWithoutCache(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), time.Second)
	if _, err := f.Fetch(context.Background(), Feed{ID: "x", URL: srv.URL}); err == nil {
		t.Fatal("expected an error for 404 with no cache")
	}
	if _, err := f.Fetch(context.Background(), Feed{ID: "x"}); err == nil {
		t.Fatal("expected an error for an empty URL")
	}
}

func TestFetcher_OversizeBodyIsAnError(t *testing.T) {
	t.Parallel()

	var big atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if big.Load() {
			_, _ = w.Write([]byte(strings.Repeat("X", 2048)))
			return
		}
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), 5*time.Second)
	f.maxBytes = int64(len(sampleFeed))
	feed := Feed{ID: "airbnb", URL: srv.URL}
	ctx := context.Background()

	// Exactly at the limit is fine.
	if _, err := f.Fetch(ctx, feed); err != nil {
		t.Fatalf("fetch at limit: %v", err)
	}

	big.Store(true)
	res, err := f.Fetch(ctx, feed)
	if !errors.Is(err, ErrFeedTooLarge) {
		t.Fatalf("oversize fetch = %+v, %v; want ErrFeedTooLarge", res, err)
	}

	// The cached body is still the last complete feed.
	body, err := os.ReadFile(filepath.Join(f.cachePathForURL(feed.URL), "body.ics"))
	if err != nil || string(body) != sampleFeed {
		t.Fatalf("cache overwritten by oversize body: %q, %v", body, err)
	}
}

func TestSaveCache_ConcurrentWritersNeverTear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bodies := []string{strings.Repeat("a", 64<<10), strings.Repeat("b", 64<<10)}
	if err := saveCache(dir, cacheEntry{URL: "u"}, []byte(bodies[0])); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := saveCache(dir, cacheEntry{URL: "u"}, []byte(bodies[i%2])); err != nil {
				t.Errorf("saveCache(): %v", err)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		data, err := os.ReadFile(filepath.Join(dir, "body.ics"))
		if err != nil {
			t.Fatalf("read during writes: %v", err)
		}
		if s := string(data); s != bodies[0] && s != bodies[1] {
			t.Fatalf("read a torn body of %d bytes", len(data))
		}
	}
	wg.Wait()

	if _, err := loadCacheMeta(dir); err != nil {
		t.Fatalf("meta unreadable after concurrent writes: %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://www.airbnb.com/calendar/ical/123.ics?s=secret": "https://www.airbnb.com/...(redacted)",
		"not a url":  "ics://...(redacted)",
		"":           "ics://...(redacted)",
	}
	for in, want := range tests {
		if got := RedactURL(in); got != want {
			t.Fatalf("RedactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
