package request

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tourplayer/pkg/cache"
	"tourplayer/pkg/config"
	"tourplayer/pkg/db"
	"tourplayer/pkg/tracker"
)

func testConfig() config.RequestConfig {
	return config.RequestConfig{
		Retries: 3,
		Timeout: config.Duration(5 * time.Second),
		Backoff: config.BackoffConfig{
			BaseDelay: config.Duration(10 * time.Millisecond),
			MaxDelay:  config.Duration(50 * time.Millisecond),
		},
	}
}

func newTestCache(t *testing.T) *cache.SQLiteCache {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "client_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return cache.NewSQLiteCache(d)
}

func TestFetch_Sequential(t *testing.T) {
	// Mock Server using simple handler that sleeps to prove sequential execution
	var conc int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&conc, 1)
		defer atomic.AddInt32(&conc, -1)

		if current > 1 {
			t.Errorf("Concurrency detected! Expected sequential.")
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "audio/mpeg")
		if _, err := w.Write([]byte("ok")); err != nil {
			t.Logf("Write failed: %v", err)
		}
	}))
	defer svr.Close()

	client := New(nil, tracker.New(), testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := client.Fetch(context.Background(), svr.URL+"/a"+string(rune('0'+i))+".mp3")
			if err != nil {
				t.Errorf("Fetch failed: %v", err)
				return
			}
			if a.ContentType != "audio/mpeg" {
				t.Errorf("unexpected content type %q", a.ContentType)
			}
		}(i)
	}
	wg.Wait()
}

func TestFetch_Retry(t *testing.T) {
	var attempts int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if _, err := w.Write([]byte("success")); err != nil {
			t.Logf("Write failed: %v", err)
		}
	}))
	defer svr.Close()

	client := New(newTestCache(t), tracker.New(), testConfig())

	a, err := client.Fetch(context.Background(), svr.URL+"/intro.mp3")
	if err != nil {
		t.Fatalf("Expected success after retry, got error: %v", err)
	}
	if string(a.Data) != "success" {
		t.Errorf("Expected 'success', got '%s'", string(a.Data))
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestFetch_CachesAssets(t *testing.T) {
	var hits int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer svr.Close()

	tr := tracker.New()
	client := New(newTestCache(t), tr, testConfig())
	ctx := context.Background()
	u := svr.URL + "/fountain.jpg"

	if client.IsAssetCached(ctx, u) {
		t.Fatal("asset should not be cached before first fetch")
	}
	if _, err := client.Fetch(ctx, u); err != nil {
		t.Fatal(err)
	}
	if !client.IsAssetCached(ctx, u) {
		t.Error("asset should be cached after fetch")
	}
	a, err := client.Fetch(ctx, u)
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Data) != "jpeg" || a.ContentType != "image/jpeg" {
		t.Errorf("unexpected cached asset %+v", a)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("expected 1 network hit, got %d", n)
	}

	host := normalizeProvider(svr.Listener.Addr().String())
	stats := tr.Snapshot()[host]
	if stats.CacheHits != 1 || stats.CacheMisses != 1 || stats.FetchSuccess != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestFetch_ClientError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer svr.Close()

	client := New(nil, tracker.New(), testConfig())
	_, err := client.Fetch(context.Background(), svr.URL+"/missing.mp3")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	host := normalizeProvider(svr.Listener.Addr().String())
	if st := client.backoff.Status(host); st.Failures != 0 {
		t.Errorf("a 404 must not hold the host, got %+v", st)
	}
}

func TestFetch_ServerErrorHoldsHost(t *testing.T) {
	var attempts int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer svr.Close()

	client := New(nil, tracker.New(), testConfig())
	_, err := client.Fetch(context.Background(), svr.URL+"/down.mp3")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	host := normalizeProvider(svr.Listener.Addr().String())
	if st := client.backoff.Status(host); st.Failures != 1 || st.Until.IsZero() {
		t.Errorf("expected host on hold, got %+v", st)
	}
}

func TestFetch_Local(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stop1.mp3")
	if err := os.WriteFile(path, []byte("local-audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	client := New(nil, tracker.New(), testConfig())
	for _, u := range []string{path, "file://" + filepath.ToSlash(path)} {
		a, err := client.Fetch(context.Background(), u)
		if err != nil {
			t.Fatalf("Fetch(%q) failed: %v", u, err)
		}
		if string(a.Data) != "local-audio" {
			t.Errorf("Fetch(%q) = %q", u, a.Data)
		}
		if a.ContentType != "audio/mpeg" {
			t.Errorf("Fetch(%q) content type = %q", u, a.ContentType)
		}
	}

	if _, err := client.Fetch(context.Background(), "ftp://host/file.mp3"); err == nil {
		t.Error("expected unsupported scheme error")
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer svr.Close()
	defer close(block)

	client := New(nil, tracker.New(), testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Fetch(ctx, svr.URL+"/slow.mp3"); err == nil {
		t.Fatal("expected context error")
	}
}
