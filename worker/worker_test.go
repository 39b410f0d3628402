package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"httppool/pool"
)

// fixedStrategy pins the keep-alive window so tests do not depend on what the
// test server advertises.
type fixedStrategy struct {
	d time.Duration
}

func (s fixedStrategy) KeepAlive(h http.Header) time.Duration {
	return s.d
}

func newTestWorker(t *testing.T, handler http.HandlerFunc, cfg pool.Config) (*Worker, *httptest.Server, *pool.Manager) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := pool.NewManager(cfg, nil)
	t.Cleanup(m.Shutdown)

	w := &Worker{Pool: m, Strategy: fixedStrategy{d: time.Hour}}
	return w, srv, m
}

func TestWorkerDrainsBodyAndReleases(t *testing.T) {
	body := []byte("hello from the origin")
	w, srv, m := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Write(body)
	}, pool.Config{PerRouteMax: 2, TotalMax: 2})

	res := w.Do(context.Background(), srv.URL)
	if res.Err != nil {
		t.Fatalf("exchange failed: %v", res.Err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("expected 200, got %d", res.Status)
	}
	if res.Bytes != int64(len(body)) {
		t.Errorf("body not fully drained: got %d bytes, want %d", res.Bytes, len(body))
	}
	if res.Reused {
		t.Errorf("first exchange cannot be on a reused connection")
	}
	if res.KeepAlive != time.Hour {
		t.Errorf("unexpected keep-alive %v", res.KeepAlive)
	}

	stats := m.Stats()
	if stats.TotalLeased != 0 || stats.TotalIdle != 1 {
		t.Errorf("connection not parked idle after release: %+v", stats)
	}
}

func TestWorkerReusesConnection(t *testing.T) {
	w, srv, m := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte("ok"))
	}, pool.Config{PerRouteMax: 2, TotalMax: 2})

	first := w.Do(context.Background(), srv.URL)
	if first.Err != nil {
		t.Fatalf("first exchange failed: %v", first.Err)
	}
	second := w.Do(context.Background(), srv.URL)
	if second.Err != nil {
		t.Fatalf("second exchange failed: %v", second.Err)
	}

	if !second.Reused {
		t.Errorf("second exchange should reuse the idle connection")
	}
	if first.ConnID != second.ConnID {
		t.Errorf("expected the same connection, got %s then %s", first.ConnID, second.ConnID)
	}
	if m.Stats().Hits != 1 {
		t.Errorf("expected one idle hit, got %+v", m.Stats())
	}
}

func TestWorkerDiscardsOnServerClose(t *testing.T) {
	w, srv, m := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Connection", "close")
		rw.Write([]byte("bye"))
	}, pool.Config{PerRouteMax: 2, TotalMax: 2})

	first := w.Do(context.Background(), srv.URL)
	if first.Err != nil {
		t.Fatalf("exchange failed: %v", first.Err)
	}

	stats := m.Stats()
	if stats.Discarded != 1 {
		t.Errorf("connection should be discarded on server close: %+v", stats)
	}
	if stats.TotalIdle != 0 {
		t.Errorf("a closing connection must not be parked idle")
	}

	second := w.Do(context.Background(), srv.URL)
	if second.Err != nil {
		t.Fatalf("second exchange failed: %v", second.Err)
	}
	if second.ConnID == first.ConnID {
		t.Errorf("discarded connection must not be reused")
	}
}

func TestWorkerAcquireFailurePropagates(t *testing.T) {
	w, srv, m := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte("ok"))
	}, pool.Config{PerRouteMax: 1, TotalMax: 1, FailFast: true})

	route, err := pool.ParseRoute(srv.URL)
	if err != nil {
		t.Fatalf("parse route failed: %v", err)
	}
	held, err := m.Acquire(context.Background(), route)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer m.Release(held, time.Minute)

	res := w.Do(context.Background(), srv.URL)
	if !errors.Is(res.Err, pool.ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", res.Err)
	}
}

func TestWorkerBadURL(t *testing.T) {
	m := pool.NewManager(pool.Config{}, nil)
	defer m.Shutdown()
	w := &Worker{Pool: m, Strategy: fixedStrategy{d: time.Second}}

	res := w.Do(context.Background(), "ftp://nope.test")
	if res.Err == nil {
		t.Errorf("expected error for unsupported scheme")
	}
	if m.Stats().TotalLeased != 0 {
		t.Errorf("no lease may be held after a failed exchange")
	}
}
