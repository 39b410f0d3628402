// Package worker implements the request side of the lease contract: one
// acquire, one HTTP exchange, a fully drained body, and a release or discard
// that no exit path can skip.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"httppool/keepalive"
	"httppool/pool"
)

// Result is the outcome of one request issued over a leased connection.
type Result struct {
	URL       string
	Status    int
	Bytes     int64
	ConnID    string
	Reused    bool
	KeepAlive time.Duration
	Elapsed   time.Duration
	Err       error
}

// Worker issues single GET exchanges over pooled connections. Message
// formatting and parsing are delegated to net/http; the worker only manages
// the lease.
type Worker struct {
	Pool     *pool.Manager
	Strategy keepalive.Strategy
}

// Do runs one request/response exchange against rawURL. The leased connection
// is released with the negotiated keep-alive on success and discarded on any
// I/O error or server-requested close, since its state is unknown either way.
func (w *Worker) Do(ctx context.Context, rawURL string) Result {
	start := time.Now()
	res := Result{URL: rawURL}

	u, err := url.Parse(rawURL)
	if err != nil {
		res.Err = fmt.Errorf("failed to parse target url %s: %w", rawURL, err)
		return res
	}
	route, err := pool.RouteOf(u)
	if err != nil {
		res.Err = err
		return res
	}

	cn, err := w.Pool.Acquire(ctx, route)
	if err != nil {
		res.Err = err
		return res
	}
	res.ConnID = cn.ID()
	res.Reused = cn.Uses() > 1

	// The transport is unsafe to reuse unless the exchange below ran to
	// completion, so discard on every path that does not explicitly
	// release.
	settled := false
	defer func() {
		if !settled {
			if derr := w.Pool.Discard(cn); derr != nil {
				log.Warnf("failed to discard connection %s: %v", cn.ID(), derr)
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		res.Err = err
		return res
	}

	if err := req.Write(cn.Transport()); err != nil {
		res.Err = fmt.Errorf("failed to write request on %s: %w", cn.ID(), err)
		return res
	}

	resp, err := http.ReadResponse(cn.Reader(), req)
	if err != nil {
		res.Err = fmt.Errorf("failed to read response on %s: %w", cn.ID(), err)
		return res
	}

	// Drain the body completely; leftover bytes would corrupt the next
	// exchange on this transport.
	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if err != nil {
		res.Err = fmt.Errorf("failed to drain response body on %s: %w", cn.ID(), err)
		return res
	}

	res.Status = resp.StatusCode
	res.Bytes = n
	res.Elapsed = time.Since(start)

	if resp.Close {
		// The server will close this connection; keeping it idle would
		// just park a dead transport.
		settled = true
		if err := w.Pool.Discard(cn); err != nil {
			res.Err = err
		}
		return res
	}

	res.KeepAlive = w.Strategy.KeepAlive(resp.Header)
	settled = true
	if err := w.Pool.Release(cn, res.KeepAlive); err != nil {
		res.Err = err
	}
	return res
}
