// Package keepalive computes how long a persistent connection may sit idle
// before the server is expected to close it, from the connection-control
// metadata of a completed response.
package keepalive

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderName is the response header carrying the server's keep-alive hints,
// a comma-separated list of name[=value] elements.
const HeaderName = "Keep-Alive"

// DefaultDuration is deliberately short: a server that announced no timeout
// gave no guarantee at all. Production deployments should configure their own.
const DefaultDuration = 1 * time.Second

// Strategy yields the advisory idle window for a connection after a response.
// The pool treats the result as an upper bound; the reaper may still evict
// earlier.
type Strategy interface {
	KeepAlive(h http.Header) time.Duration
}

// Negotiator scans Keep-Alive header elements for a timeout parameter.
type Negotiator struct {
	// Default is returned when no usable timeout element is present.
	// Zero means DefaultDuration.
	Default time.Duration
}

func (n Negotiator) KeepAlive(h http.Header) time.Duration {
	for _, value := range h.Values(HeaderName) {
		for _, elem := range strings.Split(value, ",") {
			name, val, ok := strings.Cut(elem, "=")
			if !ok {
				continue
			}
			if !strings.EqualFold(strings.TrimSpace(name), "timeout") {
				continue
			}
			secs, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil || secs < 0 {
				// Unparsable element; keep scanning rather than
				// failing the whole response.
				continue
			}
			return time.Duration(secs) * time.Second
		}
	}
	if n.Default > 0 {
		return n.Default
	}
	return DefaultDuration
}
