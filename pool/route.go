package pool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Route identifies a pooling partition. Connections to the same
// scheme://host:port are interchangeable; everything else is not.
type Route struct {
	Scheme string
	Host   string
	Port   int
}

// ParseRoute derives the pooling partition from a request URL. The port is
// implied by the scheme when the URL does not carry one.
func ParseRoute(rawURL string) (Route, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Route{}, fmt.Errorf("failed to parse target url %s: %w", rawURL, err)
	}
	return RouteOf(u)
}

func RouteOf(u *url.URL) (Route, error) {
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https":
	default:
		return Route{}, fmt.Errorf("unsupported scheme %q in url %s", u.Scheme, u)
	}

	host := u.Hostname()
	if host == "" {
		return Route{}, fmt.Errorf("url %s has no host", u)
	}

	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Route{}, fmt.Errorf("invalid port %q in url %s", p, u)
		}
		port = n
	}

	return Route{Scheme: scheme, Host: host, Port: port}, nil
}

// Key returns the map key used to partition the pool.
func (r Route) Key() string {
	return r.Scheme + "://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Addr returns the host:port dial target.
func (r Route) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Route) String() string {
	return r.Key()
}
