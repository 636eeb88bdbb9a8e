package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// DefaultProbeTimeout bounds each TCP probe.
const DefaultProbeTimeout = 2 * time.Second

// Prober checks that the backend is listening before a handshake is
// attempted. The first address that accepts a TCP connection wins.
type Prober struct {
	Addresses []string
	Timeout   time.Duration
	// Dial overrides the TCP dial, mainly for tests.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe dials each address in order. It returns nil on the first success and
// an error wrapping ErrNotReady when none accept. A Prober with no addresses
// always succeeds.
func (p *Prober) Probe(ctx context.Context) error {
	if len(p.Addresses) == 0 {
		return nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	var errs []error
	for _, addr := range p.Addresses {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dial(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrNotReady, errors.Join(errs...))
}

// ProbeAddresses derives the probe list for endpoint. Loopback hosts expand to
// the IPv4, IPv6 and hostname forms on the same port, since the backend may
// bind to only one of them. Schemes without a network address yield nil.
func ProbeAddresses(endpoint string) ([]string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	var defaultPort string
	switch u.Scheme {
	case "ws", "http":
		defaultPort = "80"
	case "wss", "https":
		defaultPort = "443"
	default:
		return nil, nil
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	if isLoopback(host) {
		return []string{
			net.JoinHostPort("127.0.0.1", port),
			net.JoinHostPort("::1", port),
			net.JoinHostPort("localhost", port),
		}, nil
	}
	return []string{net.JoinHostPort(host, port)}, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
