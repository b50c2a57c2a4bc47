package ingest

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// cgnat is the carrier-grade NAT range (RFC 6598). netip's IsPrivate
// covers RFC1918 and ULA but not this one.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// validateTarget rejects URLs that could reach internal infrastructure.
// Every redirect hop is validated again with the same rules.
func (f *Fetcher) validateTarget(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if blockedHostname(host) {
		return fmt.Errorf("%w: host %q", ErrPrivateAddress, host)
	}

	// Literal IP: no DNS involved.
	if addr, err := netip.ParseAddr(host); err == nil {
		if restrictedAddr(addr) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
		}
		return nil
	}

	addrs, err := f.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolving %q: %v", ErrInvalidURL, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %q did not resolve", ErrInvalidURL, host)
	}
	// All resolved addresses must be public; a single private A record is
	// enough to reject the host.
	for _, addr := range addrs {
		if restrictedAddr(addr) {
			return fmt.Errorf("%w: %q resolves to %s", ErrPrivateAddress, host, addr)
		}
	}
	return nil
}

func blockedHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == "localhost" || strings.HasSuffix(h, ".localhost") || strings.HasSuffix(h, ".local")
}

// restrictedAddr reports whether addr falls in a range that must never be
// fetched: loopback, RFC1918, link-local, ULA, CGNAT, unspecified, and
// multicast. v4-mapped v6 addresses are unmapped first so ::ffff:10.0.0.1
// is judged as 10.0.0.1.
func restrictedAddr(addr netip.Addr) bool {
	a := addr.Unmap()
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsUnspecified() ||
		a.IsMulticast() ||
		cgnat.Contains(a)
}
