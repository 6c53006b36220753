package delivery

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/xraph/conduit/fault"
)

// SSRFPolicy validates target URLs before any connection is made.
type SSRFPolicy struct {
	// EnforceHTTPS rejects non-HTTPS schemes.
	EnforceHTTPS bool

	// BlockPrivateNetworks rejects URLs resolving to private, loopback,
	// link-local, unique-local, unspecified addresses, and the hostname
	// "localhost".
	BlockPrivateNetworks bool

	// Resolver is the DNS resolver; nil uses net.DefaultResolver.
	Resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}
}

// Check validates a target URL against the policy. A violation is an
// SSRF-category error; the delivery fails terminally with no DLQ entry.
func (p SSRFPolicy) Check(ctx context.Context, rawURL string) *fault.Error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fault.New(fault.CategoryValidation, "bad_url", "invalid target URL: %v", err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if p.EnforceHTTPS {
			return fault.New(fault.CategorySSRF, "https_required", "plain HTTP target %q rejected", u.Host)
		}
	default:
		return fault.New(fault.CategoryValidation, "bad_scheme", "unsupported URL scheme %q", u.Scheme)
	}

	if !p.BlockPrivateNetworks {
		return nil
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fault.New(fault.CategorySSRF, "localhost", "target host %q rejected", host)
	}

	// Literal IP targets are checked without resolution.
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fault.New(fault.CategorySSRF, "private_ip", "target IP %s is not routable externally", ip)
		}
		return nil
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fault.Wrap(fault.CategoryNetwork, "dns", err)
	}
	for _, addr := range addrs {
		if blockedIP(addr.IP) {
			return fault.New(fault.CategorySSRF, "private_ip",
				"target host %q resolves to non-routable address %s", host, addr.IP)
		}
	}

	return nil
}

// blockedIP reports whether an address falls in a range the SSRF policy
// rejects: private (10/8, 172.16/12, 192.168/16), loopback, link-local,
// unique-local, and the zero address.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		isUniqueLocal(ip)
}

// isUniqueLocal reports whether ip is in fc00::/7.
func isUniqueLocal(ip net.IP) bool {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return false
	}
	return v6[0]&0xfe == 0xfc
}
