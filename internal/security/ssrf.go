package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"afo-engine/internal/domain"
)

// reservedRanges are blocked for outbound calls when private targets are
// not allowed.
var reservedRanges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// IsPrivateIP reports whether ip is loopback, private, link-local or
// otherwise reserved.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range reservedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard decides which outbound targets workflows may reach.
type Guard struct {
	blockPrivate bool
	allowed      map[string]bool
	resolver     Resolver
}

// NewGuard returns a guard. Hosts in allowedHosts bypass the private
// address check; they are matched case-insensitively without port.
func NewGuard(blockPrivate bool, allowedHosts []string) *Guard {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = true
		}
	}
	return &Guard{blockPrivate: blockPrivate, allowed: allowed, resolver: net.DefaultResolver}
}

// WithResolver swaps the DNS resolver, mainly for tests.
func (g *Guard) WithResolver(r Resolver) *Guard {
	g.resolver = r
	return g
}

// CheckURL validates scheme and host of rawURL. With private blocking on,
// hostnames are resolved and every address must be public.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.NewDomainError("Guard.CheckURL", domain.ErrSSRFBlocked, fmt.Sprintf("invalid URL: %v", err))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return nil, domain.NewDomainError("Guard.CheckURL", domain.ErrSSRFBlocked, "missing URL scheme, only http/https allowed")
	default:
		return nil, domain.NewDomainError("Guard.CheckURL", domain.ErrSSRFBlocked,
			fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return nil, domain.NewDomainError("Guard.CheckURL", domain.ErrSSRFBlocked, "empty hostname")
	}
	if err := g.checkHost(ctx, host); err != nil {
		return nil, err
	}
	return u, nil
}

func (g *Guard) checkHost(ctx context.Context, host string) error {
	if !g.blockPrivate || g.allowed[strings.ToLower(host)] {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return domain.NewDomainError("Guard.CheckURL", domain.ErrSSRFBlocked,
				fmt.Sprintf("IP %s is private/reserved", ip))
		}
		return nil
	}
	_, err := g.resolvePublic(ctx, host)
	return err
}

// resolvePublic resolves host and fails if any address is reserved.
func (g *Guard) resolvePublic(ctx context.Context, host string) ([]net.IPAddr, error) {
	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, domain.NewDomainError("Guard.Resolve", domain.ErrSSRFBlocked,
			fmt.Sprintf("DNS lookup failed for %s: %v", host, err))
	}
	if len(addrs) == 0 {
		return nil, domain.NewDomainError("Guard.Resolve", domain.ErrSSRFBlocked,
			fmt.Sprintf("no addresses for %s", host))
	}
	for _, a := range addrs {
		if IsPrivateIP(a.IP) {
			return nil, domain.NewDomainError("Guard.Resolve", domain.ErrSSRFBlocked,
				fmt.Sprintf("host %s resolves to private IP %s", host, a.IP))
		}
	}
	return addrs, nil
}

// DialContextFunc matches http.Transport.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// WrapDial enforces the guard at connect time, so a DNS answer that changes
// after CheckURL cannot redirect the connection. The connection goes to the
// first validated address without a second lookup.
func (g *Guard) WrapDial(dial DialContextFunc) DialContextFunc {
	if !g.blockPrivate {
		return dial
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		if g.allowed[strings.ToLower(host)] {
			return dial(ctx, network, addr)
		}
		if ip := net.ParseIP(host); ip != nil {
			if IsPrivateIP(ip) {
				return nil, domain.NewDomainError("Guard.Dial", domain.ErrSSRFBlocked,
					fmt.Sprintf("IP %s is private/reserved", ip))
			}
			return dial(ctx, network, addr)
		}
		addrs, err := g.resolvePublic(ctx, host)
		if err != nil {
			return nil, err
		}
		return dial(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
	}
}
