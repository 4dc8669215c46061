package host

import (
	"fmt"
	"net/netip"
	"strings"
)

// SourceFilter admits connections whose source address matches one of its
// prefixes. A nil filter admits everything.
type SourceFilter struct {
	prefixes []netip.Prefix
	raw      string
}

// ParseSourceFilter parses a comma-separated list of addresses and CIDR
// ranges, e.g. "192.168.1.0/24, 10.0.0.7, fd00::/8". An empty list yields a
// nil filter.
func ParseSourceFilter(csv string) (*SourceFilter, error) {
	f := &SourceFilter{raw: strings.TrimSpace(csv)}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(f.prefixes) == 0 {
		return nil, nil
	}
	return f, nil
}

func (f *SourceFilter) Allowed(ip string) bool {
	if f == nil {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (f *SourceFilter) String() string {
	if f == nil {
		return "any"
	}
	return f.raw
}
