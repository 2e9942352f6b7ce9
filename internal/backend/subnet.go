package backend

import (
	"net/netip"
	"strconv"
	"strings"

	"mcpforge/pkg/logging"
)

const subnetSubsystem = "SubnetAllocator"

// supernetRotation is the ordered pool of /16s the allocator cycles
// through once 10.100.0.0/16 is fully carved into /24s.
var supernetRotation = []string{
	"10.100.0.0/16",
	"10.101.0.0/16",
	"10.102.0.0/16",
	"10.103.0.0/16",
	"10.104.0.0/16",
}

// AllocateSubnet picks the first unused /24 across supernetRotation that
// does not intersect any prefix in existingCIDRs. override, when non-empty,
// is used instead if it is a valid private, non-overlapping prefix; a
// malformed or overlapping override is logged and ignored, falling back to
// normal allocation. Returns ("", nil) when every pool is exhausted: the
// caller must then create the network without explicit IPAM rather than
// fail.
func AllocateSubnet(existingCIDRs []string, override string) (string, error) {
	existing := parseExisting(existingCIDRs)

	if override != "" {
		if p, err := netip.ParsePrefix(override); err == nil && isPrivate(p) && !overlapsAny(p, existing) {
			return p.String(), nil
		}
		logging.Warn(subnetSubsystem, "MCP_SUBNET override %q is invalid, non-private, or overlapping; falling back to allocation", override)
	}

	for _, supernet := range supernetRotation {
		base, err := netip.ParsePrefix(supernet)
		if err != nil {
			continue // a malformed entry in our own rotation table is a programmer error, not a runtime one
		}
		for i := 0; i < 256; i++ {
			candidate, err := thirdOctetSubnet(base, i)
			if err != nil {
				continue
			}
			if !overlapsAny(candidate, existing) {
				return candidate.String(), nil
			}
		}
	}

	return "", nil
}

// parseExisting parses the runtime's reported subnets into canonical CIDR
// form, rejecting non-private, IPv6, or malformed entries with a warning.
func parseExisting(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			logging.Warn(subnetSubsystem, "ignoring malformed existing subnet %q: %v", raw, err)
			continue
		}
		if !isPrivate(p) {
			logging.Warn(subnetSubsystem, "ignoring non-private existing subnet %q", raw)
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}

func overlapsAny(p netip.Prefix, existing []netip.Prefix) bool {
	for _, e := range existing {
		if p.Overlaps(e) {
			return true
		}
	}
	return false
}

// isPrivate reports whether p falls inside an RFC 1918 private range.
func isPrivate(p netip.Prefix) bool {
	addr := p.Addr()
	if !addr.Is4() {
		return false
	}
	a := addr.As4()
	switch {
	case a[0] == 10:
		return true
	case a[0] == 172 && a[1] >= 16 && a[1] <= 31:
		return true
	case a[0] == 192 && a[1] == 168:
		return true
	default:
		return false
	}
}

// thirdOctetSubnet returns the i-th /24 inside a /16 base prefix
// (0 <= i <= 255); the caller's ascending loop order keeps allocation
// numeric-lowest-first.
func thirdOctetSubnet(base netip.Prefix, i int) (netip.Prefix, error) {
	if base.Bits() != 16 || !base.Addr().Is4() {
		return netip.Prefix{}, errInvalidSupernet
	}
	a := base.Addr().As4()
	a[2] = byte(i)
	a[3] = 0
	addr := netip.AddrFrom4(a)
	return netip.PrefixFrom(addr, 24), nil
}

var errInvalidSupernet = &subnetError{"supernet must be a /16 IPv4 prefix"}

type subnetError struct{ msg string }

func (e *subnetError) Error() string { return e.msg }

// FormatHostPort renders a numeric port as a docker-style "host:container"
// mapping string using an identical host port, the common case for
// single-instance deployments.
func FormatHostPort(port int) string {
	return strconv.Itoa(port) + ":" + strconv.Itoa(port)
}
