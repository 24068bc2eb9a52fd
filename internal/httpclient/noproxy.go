package httpclient

import (
	"net"
	"strconv"
	"strings"
)

// noProxyMatch reproduces curl/CPython's no_proxy matching rules
// (spec.md §4.2): "*" disables all proxying; entries are comma-separated
// and trimmed; bracketed IPv6 literals match against IPv6 networks with
// optional prefix length, dotted-quad hosts match IPv4 networks, anything
// else matches as a hostname (case-insensitive, trailing dots ignored on
// both sides, a leading "." behaves like the bare entry, and a match is
// either exact or a suffix match on a "." boundary).
func noProxyMatch(noProxy string, host string) bool {
	noProxy = strings.TrimSpace(noProxy)
	if noProxy == "*" {
		return true
	}
	if noProxy == "" {
		return false
	}

	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if matchesEntry(entry, host) {
			return true
		}
	}
	return false
}

func matchesEntry(entry, host string) bool {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return matchIPv6Entry(entry, strings.Trim(host, "[]"))
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return matchIPv4Entry(entry, ip)
	}
	return matchHostnameEntry(entry, host)
}

func matchIPv6Entry(entry, host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	network := entry
	if !strings.Contains(network, "/") {
		network += "/128"
	}
	_, cidr, err := net.ParseCIDR(network)
	if err != nil {
		return false
	}
	return cidr.Contains(ip)
}

func matchIPv4Entry(entry string, ip net.IP) bool {
	network := entry
	if !strings.Contains(network, "/") {
		network += "/32"
	}
	_, cidr, err := net.ParseCIDR(network)
	if err != nil {
		if entryIP := net.ParseIP(entry); entryIP != nil {
			return entryIP.Equal(ip)
		}
		return false
	}
	return cidr.Contains(ip)
}

func matchHostnameEntry(entry, host string) bool {
	entry = strings.ToLower(strings.TrimSuffix(entry, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	entry = strings.TrimPrefix(entry, ".")
	if entry == "" {
		return false
	}
	if host == entry {
		return true
	}
	return strings.HasSuffix(host, "."+entry)
}

// splitHostPort extracts the bare host from a "host:port" pair, tolerating
// a missing port (returns host unchanged) and bracketed IPv6 literals.
func splitHostPort(hostport string) string {
	if strings.HasPrefix(hostport, "[") {
		if idx := strings.Index(hostport, "]"); idx != -1 {
			return hostport[:idx+1]
		}
		return hostport
	}
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func formatHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
