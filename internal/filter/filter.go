// Package filter decides whether a client may reach a target host using
// whitelist/blacklist sets for the client IP and the target hostname.
package filter

import (
	"net"
	"sort"
	"strings"
)

// Set is an exact-match string set. Treat it as read-only once built.
type Set map[string]struct{}

// NewSet builds a Set from values, trimming whitespace and skipping blanks.
func NewSet(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}

// Has reports whether v is in the set.
func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Values returns the members in sorted order.
func (s Set) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Rule is the whitelist/blacklist pair for one dimension.
type Rule struct {
	Whitelist Set
	Blacklist Set
}

// Allows applies the precedence rule: a non-empty whitelist admits only its
// members, and whitelist membership always overrides the blacklist.
func (r Rule) Allows(v string) bool {
	if len(r.Whitelist) > 0 && !r.Whitelist.Has(v) {
		return false
	}
	if r.Blacklist.Has(v) && !r.Whitelist.Has(v) {
		return false
	}
	return true
}

// Dimension names the list pair that rejected a request.
type Dimension string

const (
	DimensionIP   Dimension = "ip"
	DimensionHost Dimension = "host"
)

// Verdict is the outcome of Policy.Evaluate. Dimension is empty when Allowed.
type Verdict struct {
	Allowed   bool
	Dimension Dimension
}

// Policy holds the rules for both dimensions.
type Policy struct {
	IP   Rule
	Host Rule
}

// Evaluate checks the client IP first, then the target host. Both must pass.
func (p Policy) Evaluate(clientIP, host string) Verdict {
	if !p.IP.Allows(clientIP) {
		return Verdict{Dimension: DimensionIP}
	}
	if !p.Host.Allows(host) {
		return Verdict{Dimension: DimensionHost}
	}
	return Verdict{Allowed: true}
}

// IsAllowed reports whether a request from clientIP to targetHost passes both
// the IP lists and the hostname lists.
func IsAllowed(clientIP, targetHost string, ipWhitelist, ipBlacklist, urlWhitelist, urlBlacklist Set) bool {
	p := Policy{
		IP:   Rule{Whitelist: ipWhitelist, Blacklist: ipBlacklist},
		Host: Rule{Whitelist: urlWhitelist, Blacklist: urlBlacklist},
	}
	return p.Evaluate(clientIP, targetHost).Allowed
}

// ClientIP extracts the address part of a connection's remote address.
// Values that are not host:port pairs are returned unchanged.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// TargetHost returns the hostname of an absolute request target, lowercased
// and without port or IPv6 brackets.
func TargetHost(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
