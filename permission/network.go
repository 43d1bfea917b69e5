package permission

import (
	"fmt"
	"net/url"
	"strings"
)

// CheckNetwork reports whether the plugin may issue an outbound request to
// rawURL. A pattern matches when its scheme matches exactly, its hostname
// matches exactly or via wildcard, its port (when given) matches, and the
// requested path starts with the pattern's path prefix.
func (s *Set) CheckNetwork(rawURL string) Decision {
	if s == nil || s.Network == nil || len(s.Network.Outbound) == 0 {
		return deny("no network access granted")
	}

	req, err := url.Parse(rawURL)
	if err != nil || req.Scheme == "" || req.Hostname() == "" {
		return deny(fmt.Sprintf("request URL %q does not parse", rawURL))
	}

	for _, pattern := range s.Network.Outbound {
		if matchOutbound(pattern, req) {
			return allow()
		}
	}
	return deny(fmt.Sprintf("URL %s matches no outbound grant", rawURL))
}

// CheckInbound reports whether the plugin may listen on the given port and
// interface.
func (s *Set) CheckInbound(port int, iface string) Decision {
	if s == nil || s.Network == nil || s.Network.Inbound == nil {
		return deny("no inbound network access granted")
	}
	in := s.Network.Inbound
	if in.Port != port {
		return deny(fmt.Sprintf("port %d not granted (granted %d)", port, in.Port))
	}
	if in.Interface != "" && iface != "" && in.Interface != iface {
		return deny(fmt.Sprintf("interface %q not granted (granted %q)", iface, in.Interface))
	}
	return allow()
}

func matchOutbound(pattern string, req *url.URL) bool {
	scheme, host, port, pathPrefix, ok := splitPattern(pattern)
	if !ok {
		return false
	}
	if scheme != req.Scheme {
		return false
	}
	if !matchHostname(host, req.Hostname()) {
		return false
	}
	if port != "" && port != requestPort(req) {
		return false
	}
	reqPath := req.Path
	if reqPath == "" {
		reqPath = "/"
	}
	return strings.HasPrefix(reqPath, pathPrefix)
}

// splitPattern breaks a grant pattern like "https://*.example.com:8443/v1/*"
// into its parts. The path prefix defaults to "/" (matches everything); a
// trailing "*" or "/*" is stripped to form the prefix.
func splitPattern(pattern string) (scheme, host, port, pathPrefix string, ok bool) {
	i := strings.Index(pattern, "://")
	if i <= 0 {
		return "", "", "", "", false
	}
	scheme = pattern[:i]
	rest := pattern[i+3:]
	if rest == "" {
		return "", "", "", "", false
	}

	pathPrefix = "/"
	if j := strings.Index(rest, "/"); j >= 0 {
		pathPrefix = rest[j:]
		rest = rest[:j]
	}
	pathPrefix = strings.TrimSuffix(pathPrefix, "*")
	if pathPrefix == "" {
		pathPrefix = "/"
	}

	host = rest
	if j := strings.LastIndex(rest, ":"); j >= 0 {
		host, port = rest[:j], rest[j+1:]
	}
	if host == "" {
		return "", "", "", "", false
	}
	return scheme, strings.ToLower(host), port, pathPrefix, true
}

// matchHostname implements exact, "*." subdomain wildcard, and bare "*"
// matching. A "*.example.com" grant matches any hostname ending in
// ".example.com" but never a hostname that merely contains "example.com".
func matchHostname(grant, host string) bool {
	host = strings.ToLower(host)
	if grant == "*" {
		return true
	}
	if suffix, wild := strings.CutPrefix(grant, "*."); wild {
		return strings.HasSuffix(host, "."+suffix)
	}
	return grant == host
}

func requestPort(req *url.URL) string {
	if p := req.Port(); p != "" {
		return p
	}
	switch req.Scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
