package rewrite

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Mount pairs a local root path on the gateway with the remote base URL it
// is served from.
type Mount struct {
	LocalRoot  string
	RemoteBase string
}

// Origin joins a scheme and a host (with optional port) into an origin.
func Origin(scheme, host string) string {
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

// RequestOrigin returns the origin the request reached the gateway on,
// honouring X-Forwarded-Proto and X-Forwarded-Host set by a fronting proxy.
func RequestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := firstValue(r.Header.Get("X-Forwarded-Proto")); p != "" {
		scheme = p
	}

	host := r.Host
	if h := firstValue(r.Header.Get("X-Forwarded-Host")); h != "" {
		host = h
	}
	return Origin(scheme, host)
}

func firstValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// BuildRuleSet creates the outbound (local to remote) rules for a gateway
// origin. Both sides are normalised to end with a slash, so a root never
// matches a longer sibling path.
func BuildRuleSet(origin string, mounts []Mount) (*RuleSet, error) {
	origin = strings.TrimSuffix(origin, "/")
	rules := make([]Rule, 0, len(mounts))
	for _, m := range mounts {
		if m.RemoteBase == "" {
			return nil, fmt.Errorf("mount %q: empty remote base", m.LocalRoot)
		}
		local := origin + withSlash(ensureLeadingSlash(m.LocalRoot))
		rules = append(rules, NewRule(local, withSlash(m.RemoteBase)))
	}
	return NewRuleSet(rules...)
}

// BuildInboundRuleSet creates the inbound (remote to local) rules for a
// gateway origin. Longer remote bases come first, so a base nested below
// another one maps back to its own mount.
func BuildInboundRuleSet(origin string, mounts []Mount) (*RuleSet, error) {
	out, err := BuildRuleSet(origin, mounts)
	if err != nil {
		return nil, err
	}
	rules := out.Rules()
	for i, r := range rules {
		rules[i] = r.Reverse()
	}
	slices.SortStableFunc(rules, func(a, b Rule) int {
		return len(b.from) - len(a.from)
	})
	return NewRuleSet(rules...)
}

// CanonicalOrigin lower-cases an origin and strips a trailing slash.
func CanonicalOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func withSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
