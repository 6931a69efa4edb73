package ratelimit

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
)

// Rule is an attempt budget for a route prefix
type Rule struct {
	Prefix      string
	MaxAttempts int
	Window      time.Duration
}

// RuleTable resolves requests to rules by longest-prefix match
type RuleTable struct {
	rules     []Rule // sorted by descending prefix length
	sensitive []string
}

// NewRuleTable validates and indexes the configured rules. An empty or
// invalid table is a configuration error.
func NewRuleTable(rules []config.RateLimitRule, sensitiveGetPaths []string) (*RuleTable, error) {
	if len(rules) == 0 {
		return nil, errors.NewConfigurationError("ratelimit", "at least one rule is required")
	}

	seen := make(map[string]bool, len(rules))
	table := &RuleTable{
		rules:     make([]Rule, 0, len(rules)),
		sensitive: append([]string(nil), sensitiveGetPaths...),
	}
	for _, r := range rules {
		switch {
		case !strings.HasPrefix(r.Prefix, "/"):
			return nil, errors.NewConfigurationError("ratelimit", "rule prefix must start with /: "+r.Prefix)
		case r.MaxAttempts <= 0:
			return nil, errors.NewConfigurationError("ratelimit", "max attempts must be positive for "+r.Prefix)
		case r.Window <= 0:
			return nil, errors.NewConfigurationError("ratelimit", "window must be positive for "+r.Prefix)
		case seen[r.Prefix]:
			return nil, errors.NewConfigurationError("ratelimit", "duplicate rule prefix "+r.Prefix)
		}
		seen[r.Prefix] = true
		table.rules = append(table.rules, Rule{Prefix: r.Prefix, MaxAttempts: r.MaxAttempts, Window: r.Window})
	}

	sort.SliceStable(table.rules, func(i, j int) bool {
		return len(table.rules[i].Prefix) > len(table.rules[j].Prefix)
	})
	return table, nil
}

// Resolve returns the rule for a request. Safe methods bypass limiting unless
// the path is a sensitive read endpoint.
func (t *RuleTable) Resolve(method, path string) (Rule, bool) {
	if (method == http.MethodGet || method == http.MethodHead) && !t.sensitiveRead(path) {
		return Rule{}, false
	}
	if method == http.MethodOptions {
		return Rule{}, false
	}

	for _, r := range t.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Rule{}, false
}

func (t *RuleTable) sensitiveRead(path string) bool {
	for _, p := range t.sensitive {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ResolveClientIdentity picks the client identity from the first hop of
// X-Forwarded-For, then X-Real-IP, then the peer address with its port
// stripped. Empty and "unknown" values are skipped.
func ResolveClientIdentity(forwardedFor, realIP, remoteAddr string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := usable(first); ip != "" {
			return ip
		}
	}
	if ip := usable(realIP); ip != "" {
		return ip
	}
	return hostOnly(strings.TrimSpace(remoteAddr))
}

func usable(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "unknown") {
		return ""
	}
	return v
}

func hostOnly(addr string) string {
	if addr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
