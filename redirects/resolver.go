package redirects

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/liamcoop/redirects/internal/logger"
)

// Redirect is a resolved redirect target
type Redirect struct {
	Location   string
	StatusCode int
	Rule       *Rule
}

// Permanent reports whether the redirect may be cached by clients
func (r *Redirect) Permanent() bool {
	return r.StatusCode == http.StatusMovedPermanently
}

// ResolverOptions configures how requests are mapped to inbound triples
type ResolverOptions struct {
	// TrustForwardedHeaders reads scheme, host and port from X-Forwarded-*
	// headers set by a fronting proxy
	TrustForwardedHeaders bool
}

// Resolver matches inbound requests against the rule cache
type Resolver struct {
	cache *RuleCache
	opts  ResolverOptions
}

func NewResolver(cache *RuleCache, opts ResolverOptions) *Resolver {
	return &Resolver{cache: cache, opts: opts}
}

// Resolve returns the redirect for an inbound scheme/host/port, if any.
// host may carry a ":port" suffix; port 0 means the scheme's default.
// path is the escaped request path.
// Unsupported schemes never match.
func (res *Resolver) Resolve(ctx context.Context, scheme, host string, port int, path string) (*Redirect, bool, error) {
	protocol, err := ParseProtocol(scheme)
	if err != nil {
		return nil, false, nil
	}

	host, port = splitHostPort(host, port)
	if port == 0 {
		port = protocol.DefaultPort()
	}

	rule, ok, err := res.cache.Lookup(ctx, protocol, host, port)
	if err != nil || !ok {
		return nil, false, err
	}

	return &Redirect{
		Location:   BuildLocation(rule, path),
		StatusCode: rule.StatusCode,
		Rule:       rule,
	}, true, nil
}

// BuildLocation computes the outbound URL of rule for an escaped request
// path. The port is only written when it differs from the protocol default.
func BuildLocation(rule *Rule, requestPath string) string {
	u := url.URL{
		Scheme: string(rule.OutboundProtocol),
		Host:   rule.OutboundHost,
	}

	switch {
	case rule.OutboundPort != 0 && rule.OutboundPort != rule.OutboundProtocol.DefaultPort():
		u.Host = net.JoinHostPort(rule.OutboundHost, strconv.Itoa(rule.OutboundPort))
	case strings.Contains(rule.OutboundHost, ":"):
		u.Host = "[" + rule.OutboundHost + "]"
	}

	switch {
	case rule.OutboundPath != "":
		u.Path = rule.OutboundPath
	case rule.KeepPath:
		setEscapedPath(&u, requestPath)
	}

	return u.String()
}

// setEscapedPath keeps encoded separators such as %2F intact
func setEscapedPath(u *url.URL, escaped string) {
	p, err := url.PathUnescape(escaped)
	if err != nil {
		u.Path = escaped
		return
	}
	u.Path = p
	if p != escaped {
		u.RawPath = escaped
	}
}

func splitHostPort(host string, port int) (string, int) {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), port
	}
	if port == 0 {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return h, port
}

// Middleware redirects matching requests and passes the rest to next
// unmodified. Lookup failures are logged and treated as no match.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, host, port := res.requestTarget(r)

		redirect, ok, err := res.Resolve(r.Context(), scheme, host, port, r.URL.EscapedPath())
		if err != nil {
			logger.Error("redirect lookup failed", "host", host, "error", err)
		}
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		status := responseStatus(redirect.StatusCode)
		if !redirect.Permanent() {
			w.Header().Set("Cache-Control", "no-store")
		}

		redirectsServed.WithLabelValues(strconv.Itoa(status)).Inc()
		logger.Debug("redirecting",
			"rule_id", redirect.Rule.ID,
			"from", scheme+"://"+host+r.URL.Path,
			"to", redirect.Location,
			"status", status,
		)
		http.Redirect(w, r, redirect.Location, status)
	})
}

func (res *Resolver) requestTarget(r *http.Request) (scheme, host string, port int) {
	scheme = "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host = r.Host

	if res.opts.TrustForwardedHeaders {
		if v := firstHeaderValue(r, "X-Forwarded-Proto"); v != "" {
			scheme = v
		}
		if v := firstHeaderValue(r, "X-Forwarded-Host"); v != "" {
			host = v
		}
		if v := firstHeaderValue(r, "X-Forwarded-Port"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				port = n
			}
		}
	}

	return scheme, host, port
}

func firstHeaderValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// responseStatus is the code written for a rule. 301 is permanent; other
// redirect codes are honored and anything else becomes a 302.
func responseStatus(code int) int {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return code
	default:
		return http.StatusFound
	}
}
