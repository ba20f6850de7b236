package redirects

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol is the scheme a rule matches on or redirects to
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// ParseProtocol converts a scheme name to a Protocol, ignoring case and
// surrounding whitespace. Anything other than http or https is rejected.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	default:
		return "", fmt.Errorf("%w: unsupported protocol %q (must be http or https)", ErrInvalidArgument, s)
	}
}

// DefaultPort returns the conventional port of the protocol, or 0 if unknown
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolHTTP:
		return 80
	case ProtocolHTTPS:
		return 443
	default:
		return 0
	}
}

func (p Protocol) String() string {
	return string(p)
}

// DefaultStatusCode is used when a rule is created without a status code
const DefaultStatusCode = http.StatusMovedPermanently

// Rule is a persisted inbound -> outbound host redirect
type Rule struct {
	ID       int64     `json:"id"`
	UniqueID uuid.UUID `json:"uniqueId"`

	InboundProtocol Protocol `json:"inboundProtocol"`
	InboundHost     string   `json:"inboundHost"`
	InboundPort     int      `json:"inboundPort"`

	OutboundProtocol Protocol `json:"outboundProtocol"`
	OutboundHost     string   `json:"outboundHost"`
	OutboundPort     int      `json:"outboundPort"`
	OutboundPath     string   `json:"outboundPath,omitempty"`

	// KeepPath reuses the request path when OutboundPath is empty
	KeepPath   bool `json:"keepPath"`
	StatusCode int  `json:"statusCode"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Key returns the cache key of the rule's inbound triple
func (r *Rule) Key() string {
	return Key(r.InboundProtocol, r.InboundHost, r.InboundPort)
}

// Permanent reports whether the rule issues a 301
func (r *Rule) Permanent() bool {
	return r.StatusCode == http.StatusMovedPermanently
}

func (r *Rule) clone() *Rule {
	c := *r
	return &c
}

// Key derives the lookup key for an inbound (protocol, host, port) triple.
// Protocol and host are compared case-insensitively.
func Key(protocol Protocol, host string, port int) string {
	return strings.ToLower(string(protocol)) + "__" +
		NormalizeHost(host) + "__" +
		strconv.Itoa(port)
}

// NormalizeHost lowercases and trims a host name. Brackets around an IPv6
// literal are dropped.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return host
}
