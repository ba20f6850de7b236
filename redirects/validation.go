package redirects

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var hostLabel = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9_])?$`)

// ValidateHost checks that host is a plausible DNS name or IP literal.
// The host must already be normalized, IPv6 literals without brackets.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidArgument)
	}
	if strings.Contains(host, ":") {
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: invalid IPv6 host %q", ErrInvalidArgument, host)
		}
		return nil
	}
	if len(host) > 253 {
		return fmt.Errorf("%w: host length %d exceeds maximum of 253 characters", ErrInvalidArgument, len(host))
	}

	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if !hostLabel.MatchString(label) {
			return fmt.Errorf("%w: invalid host %q (label %q)", ErrInvalidArgument, host, label)
		}
	}

	return nil
}

// ValidatePort checks the port is within the TCP range
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidArgument, port)
	}
	return nil
}

// ValidateStatusCode only accepts 3xx redirect codes
func ValidateStatusCode(code int) error {
	if code < 300 || code > 399 {
		return fmt.Errorf("%w: status code %d is not a redirect (must be 3xx)", ErrInvalidArgument, code)
	}
	return nil
}

// normalizeRule lowercases hosts, fills default ports and status code and
// validates the result. It mutates r.
func normalizeRule(r *Rule) error {
	var err error

	if r.InboundProtocol, err = ParseProtocol(string(r.InboundProtocol)); err != nil {
		return fmt.Errorf("inbound protocol: %w", err)
	}
	if r.OutboundProtocol, err = ParseProtocol(string(r.OutboundProtocol)); err != nil {
		return fmt.Errorf("outbound protocol: %w", err)
	}

	r.InboundHost = NormalizeHost(r.InboundHost)
	r.OutboundHost = NormalizeHost(r.OutboundHost)

	if err := ValidateHost(r.InboundHost); err != nil {
		return fmt.Errorf("inbound host: %w", err)
	}
	if err := ValidateHost(r.OutboundHost); err != nil {
		return fmt.Errorf("outbound host: %w", err)
	}

	if r.InboundPort == 0 {
		r.InboundPort = r.InboundProtocol.DefaultPort()
	}
	if r.OutboundPort == 0 {
		r.OutboundPort = r.OutboundProtocol.DefaultPort()
	}
	if err := ValidatePort(r.InboundPort); err != nil {
		return fmt.Errorf("inbound port: %w", err)
	}
	if err := ValidatePort(r.OutboundPort); err != nil {
		return fmt.Errorf("outbound port: %w", err)
	}

	if r.StatusCode == 0 {
		r.StatusCode = DefaultStatusCode
	}
	if err := ValidateStatusCode(r.StatusCode); err != nil {
		return err
	}

	r.OutboundPath = strings.TrimSpace(r.OutboundPath)
	if r.OutboundPath != "" && !strings.HasPrefix(r.OutboundPath, "/") {
		r.OutboundPath = "/" + r.OutboundPath
	}

	return nil
}
