// Package privacy scrubs connection strings and URLs from messages before
// they leave the process through logs or telemetry.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	urlPattern = regexp.MustCompile(`\b(?:https?|mysql|file)://\S+`)

	// user:pass@tcp(host:port)/db as produced by the MySQL driver DSN format
	mysqlDSNPattern = regexp.MustCompile(`[^\s:@/]+:[^\s@]*@tcp\([^)]*\)/\S*`)
)

// ScrubMessage replaces URLs and database DSNs in message with stable
// anonymized tokens.
func ScrubMessage(message string) string {
	message = mysqlDSNPattern.ReplaceAllStringFunc(message, func(dsn string) string {
		return "dsn-" + shortHash(dsn, 8)
	})
	return urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
}

// AnonymizeURL maps a URL to a token that keeps its scheme, host class and
// path shape comparable across events without revealing them.
func AnonymizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "url-hash-" + shortHash(rawURL, 8)
	}

	parts := make([]string, 0, 4)
	if parsed.Scheme != "" {
		parts = append(parts, parsed.Scheme)
	}
	if host := parsed.Hostname(); host != "" {
		parts = append(parts, categorizeHost(host))
	}
	if port := parsed.Port(); port != "" {
		parts = append(parts, "port-"+port)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		parts = append(parts, anonymizePath(parsed.Path))
	}
	return "url-" + shortHash(strings.Join(parts, ":"), 12)
}

// categorizeHost reduces a host to localhost, private-ip, public-ip or its TLD.
func categorizeHost(host string) string {
	if host == "localhost" {
		return "localhost"
	}
	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return "localhost"
		case ip.IsPrivate(), ip.IsLinkLocalUnicast():
			return "private-ip"
		default:
			return "public-ip"
		}
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return "domain-" + host[i+1:]
	}
	return "unknown-host"
}

// anonymizePath hashes each path segment, keeping numeric segments as a class.
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}
	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch {
		case seg == "":
			continue
		case isNumeric(seg):
			out = append(out, "numeric")
		default:
			out = append(out, "seg-"+shortHash(seg, 4))
		}
	}
	return strings.Join(out, "/")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:n])
}

// SanitizedError keeps the original error for errors.Is and errors.As while
// reporting a scrubbed message.
type SanitizedError struct {
	original     error
	sanitizedMsg string
}

func (e *SanitizedError) Error() string { return e.sanitizedMsg }

func (e *SanitizedError) Unwrap() error { return e.original }

// WrapError scrubs err's message. It returns nil for a nil error.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &SanitizedError{original: err, sanitizedMsg: ScrubMessage(err.Error())}
}
