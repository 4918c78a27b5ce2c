package tools

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// securityPattern pairs a compiled detector with the error code it reports
// (§4.4's security-scan step).
type securityPattern struct {
	name string
	code string
	re   *regexp.Regexp
}

// defaultSecurityPatterns catches the common injection shapes the pipeline's
// security-scan step screens for: script injection, SQL injection, path
// traversal, and shell metacharacters smuggled into a string argument.
var defaultSecurityPatterns = []securityPattern{
	{"xss-script-tag", "XSS_SCRIPT_TAG", regexp.MustCompile(`(?i)<script[\s>]`)},
	{"xss-event-handler", "XSS_EVENT_HANDLER", regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`)},
	{"xss-javascript-uri", "XSS_JAVASCRIPT_URI", regexp.MustCompile(`(?i)javascript:`)},
	{"sql-injection", "SQL_INJECTION", regexp.MustCompile(`(?i)(\bunion\b\s+\bselect\b|\bor\b\s+1\s*=\s*1|;\s*drop\s+table|--\s*$)`)},
	{"path-traversal", "PATH_TRAVERSAL", regexp.MustCompile(`(?i)(\.\.[/\\]|%2e%2e(%2f|%5c|/|\\))`)},
	{"shell-metacharacters", "SHELL_INJECTION", regexp.MustCompile(`[;&|` + "`" + `$(){}]`)},
}

// DefaultSecurityScanner is the executor's built-in SecurityScanner (§4.4):
// it walks every string-valued argument (recursively through nested
// maps/slices) against a fixed pattern set. It never touches the schema;
// ValidateFn and SecurityScanner are deliberately independent checks run
// back to back in the pipeline.
type DefaultSecurityScanner struct {
	patterns []securityPattern
}

// NewDefaultSecurityScanner constructs a scanner using the built-in
// pattern set plus any extra patterns supplied; like the built-in ones, an
// extra pattern rejects any string argument it matches.
func NewDefaultSecurityScanner(extra ...securityPattern) *DefaultSecurityScanner {
	patterns := make([]securityPattern, 0, len(defaultSecurityPatterns)+len(extra))
	patterns = append(patterns, defaultSecurityPatterns...)
	patterns = append(patterns, extra...)
	return &DefaultSecurityScanner{patterns: patterns}
}

// Scan implements SecurityScanner.
func (s *DefaultSecurityScanner) Scan(toolID string, args map[string]interface{}) *ValidationResult {
	result := &ValidationResult{Success: true, Data: args}
	var errs []ValidationError
	s.scanValue(args, "", &errs)
	if len(errs) > 0 {
		result.Success = false
		result.Errors = errs
	}
	return result
}

func (s *DefaultSecurityScanner) scanValue(value interface{}, path string, errs *[]ValidationError) {
	switch v := value.(type) {
	case string:
		for _, p := range s.patterns {
			if p.re.MatchString(v) {
				*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("argument matched a denied pattern (%s)", p.name), Code: p.code})
			}
		}
	case map[string]interface{}:
		for k, nested := range v {
			s.scanValue(nested, joinPath(path, k), errs)
		}
	case []interface{}:
		for i, nested := range v {
			s.scanValue(nested, fmt.Sprintf("%s[%d]", path, i), errs)
		}
	}
}

// Sanitize strips the substrings a pattern matched from a raw string,
// for callers that want a best-effort cleaned value rather than outright
// rejection.
func (s *DefaultSecurityScanner) Sanitize(input string) string {
	out := input
	for _, p := range s.patterns {
		out = p.re.ReplaceAllString(out, "")
	}
	return out
}

// PathGuard validates filesystem paths against an allow/deny list,
// rejecting traversal out of any allowed root (grounded in the teacher's
// path-traversal hardening for its file tools).
type PathGuard struct {
	AllowedRoots []string
	DenyRoots    []string
}

// Validate resolves path to an absolute, cleaned form and checks it
// against DenyRoots (always enforced) and AllowedRoots (enforced only if
// non-empty).
func (g *PathGuard) Validate(path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains a null byte")
	}

	decoded, err := url.PathUnescape(path)
	if err != nil {
		return fmt.Errorf("invalid path encoding: %w", err)
	}

	clean, err := filepath.Abs(filepath.Clean(decoded))
	if err != nil {
		return fmt.Errorf("invalid path")
	}
	if clean == string(filepath.Separator) {
		return fmt.Errorf("root directory access is denied")
	}

	for _, deny := range g.DenyRoots {
		if withinRoot(clean, deny) {
			return fmt.Errorf("path %q is within a restricted directory", path)
		}
	}

	if len(g.AllowedRoots) == 0 {
		return nil
	}
	for _, allowed := range g.AllowedRoots {
		if withinRoot(clean, allowed) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside every allowed directory", path)
}

func withinRoot(path, root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, path)
	if err != nil {
		return false
	}
	if rel == ".." {
		return false
	}
	sep := string(filepath.Separator)
	return rel == "." || (!strings.HasPrefix(rel, ".."+sep) && rel != "..")
}

// HostGuard validates outbound HTTP targets, blocking requests to
// link-local metadata endpoints and (by default) private network ranges
// to prevent SSRF (§4.4's security-scan applied to communication-category
// tools).
type HostGuard struct {
	AllowedHosts         []string
	DenyHosts            []string
	AllowPrivateNetworks bool
	AllowedSchemes       []string
}

// DefaultHostGuard denies the common cloud-metadata hosts and private IP
// ranges, allowing only http/https.
func DefaultHostGuard() *HostGuard {
	return &HostGuard{
		AllowedSchemes: []string{"http", "https"},
		DenyHosts: []string{
			"metadata.google.internal",
			"169.254.169.254",
			"metadata.azure.com",
		},
	}
}

// Validate checks rawURL's scheme and host against the guard's policy.
func (g *HostGuard) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if len(g.AllowedSchemes) > 0 && !contains(g.AllowedSchemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	for _, deny := range g.DenyHosts {
		if host == strings.ToLower(deny) {
			return fmt.Errorf("host %q is denied", host)
		}
	}

	if len(g.AllowedHosts) > 0 && !contains(g.AllowedHosts, host) {
		return fmt.Errorf("host %q is not in the allow-list", host)
	}

	if !g.AllowPrivateNetworks {
		if ip := net.ParseIP(host); ip != nil && isPrivateOrLinkLocal(ip) {
			return fmt.Errorf("host %q resolves to a private or link-local address", host)
		}
		if ips, err := net.LookupIP(host); err == nil {
			for _, ip := range ips {
				if isPrivateOrLinkLocal(ip) {
					return fmt.Errorf("host %q resolves to a private or link-local address", host)
				}
			}
		}
	}

	return nil
}

func isPrivateOrLinkLocal(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
