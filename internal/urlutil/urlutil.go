// Package urlutil holds the pure URL helpers shared by the scraper and the
// crawl engine. Parsing follows the WHATWG URL standard so that what counts as
// a valid URL here matches what a browser would accept.
package urlutil

import (
	"strings"
	"unicode"

	whatwg "github.com/nlnwa/whatwg-url/url"
)

var parser = whatwg.NewParser(whatwg.WithPercentEncodeSinglePercentSign())

// Normalize returns the canonical string form of raw: trimmed, lower-cased,
// protocol-qualified when protocol-relative, and without trailing slashes.
// Input that does not parse as an absolute URL yields "".
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "//") {
		s = "http:" + s
	}
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return r == '/' || unicode.IsSpace(r)
	})
	if !IsParsable(s) {
		return ""
	}
	return s
}

// IsParsable reports whether raw parses as an absolute URL.
func IsParsable(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	_, err := parser.Parse(raw)
	return err == nil
}

// IsPseudoScriptURL reports whether raw uses the javascript: scheme.
func IsPseudoScriptURL(raw string) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(s, "javascript:")
}

// IsCrawlable reports whether raw is non-empty, parsable and not a script URL.
func IsCrawlable(raw string) bool {
	return raw != "" && IsParsable(raw) && !IsPseudoScriptURL(raw)
}

// IsSameOrigin compares hostnames only, so the same host on a different port
// or scheme is still considered same-origin.
func IsSameOrigin(target, seed string) bool {
	a := Hostname(target)
	if a == "" {
		return false
	}
	return strings.EqualFold(a, Hostname(seed))
}

// Hostname returns the lower-cased hostname of raw, or "" when raw does not parse.
func Hostname(raw string) string {
	u, err := parser.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Resolve resolves ref against base the way a browser computes an anchor's
// href property, dropping any fragment. Empty or unresolvable refs yield "".
func Resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if IsPseudoScriptURL(ref) {
		return ref
	}
	u, err := parser.ParseRef(base, ref)
	if err != nil {
		return ""
	}
	return u.Href(true)
}

// IsHTTP reports whether raw is an absolute http or https URL with a host.
func IsHTTP(raw string) bool {
	u, err := parser.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch u.Protocol() {
	case "http:", "https:":
		return u.Hostname() != ""
	default:
		return false
	}
}
