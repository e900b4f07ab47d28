package auth

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	qrPathToken = regexp.MustCompile(`(?i)/q/([^/?#]+)`)
	qrPrefix    = regexp.MustCompile(`(?i)^qrcode:`)
)

// ExtractQRToken pulls the login token out of a scanned QR payload. It
// accepts URLs with a /q/<token> path or a token query parameter, the
// qrcode:<token> form, and bare tokens.
func ExtractQRToken(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return ""
	}

	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		if m := qrPathToken.FindStringSubmatch(u.EscapedPath()); m != nil {
			return unescape(m[1])
		}
		if tok := strings.TrimSpace(u.Query().Get("token")); tok != "" {
			return tok
		}
	}

	if m := qrPathToken.FindStringSubmatch(s); m != nil {
		return unescape(m[1])
	}
	if qrPrefix.MatchString(s) {
		return strings.TrimSpace(qrPrefix.ReplaceAllString(s, ""))
	}
	return s
}

func unescape(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(s)
}
