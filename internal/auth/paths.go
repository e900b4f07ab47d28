package auth

import "strings"

// Remote endpoints owned by the session layer.
const (
	LoginPath       = "/api/v1/public/user/login"
	LoginByCodePath = "/api/v1/public/user/login-by-code"
	RefreshPath     = "/api/v1/public/user/refresh-token"
	LogoutPath      = "/api/v1/auth/user/logout"
)

// IsExempt reports whether path is served without an access token. Auth
// failures on these paths never trigger a refresh.
func IsExempt(path string) bool {
	return strings.Contains(path, LoginByCodePath) ||
		strings.Contains(path, LoginPath) ||
		strings.Contains(path, RefreshPath)
}
