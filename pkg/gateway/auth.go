package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// SecretHeader carries the shared secret on /rpc and /ws requests.
const SecretHeader = "X-Marinabox-Secret"

// AuthHandler checks the shared secret. An empty secret disables the check.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether requests must carry the secret.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares a presented secret in constant time.
func (a *AuthHandler) Verify(secret string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// Authorize checks the secret header of r.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	return a.Verify(r.Header.Get(SecretHeader))
}

// Middleware rejects requests without the secret with 401.
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginChecker decides which browser origins may reach the gateway.
// Requests without an Origin header come from non-browser clients and pass.
type OriginChecker struct {
	allowed map[string]bool
}

// NewOriginChecker allows loopback origins plus the listed ones.
func NewOriginChecker(allowed []string) *OriginChecker {
	c := &OriginChecker{allowed: make(map[string]bool, len(allowed))}
	for _, origin := range allowed {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			c.allowed[strings.ToLower(origin)] = true
		}
	}
	return c
}

// Allowed reports whether origin may call the gateway.
func (c *OriginChecker) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	if c.allowed[strings.ToLower(strings.TrimRight(origin, "/"))] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CheckRequest applies Allowed to the Origin header of r.
func (c *OriginChecker) CheckRequest(r *http.Request) bool {
	return c.Allowed(r.Header.Get("Origin"))
}
