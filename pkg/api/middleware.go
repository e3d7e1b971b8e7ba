package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSConfig holds the cross-origin policy of the management API.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the API.
	// Empty or containing "*" allows every origin.
	AllowedOrigins []string

	// AllowedMethods for cross-origin requests.
	AllowedMethods []string

	// AllowedHeaders for cross-origin requests.
	AllowedHeaders []string

	// MaxAge is how long (in seconds) a preflight result may be cached.
	MaxAge int
}

// DefaultCORSConfig allows any origin, the way a local inspection UI expects.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not allowed.
func (c *CORSConfig) allowOrigin(origin string) string {
	if len(c.AllowedOrigins) == 0 || slices.Contains(c.AllowedOrigins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(c.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

func (c *CORSConfig) methods() string {
	if len(c.AllowedMethods) == 0 {
		return "GET, POST, DELETE, OPTIONS"
	}
	return strings.Join(c.AllowedMethods, ", ")
}

func (c *CORSConfig) headers() string {
	if len(c.AllowedHeaders) == 0 {
		return "Content-Type, Authorization"
	}
	return strings.Join(c.AllowedHeaders, ", ")
}

func (c *CORSConfig) maxAge() string {
	if c.MaxAge <= 0 {
		return "86400"
	}
	return strconv.Itoa(c.MaxAge)
}

// CORSMiddleware adds CORS headers to responses.
type CORSMiddleware struct {
	handler http.Handler
	config  CORSConfig
}

// NewCORSMiddleware wraps handler with the given policy.
func NewCORSMiddleware(handler http.Handler, config CORSConfig) *CORSMiddleware {
	return &CORSMiddleware{handler: handler, config: config}
}

// ServeHTTP implements the http.Handler interface.
func (m *CORSMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Vary", "Origin")

	allow := m.config.allowOrigin(r.Header.Get("Origin"))
	if allow == "" {
		// Not allowed; the browser blocks the response.
		m.handler.ServeHTTP(w, r)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", allow)
	w.Header().Set("Access-Control-Allow-Methods", m.config.methods())
	w.Header().Set("Access-Control-Allow-Headers", m.config.headers())
	w.Header().Set("Access-Control-Max-Age", m.config.maxAge())

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	m.handler.ServeHTTP(w, r)
}
