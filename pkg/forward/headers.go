package forward

import (
	"net/http"
	"strings"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders removes headers that should not be forwarded,
// including any named in the Connection header.
func RemoveHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// IsHopByHop reports whether the lower- or mixed-case header name is
// connection-scoped.
func IsHopByHop(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(h) == canonical {
			return true
		}
	}
	return false
}
