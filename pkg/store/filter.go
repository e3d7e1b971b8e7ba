package store

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/getmockd/interceptor/pkg/capture"
)

// Status values accepted by Filter.Status.
const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Filter defines criteria for listing captured requests.
type Filter struct {
	// Method filters by HTTP method (case-insensitive).
	Method string

	// Path filters by URL path. Glob patterns (*, **, ?, [..], {a,b}) are
	// matched with doublestar; anything else is a path prefix.
	Path string

	// Status filters by resolution: pending, ok (has a response) or error.
	Status string

	// Limit is the maximum number of entries to return.
	Limit int

	// Offset is the number of entries to skip.
	Offset int
}

// ValidStatus reports whether s is an accepted Filter.Status value.
func ValidStatus(s string) bool {
	switch s {
	case "", StatusPending, StatusOK, StatusError:
		return true
	}
	return false
}

// ValidPath reports whether the path pattern is well formed.
func ValidPath(pattern string) bool {
	return !isGlob(pattern) || doublestar.ValidatePattern(pattern)
}

// Matches reports whether rec satisfies every criterion of the filter.
func (f *Filter) Matches(rec *capture.StoredRequest) bool {
	if f == nil {
		return true
	}
	if f.Method != "" && !strings.EqualFold(rec.Method, f.Method) {
		return false
	}
	if f.Path != "" && !matchPath(f.Path, requestPath(rec.URL)) {
		return false
	}
	switch f.Status {
	case StatusPending:
		return rec.Pending()
	case StatusOK:
		return rec.Response != nil
	case StatusError:
		return rec.Error != ""
	}
	return true
}

// page applies offset and limit to an already filtered list.
func (f *Filter) page(recs []capture.StoredRequest) []capture.StoredRequest {
	if f == nil {
		return recs
	}
	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return []capture.StoredRequest{}
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(recs) {
		recs = recs[:f.Limit]
	}
	return recs
}

func matchPath(pattern, path string) bool {
	if !isGlob(pattern) {
		return strings.HasPrefix(path, pattern)
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func requestPath(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
