package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/getmockd/interceptor/pkg/store"
)

// parsePositiveInt returns a parsed int only when the value is a valid positive integer.
func parsePositiveInt(v string) (int, bool) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseNonNegativeInt returns a parsed int only when the value is a valid non-negative integer.
func parseNonNegativeInt(v string) (int, bool) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseFilter builds a store filter from list query parameters.
func parseFilter(q url.Values) (*store.Filter, error) {
	f := &store.Filter{
		Method: strings.TrimSpace(q.Get("method")),
		Path:   q.Get("path"),
		Status: strings.ToLower(q.Get("status")),
	}

	if !store.ValidStatus(f.Status) {
		return nil, fmt.Errorf("invalid status %q: want pending, ok or error", f.Status)
	}
	if !store.ValidPath(f.Path) {
		return nil, fmt.Errorf("invalid path pattern %q", f.Path)
	}
	if v := q.Get("limit"); v != "" {
		n, ok := parsePositiveInt(v)
		if !ok {
			return nil, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, ok := parseNonNegativeInt(v)
		if !ok {
			return nil, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}
