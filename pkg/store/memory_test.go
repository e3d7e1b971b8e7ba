package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/interceptor/pkg/capture"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func newRecord(id string, at time.Time) capture.StoredRequest {
	return capture.StoredRequest{
		ID:        id,
		Method:    "GET",
		URL:       "/foo?x=1",
		Headers:   map[string]string{"accept": "*/*"},
		Query:     map[string]string{"x": "1"},
		Payload:   capture.Text(""),
		IP:        "127.0.0.1",
		Timestamp: at,
	}
}

func ids(recs []capture.StoredRequest) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestMemory_InsertAndGet(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	rec := newRecord("a", epoch)
	require.NoError(t, m.Insert(rec))

	got, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.True(t, got.Pending())
	assert.Equal(t, 1, m.Count())
}

func TestMemory_InsertDuplicate(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	require.NoError(t, m.Insert(newRecord("a", epoch)))

	err := m.Insert(newRecord("a", epoch.Add(time.Second)))
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, m.Count())
}

func TestMemory_InsertRequiresID(t *testing.T) {
	t.Parallel()
	assert.Error(t, NewMemory().Insert(newRecord("", epoch)))
}

func TestMemory_GetNotFound(t *testing.T) {
	t.Parallel()
	_, err := NewMemory().Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_InsertCopiesRecord(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	rec := newRecord("a", epoch)
	require.NoError(t, m.Insert(rec))

	rec.Headers["accept"] = "mutated"
	got, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "*/*", got.Headers["accept"])

	got.Query["x"] = "mutated"
	again, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", again.Query["x"])
}

func TestMemory_Update(t *testing.T) {
	t.Parallel()

	t.Run("response", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Insert(newRecord("a", epoch)))

		resp := capture.ResponseRecord{StatusCode: 200, Headers: map[string]string{}, Body: "ok", TimeTakenMs: 3}
		require.NoError(t, m.Update("a", capture.Resolved(resp)))

		got, err := m.Get("a")
		require.NoError(t, err)
		require.NotNil(t, got.Response)
		assert.Equal(t, resp, *got.Response)
		assert.Empty(t, got.Error)
		assert.Equal(t, "/foo?x=1", got.URL)
	})

	t.Run("error", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Insert(newRecord("a", epoch)))
		require.NoError(t, m.Update("a", capture.Failed("connection refused")))

		got, err := m.Get("a")
		require.NoError(t, err)
		assert.Nil(t, got.Response)
		assert.Equal(t, "connection refused", got.Error)
	})

	t.Run("not found", func(t *testing.T) {
		err := NewMemory().Update("missing", capture.Failed("x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("first outcome wins", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Insert(newRecord("a", epoch)))
		require.NoError(t, m.Update("a", capture.Failed("first")))

		err := m.Update("a", capture.Resolved(capture.ResponseRecord{StatusCode: 200}))
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		got, err := m.Get("a")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Error)
		assert.Nil(t, got.Response)
	})

	t.Run("empty outcome", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Insert(newRecord("a", epoch)))
		assert.ErrorIs(t, m.Update("a", capture.Outcome{}), capture.ErrEmptyOutcome)
	})
}

func TestMemory_ListOrder(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	require.NoError(t, m.Insert(newRecord("old", epoch)))
	require.NoError(t, m.Insert(newRecord("new", epoch.Add(2*time.Millisecond))))
	require.NoError(t, m.Insert(newRecord("mid", epoch.Add(time.Millisecond))))
	require.NoError(t, m.Insert(newRecord("mid-later", epoch.Add(time.Millisecond))))

	assert.Equal(t, []string{"new", "mid-later", "mid", "old"}, ids(m.List(nil)))
}

func TestMemory_ListEmpty(t *testing.T) {
	t.Parallel()
	recs := NewMemory().List(nil)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestMemory_ListConcurrentInserts(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				at := epoch.Add(time.Duration(i%5) * time.Millisecond)
				assert.NoError(t, m.Insert(newRecord(fmt.Sprintf("w%d-%d", w, i), at)))
				_ = m.List(nil)
			}
		}()
	}
	wg.Wait()

	recs := m.List(nil)
	require.Len(t, recs, workers*perWorker)
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i].Timestamp.After(recs[i-1].Timestamp),
			"record %d (%s) is newer than record %d (%s)", i, recs[i].ID, i-1, recs[i-1].ID)
	}
}

func TestMemory_ListFilter(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	get := newRecord("get-users", epoch)
	get.URL = "/api/users?page=2"
	post := newRecord("post-users", epoch.Add(time.Millisecond))
	post.Method = "POST"
	post.URL = "/api/users"
	upload := newRecord("upload", epoch.Add(2*time.Millisecond))
	upload.Method = "POST"
	upload.URL = "/files/upload"
	health := newRecord("health", epoch.Add(3*time.Millisecond))
	health.URL = "/health"

	for _, r := range []capture.StoredRequest{get, post, upload, health} {
		require.NoError(t, m.Insert(r))
	}
	require.NoError(t, m.Update("get-users", capture.Resolved(capture.ResponseRecord{StatusCode: 200})))
	require.NoError(t, m.Update("upload", capture.Failed("boom")))

	tests := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"nil filter", nil, []string{"health", "upload", "post-users", "get-users"}},
		{"method", &Filter{Method: "post"}, []string{"upload", "post-users"}},
		{"path prefix", &Filter{Path: "/api"}, []string{"post-users", "get-users"}},
		{"path glob ignores query", &Filter{Path: "/api/*"}, []string{"post-users", "get-users"}},
		{"path doublestar", &Filter{Path: "/**/upload"}, []string{"upload"}},
		{"path alternatives", &Filter{Path: "/{health,files/*}"}, []string{"health", "upload"}},
		{"status pending", &Filter{Status: StatusPending}, []string{"health", "post-users"}},
		{"status ok", &Filter{Status: StatusOK}, []string{"get-users"}},
		{"status error", &Filter{Status: StatusError}, []string{"upload"}},
		{"limit", &Filter{Limit: 2}, []string{"health", "upload"}},
		{"offset", &Filter{Offset: 3}, []string{"get-users"}},
		{"offset past end", &Filter{Offset: 10}, []string{}},
		{"combined", &Filter{Method: "POST", Status: StatusPending}, []string{"post-users"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(m.List(tt.filter)))
		})
	}
}

func TestMemory_Clear(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	require.NoError(t, m.Insert(newRecord("a", epoch)))
	require.NoError(t, m.Insert(newRecord("b", epoch)))

	assert.Equal(t, 2, m.Clear())
	assert.Equal(t, 0, m.Count())
	_, err := m.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.List(nil))
}

func TestValidStatus(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "pending", "ok", "error"} {
		assert.True(t, ValidStatus(s), s)
	}
	assert.False(t, ValidStatus("done"))
}

func TestValidPath(t *testing.T) {
	t.Parallel()
	assert.True(t, ValidPath("/api"))
	assert.True(t, ValidPath("/api/**"))
	assert.False(t, ValidPath("/api/[a"))
}
