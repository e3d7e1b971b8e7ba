package forward

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/interceptor/pkg/capture"
)

func newEngine(t *testing.T, target string, opts Options) *Engine {
	t.Helper()
	opts.Target = target
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func getRecord(url string) capture.StoredRequest {
	return capture.StoredRequest{
		ID:      "req-1",
		Method:  http.MethodGet,
		URL:     url,
		Headers: map[string]string{},
		Payload: capture.Text(""),
	}
}

type seenRequest struct {
	method string
	uri    string
	header http.Header
	body   string
	form   map[string][]string
	files  map[string]string
	names  map[string]string
	types  map[string]string
}

func recordingTarget(t *testing.T, status int, contentType, body string) (*httptest.Server, func() seenRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen seenRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seenRequest{method: r.Method, uri: r.RequestURI, header: r.Header.Clone()}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.form = r.MultipartForm.Value
			s.files = map[string]string{}
			s.names = map[string]string{}
			s.types = map[string]string{}
			for name, fhs := range r.MultipartForm.File {
				f, err := fhs[0].Open()
				if !assert.NoError(t, err) {
					continue
				}
				data, _ := io.ReadAll(f)
				_ = f.Close()
				s.files[name] = string(data)
				s.names[name] = fhs[0].Filename
				s.types[name] = fhs[0].Header.Get("Content-Type")
			}
		} else {
			data, _ := io.ReadAll(r.Body)
			s.body = string(data)
		}
		mu.Lock()
		seen = s
		mu.Unlock()

		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return seen
	}
}

func TestNew_ValidatesTarget(t *testing.T) {
	tests := []struct {
		target  string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"https://api.example.com/base", false},
		{"", true},
		{"localhost:8080", true},
		{"ftp://example.com", true},
		{"http://", true},
		{"http://bad host", true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			_, err := New(Options{Target: tt.target})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOutboundURL(t *testing.T) {
	tests := []struct {
		name   string
		target string
		url    string
		query  map[string]string
		want   string
	}{
		{"root target", "http://t", "/foo", nil, "http://t/foo"},
		{"trailing slash target", "http://t/", "/foo", nil, "http://t/foo"},
		{"base path kept", "http://t/api/v1", "/users/7", nil, "http://t/api/v1/users/7"},
		{"base path trailing slash", "http://t/api/", "/users", nil, "http://t/api/users"},
		{"root path", "http://t/api", "/", nil, "http://t/api/"},
		{"query not duplicated", "http://t", "/foo?x=1", map[string]string{"x": "1"}, "http://t/foo?x=1"},
		{"raw query order kept", "http://t", "/foo?b=2&a=1", map[string]string{"a": "1", "b": "2"}, "http://t/foo?b=2&a=1"},
		{"missing query re-applied", "http://t", "/foo", map[string]string{"x": "1", "y": "a b"}, "http://t/foo?x=1&y=a+b"},
		{"partial re-apply", "http://t", "/foo?x=1", map[string]string{"x": "1", "y": "2"}, "http://t/foo?x=1&y=2"},
		{"escaped path", "http://t", "/a%2Fb/c%20d", nil, "http://t/a%2Fb/c%20d"},
		{"fragment dropped", "http://t", "/foo#frag", nil, "http://t/foo"},
		{"double slash path kept", "http://t", "//foo/bar?x=1", nil, "http://t//foo/bar?x=1"},
		{"double slash under base path", "http://t/api", "//a/b", nil, "http://t/api//a/b"},
		{"empty url", "http://t", "", nil, "http://t/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.target, Options{})
			rec := getRecord(tt.url)
			rec.Query = tt.query
			got, err := e.OutboundURL(rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestForward_GetWithJSON(t *testing.T) {
	srv, seen := recordingTarget(t, http.StatusOK, "application/json", `{"a":1}`)
	e := newEngine(t, srv.URL, Options{})

	rec := getRecord("/foo?x=1")
	rec.Query = map[string]string{"x": "1"}
	rec.Headers = map[string]string{
		"host":            "localhost:3000",
		"accept":          "application/json",
		"x-custom":        "yes",
		"connection":      "keep-alive, x-hop",
		"x-hop":           "drop me",
		"content-length":  "0",
		"accept-encoding": "br",
	}

	resp := e.Forward(context.Background(), rec)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "{\n  \"a\": 1\n}", resp.Body)
	assert.Equal(t, "application/json", resp.Headers["content-type"])
	assert.Equal(t, "a, b", resp.Headers["x-multi"])
	assert.GreaterOrEqual(t, resp.TimeTakenMs, int64(0))

	got := seen()
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/foo?x=1", got.uri)
	assert.Equal(t, "application/json", got.header.Get("Accept"))
	assert.Equal(t, "yes", got.header.Get("X-Custom"))
	assert.Empty(t, got.header.Get("X-Hop"))
	assert.NotEqual(t, "br", got.header.Get("Accept-Encoding"))
	assert.NotEqual(t, "localhost:3000", got.header.Get("Host"))
}

func TestForward_DecodesCompressedJSON(t *testing.T) {
	var sawEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, `{"a":1}`)
		_ = zw.Close()
	}))
	t.Cleanup(srv.Close)

	rec := getRecord("/zipped")
	rec.Headers = map[string]string{"accept-encoding": "identity"}

	resp, err := newEngine(t, srv.URL, Options{}).Do(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "gzip", sawEncoding)
	assert.Equal(t, "{\n  \"a\": 1\n}", resp.Body)
	assert.NotContains(t, resp.Headers, "content-encoding")
}

func TestForward_TextBodyVerbatim(t *testing.T) {
	srv, seen := recordingTarget(t, http.StatusCreated, "text/plain", "created")
	e := newEngine(t, srv.URL, Options{})

	rec := getRecord("/items")
	rec.Method = http.MethodPost
	rec.Headers = map[string]string{"content-type": "application/json"}
	rec.Payload = capture.Text(`{"name":"box"}`)

	resp := e.Forward(context.Background(), rec)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", resp.Body)

	got := seen()
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, `{"name":"box"}`, got.body)
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
}

func TestForward_Non2xxRelayed(t *testing.T) {
	srv, _ := recordingTarget(t, http.StatusTeapot, "text/html", "<p>short and stout</p>")
	e := newEngine(t, srv.URL, Options{})

	resp, err := e.Do(context.Background(), getRecord("/tea"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "<p>short and stout</p>", resp.Body)
}

func TestForward_MultipartReencoded(t *testing.T) {
	srv, seen := recordingTarget(t, http.StatusOK, "", "ok")
	e := newEngine(t, srv.URL, Options{})

	dir := t.TempDir()
	path := filepath.Join(dir, "1-1-x.png")
	require.NoError(t, os.WriteFile(path, []byte("PNGDATA"), 0o600))

	rec := getRecord("/upload")
	rec.Method = http.MethodPost
	rec.Headers = map[string]string{
		"content-type":   "multipart/form-data; boundary=stale",
		"content-length": "999",
	}
	rec.Payload = capture.Multipart([]capture.FormField{
		capture.ScalarField("a", "1"),
		capture.FileField("f", capture.File{Path: path, OriginalFilename: "x.png", MimeType: "image/png", Size: 7}),
		capture.FileField("gone", capture.File{Path: filepath.Join(dir, "missing"), OriginalFilename: "m.txt"}),
	})

	resp, err := e.Do(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := seen()
	assert.NotContains(t, got.header.Get("Content-Type"), "boundary=stale")
	assert.Equal(t, []string{"1"}, got.form["a"])
	assert.Equal(t, "PNGDATA", got.files["f"])
	assert.Equal(t, "x.png", got.names["f"])
	assert.Equal(t, "image/png", got.types["f"])
	assert.NotContains(t, got.files, "gone")
}

func TestForward_RedirectLimit(t *testing.T) {
	var hops int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hops++
		n := hops
		mu.Unlock()
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n), http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, srv.URL, Options{})
	resp, err := e.Do(context.Background(), getRecord("/start"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
	var ferr *ForwardingError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Headers["content-type"])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, DefaultMaxRedirects+1, hops, "initial request plus every followed redirect")
}

func TestForward_FollowsRedirectsWithinLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "moved here")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := newEngine(t, srv.URL, Options{}).Do(context.Background(), getRecord("/old"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "moved here", resp.Body)
}

func TestForward_RedirectResendsMultipart(t *testing.T) {
	for _, status := range []int{http.StatusTemporaryRedirect, http.StatusPermanentRedirect} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var (
				mu   sync.Mutex
				hits int
			)
			mux := http.NewServeMux()
			mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				hits++
				mu.Unlock()
				http.Redirect(w, r, "/b", status)
			})
			mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				hits++
				mu.Unlock()
				if err := r.ParseMultipartForm(1 << 20); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				f, _, err := r.FormFile("f")
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				defer f.Close()
				data, _ := io.ReadAll(f)
				_, _ = fmt.Fprintf(w, "%s:%s", r.FormValue("a"), data)
			})
			srv := httptest.NewServer(mux)
			t.Cleanup(srv.Close)

			path := filepath.Join(t.TempDir(), "1-1-x.bin")
			require.NoError(t, os.WriteFile(path, []byte("BYTES"), 0o600))

			rec := getRecord("/a")
			rec.Method = http.MethodPost
			rec.Payload = capture.Multipart([]capture.FormField{
				capture.ScalarField("a", "1"),
				capture.FileField("f", capture.File{Path: path, OriginalFilename: "x.bin"}),
			})

			resp, err := newEngine(t, srv.URL, Options{}).Do(context.Background(), rec)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "1:BYTES", resp.Body)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 2, hits)
		})
	}
}

func TestForward_UnreachableTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	e := newEngine(t, "http://"+addr, Options{Timeout: 2 * time.Second})

	start := time.Now()
	resp, err := e.Do(context.Background(), getRecord("/x"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second+500*time.Millisecond)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, map[string]string{"content-type": "text/plain"}, resp.Headers)
	assert.Equal(t, err.Error(), resp.Body)
	assert.NotEmpty(t, resp.Body)
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	e := newEngine(t, srv.URL, Options{Timeout: 100 * time.Millisecond})
	resp, err := e.Do(context.Background(), getRecord("/slow"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.GreaterOrEqual(t, resp.TimeTakenMs, int64(100))
}

func TestForward_BodyLimit(t *testing.T) {
	srv, _ := recordingTarget(t, http.StatusOK, "text/plain", strings.Repeat("x", 100))
	e := newEngine(t, srv.URL, Options{MaxBodyBytes: 10})

	resp := e.Forward(context.Background(), getRecord("/big"))
	assert.Equal(t, strings.Repeat("x", 10), resp.Body)
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "upstream said no" }
func (e statusErr) StatusCode() int { return e.code }

func TestForwardingError_StatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), 500},
		{"nil cause", nil, 500},
		{"status carrier", statusErr{code: 502}, 502},
		{"wrapped carrier", fmt.Errorf("wrap: %w", statusErr{code: 404}), 404},
		{"out of range", statusErr{code: 42}, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, (&ForwardingError{Err: tt.err}).StatusCode())
		})
	}
}

func TestNormalizeBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"object", `{"a":1}`, "{\n  \"a\": 1\n}"},
		{"nested", `{"a":{"b":[1,2]}}`, "{\n  \"a\": {\n    \"b\": [\n      1,\n      2\n    ]\n  }\n}"},
		{"surrounding whitespace", " \n[true] \n", "[\n  true\n]"},
		{"scalar", `42`, "42"},
		{"html", "<html></html>", "<html></html>"},
		{"broken json", `{"a":`, `{"a":`},
		{"empty", "", ""},
		{"whitespace only", "  ", "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeBody([]byte(tt.in)))
		})
	}
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Content-Type", "text/plain")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	assert.Equal(t, map[string]string{
		"content-type": "text/plain",
		"set-cookie":   "a=1, b=2",
	}, FlattenHeaders(h))
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Session")
	h.Set("X-Session", "abc")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Proxy-Authorization", "Basic x")
	h.Set("Te", "trailers")
	h.Set("Accept", "*/*")

	RemoveHopByHopHeaders(h)
	assert.Equal(t, http.Header{"Accept": {"*/*"}}, h)
}

func TestIsHopByHop(t *testing.T) {
	assert.True(t, IsHopByHop("transfer-encoding"))
	assert.True(t, IsHopByHop("Connection"))
	assert.True(t, IsHopByHop("te"))
	assert.False(t, IsHopByHop("content-type"))
}
