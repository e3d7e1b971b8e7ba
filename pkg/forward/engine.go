// Package forward re-issues captured requests against the target service and
// normalizes what comes back.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/logging"
)

const (
	// DefaultTimeout bounds one forwarded exchange.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxRedirects is the number of redirects followed before giving up.
	DefaultMaxRedirects = 5
	// DefaultMaxBodySize is the maximum response body captured (10MB).
	DefaultMaxBodySize = 10 * 1024 * 1024
)

// ErrTooManyRedirects is returned when the redirect limit is exceeded.
var ErrTooManyRedirects = errors.New("too many redirects")

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ForwardingError describes a forward that produced no response.
type ForwardingError struct {
	Method string
	URL    string
	Err    error
}

func (e *ForwardingError) Error() string {
	if e.Err == nil {
		return "forwarding failed"
	}
	return e.Err.Error()
}

func (e *ForwardingError) Unwrap() error { return e.Err }

// StatusCode returns the status carried by the cause, or 500.
func (e *ForwardingError) StatusCode() int {
	var sc StatusCoder
	if errors.As(e.Err, &sc) {
		if code := sc.StatusCode(); code >= 100 && code <= 599 {
			return code
		}
	}
	return http.StatusInternalServerError
}

// Options configures an Engine.
type Options struct {
	// Target is the absolute base URL requests are forwarded to. Required.
	Target string
	// Timeout bounds each exchange (default DefaultTimeout).
	Timeout time.Duration
	// MaxRedirects is the redirect limit (default DefaultMaxRedirects).
	MaxRedirects int
	// MaxBodyBytes caps the captured response body (default DefaultMaxBodySize).
	MaxBodyBytes int64
	// Client overrides the HTTP client. Its CheckRedirect is replaced.
	Client *http.Client
	// Logger for forwarding diagnostics (nil = no logging).
	Logger *slog.Logger
}

// Engine forwards captured requests to a single target.
type Engine struct {
	target       *url.URL
	timeout      time.Duration
	maxRedirects int
	maxBody      int64
	client       *http.Client
	log          *slog.Logger
}

// New creates an engine for opts.Target.
func New(opts Options) (*Engine, error) {
	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		target:       target,
		timeout:      opts.Timeout,
		maxRedirects: opts.MaxRedirects,
		maxBody:      opts.MaxBodyBytes,
		log:          opts.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.maxRedirects <= 0 {
		e.maxRedirects = DefaultMaxRedirects
	}
	if e.maxBody <= 0 {
		e.maxBody = DefaultMaxBodySize
	}
	if e.log == nil {
		e.log = logging.Nop()
	}

	client := &http.Client{}
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	client.CheckRedirect = e.checkRedirect
	e.client = client
	return e, nil
}

// ParseTarget validates a target base URL.
func ParseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("target URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: missing host", raw)
	}
	return u, nil
}

// Target returns the base URL requests are forwarded to.
func (e *Engine) Target() string { return e.target.String() }

// Forward sends the request and returns the normalized response. Failures are
// reported as a synthesized record; Forward itself never fails.
func (e *Engine) Forward(ctx context.Context, rec capture.StoredRequest) capture.ResponseRecord {
	resp, _ := e.Do(ctx, rec)
	return resp
}

// Do sends the request. On failure it returns the synthesized record together
// with a *ForwardingError.
func (e *Engine) Do(ctx context.Context, rec capture.StoredRequest) (capture.ResponseRecord, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outURL, err := e.OutboundURL(rec)
	if err != nil {
		return e.fail(rec, "", start, err)
	}

	req, err := e.newRequest(ctx, rec, outURL)
	if err != nil {
		return e.fail(rec, outURL, start, err)
	}

	e.log.Debug("forwarding request", "id", rec.ID, "method", rec.Method, "url", outURL)

	resp, err := e.client.Do(req)
	if err != nil {
		return e.fail(rec, outURL, start, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return e.fail(rec, outURL, start, fmt.Errorf("reading response body: %w", err))
	}

	out := capture.ResponseRecord{
		StatusCode:  resp.StatusCode,
		Headers:     FlattenHeaders(resp.Header),
		Body:        NormalizeBody(body),
		TimeTakenMs: time.Since(start).Milliseconds(),
	}
	e.log.Debug("forwarded request", "id", rec.ID, "status", out.StatusCode, "duration_ms", out.TimeTakenMs)
	return out, nil
}

func (e *Engine) fail(rec capture.StoredRequest, outURL string, start time.Time, cause error) (capture.ResponseRecord, error) {
	ferr := &ForwardingError{Method: rec.Method, URL: outURL, Err: cause}
	e.log.Warn("forwarding failed", "id", rec.ID, "method", rec.Method, "url", outURL, "error", cause)
	return capture.ResponseRecord{
		StatusCode:  ferr.StatusCode(),
		Headers:     map[string]string{"content-type": "text/plain"},
		Body:        ferr.Error(),
		TimeTakenMs: time.Since(start).Milliseconds(),
	}, ferr
}

func (e *Engine) checkRedirect(_ *http.Request, via []*http.Request) error {
	if len(via) > e.maxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, e.maxRedirects)
	}
	return nil
}

// OutboundURL joins the target base with the captured path and re-applies
// captured query parameters that the raw query does not already carry.
func (e *Engine) OutboundURL(rec capture.StoredRequest) (string, error) {
	// A request-URI is never scheme-relative; "//a/b" is a path.
	raw, _, _ := strings.Cut(rec.URL, "#")
	if raw == "" {
		raw = "/"
	}
	captured, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", fmt.Errorf("invalid captured URL %q: %w", rec.URL, err)
	}

	out := *e.target
	out.Path = joinPath(e.target.Path, captured.Path)
	out.RawPath = joinPath(e.target.EscapedPath(), captured.EscapedPath())
	out.RawQuery = mergeQuery(captured.RawQuery, rec.Query)
	out.Fragment = ""
	out.RawFragment = ""
	return out.String(), nil
}

func joinPath(base, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(base, "/") + path
}

func mergeQuery(raw string, query map[string]string) string {
	if len(query) == 0 {
		return raw
	}
	present, err := url.ParseQuery(raw)
	if err != nil {
		present = url.Values{}
	}
	extra := url.Values{}
	for k, v := range query {
		if _, ok := present[k]; !ok {
			extra.Set(k, v)
		}
	}
	if len(extra) == 0 {
		return raw
	}
	if raw == "" {
		return extra.Encode()
	}
	return raw + "&" + extra.Encode()
}

func (e *Engine) newRequest(ctx context.Context, rec capture.StoredRequest, outURL string) (*http.Request, error) {
	method := rec.Method
	if method == "" {
		method = http.MethodGet
	}

	var (
		body        io.Reader
		contentType string
		getBody     func() (io.ReadCloser, error)
	)
	switch p := rec.Payload.(type) {
	case capture.MultipartBody:
		var boundary string
		boundary, contentType = multipartFraming()
		body = e.encodeMultipart(ctx, rec.ID, p.Fields, boundary)
		// 307 and 308 redirects re-send the body.
		getBody = func() (io.ReadCloser, error) {
			return e.encodeMultipart(ctx, rec.ID, p.Fields, boundary), nil
		}
	case capture.TextBody:
		if p.Text != "" {
			body = strings.NewReader(p.Text)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, outURL, body)
	if err != nil {
		if c, ok := body.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	if getBody != nil {
		req.GetBody = getBody
	}
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	RemoveHopByHopHeaders(req.Header)
	req.Header.Del("Host")
	req.Header.Del("Content-Length")
	// The transport negotiates gzip itself and decodes the body for us.
	req.Header.Del("Accept-Encoding")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// FlattenHeaders lower-cases keys and joins multiple values with ", ".
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// NormalizeBody re-indents JSON bodies with two spaces. Anything else is
// returned verbatim.
func NormalizeBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return string(body)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return string(body)
	}
	return buf.String()
}
