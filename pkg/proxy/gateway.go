package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/getmockd/interceptor/internal/id"
	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/formdata"
	"github.com/getmockd/interceptor/pkg/forward"
	"github.com/getmockd/interceptor/pkg/httputil"
	"github.com/getmockd/interceptor/pkg/logging"
	"github.com/getmockd/interceptor/pkg/store"
)

const (
	// DefaultMaxBodySize is the default maximum raw body size to capture (10MB).
	DefaultMaxBodySize = 10 * 1024 * 1024
)

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	// Pipeline resolves captured requests. Required.
	Pipeline *Pipeline
	// IDs assigns request identifiers. Required.
	IDs id.Generator
	// Decoder decodes multipart bodies. Required for multipart traffic.
	Decoder *formdata.Decoder
	// MaxBodyBytes caps raw (non-multipart) bodies (default DefaultMaxBodySize).
	MaxBodyBytes int64
	// Logger for traffic logging (nil = no logging).
	Logger *slog.Logger
}

// Gateway is the http.Handler every inbound request arrives at. It captures
// the request, waits for the forward to resolve and relays the response.
type Gateway struct {
	pipeline *Pipeline
	ids      id.Generator
	decoder  *formdata.Decoder
	maxBody  int64
	log      *slog.Logger
	now      func() time.Time
}

// NewGateway creates a gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	g := &Gateway{
		pipeline: opts.Pipeline,
		ids:      opts.IDs,
		decoder:  opts.Decoder,
		maxBody:  opts.MaxBodyBytes,
		log:      opts.Logger,
		now:      time.Now,
	}
	if g.maxBody <= 0 {
		g.maxBody = DefaultMaxBodySize
	}
	if g.log == nil {
		g.log = logging.Nop()
	}
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := g.readPayload(w, r)
	if err != nil {
		g.writeCaptureError(w, r, err)
		return
	}

	rec := g.capture(r, payload)
	g.log.Info("captured request", "id", rec.ID, "method", rec.Method, "url", rec.URL)

	res, err := g.pipeline.Run(r.Context(), rec)
	switch {
	case errors.Is(err, store.ErrDuplicateID):
		g.log.Error("request id collision", "id", rec.ID, "error", err)
		httputil.WriteInternalError(w, "internal error")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case err != nil:
		g.log.Error("capturing request failed", "id", rec.ID, "error", err)
		httputil.WriteInternalError(w, "internal error")
		return
	}

	g.log.Info("relaying response", "id", rec.ID, "status", res.Response.StatusCode,
		"duration_ms", res.Response.TimeTakenMs)
	Relay(w, res.Response)
}

func (g *Gateway) readPayload(w http.ResponseWriter, r *http.Request) (capture.Payload, error) {
	if r.Body == nil {
		return capture.Text(""), nil
	}
	defer func() { _ = r.Body.Close() }()

	if ct := r.Header.Get("Content-Type"); formdata.IsMultipart(ct) && g.decoder != nil {
		fields, err := g.decoder.Decode(r.Context(), r.Body, ct)
		if err != nil {
			return nil, err
		}
		return capture.Multipart(fields), nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		return nil, err
	}
	return capture.Text(string(body)), nil
}

func (g *Gateway) writeCaptureError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		g.log.Warn("request body too large", "method", r.Method, "path", r.URL.Path, "limit", tooLarge.Limit)
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	g.log.Warn("rejecting undecodable request", "method", r.Method, "path", r.URL.Path, "error", err)
	httputil.WriteBadRequest(w, err.Error())
}

func (g *Gateway) capture(r *http.Request, payload capture.Payload) capture.StoredRequest {
	headers := forward.FlattenHeaders(r.Header)
	if r.Host != "" {
		headers["host"] = r.Host
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	return capture.StoredRequest{
		ID:        g.ids.Next(),
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   headers,
		Query:     query,
		Payload:   payload,
		IP:        ClientIP(r),
		Timestamp: g.now(),
	}
}

// Relay writes a normalized response to the caller. The stored content
// length no longer matches a re-indented body, so it is dropped along with
// hop-by-hop headers.
func Relay(w http.ResponseWriter, resp capture.ResponseRecord) {
	h := w.Header()
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "content-length") || forward.IsHopByHop(k) {
			continue
		}
		h.Set(k, v)
	}
	status := resp.StatusCode
	if status < 100 || status > 999 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp.Body)
}

// ClientIP returns the caller address: the first X-Forwarded-For entry, else
// the host of RemoteAddr, else capture.UnknownIP.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr == "" {
		return capture.UnknownIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if host == "" {
		return capture.UnknownIP
	}
	return host
}
