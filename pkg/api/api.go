// Package api serves the management surface: listing captured requests,
// live event streams, replay and attachment download.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/events"
	"github.com/getmockd/interceptor/pkg/logging"
	"github.com/getmockd/interceptor/pkg/scratch"
	"github.com/getmockd/interceptor/pkg/store"
)

const (
	// DefaultKeepaliveInterval is how often idle event streams get a comment.
	DefaultKeepaliveInterval = 15 * time.Second

	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 10 * time.Second
)

// Store is the read side of the request store.
type Store interface {
	Get(id string) (capture.StoredRequest, error)
	List(filter *store.Filter) []capture.StoredRequest
	Count() int
	Clear() int
}

// Replayer re-issues a captured request.
type Replayer interface {
	Replay(ctx context.Context, originalID string) (capture.StoredRequest, error)
}

// Options configures the API.
type Options struct {
	Store    Store
	Events   *events.Broadcaster
	Replayer Replayer
	// Scratch is the directory attachments are served from.
	Scratch *scratch.Dir
	// CurlBase is the base URL used in generated curl commands.
	CurlBase string
	// CORS controls cross-origin headers (default allows any origin).
	CORS *CORSConfig
	// KeepaliveInterval for event streams (default DefaultKeepaliveInterval).
	KeepaliveInterval time.Duration
	// WriteTimeout for websocket messages (default DefaultWriteTimeout).
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// API holds the management handlers.
type API struct {
	store        Store
	events       *events.Broadcaster
	replayer     Replayer
	scratch      *scratch.Dir
	curlBase     string
	cors         CORSConfig
	keepalive    time.Duration
	writeTimeout time.Duration
	encoder      *events.Encoder
	log          *slog.Logger
}

// New creates an API.
func New(opts Options) *API {
	a := &API{
		store:        opts.Store,
		events:       opts.Events,
		replayer:     opts.Replayer,
		scratch:      opts.Scratch,
		curlBase:     opts.CurlBase,
		cors:         DefaultCORSConfig(),
		keepalive:    opts.KeepaliveInterval,
		writeTimeout: opts.WriteTimeout,
		encoder:      events.NewEncoder(),
		log:          opts.Logger,
	}
	if opts.CORS != nil {
		a.cors = *opts.CORS
	}
	if a.keepalive <= 0 {
		a.keepalive = DefaultKeepaliveInterval
	}
	if a.writeTimeout <= 0 {
		a.writeTimeout = DefaultWriteTimeout
	}
	if a.log == nil {
		a.log = logging.Nop()
	}
	return a
}

// Handler returns the routed handler wrapped in CORS and access logging.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerRoutes(mux)
	return logging.Middleware(a.log, NewCORSMiddleware(mux, a.cors))
}
