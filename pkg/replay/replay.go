// Package replay re-issues previously captured requests as new records.
package replay

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/getmockd/interceptor/internal/id"
	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/logging"
	"github.com/getmockd/interceptor/pkg/proxy"
)

// Source looks up captured requests.
type Source interface {
	// Get returns store.ErrNotFound (wrapped) for unknown ids.
	Get(id string) (capture.StoredRequest, error)
}

// Options configures a Replayer.
type Options struct {
	Source   Source
	Pipeline *proxy.Pipeline
	IDs      id.Generator
	// Logger for replay diagnostics (nil = no logging).
	Logger *slog.Logger
}

// Replayer re-sends captured requests through the capture pipeline.
type Replayer struct {
	source   Source
	pipeline *proxy.Pipeline
	ids      id.Generator
	log      *slog.Logger
	now      func() time.Time
}

// New creates a replayer.
func New(opts Options) *Replayer {
	r := &Replayer{
		source:   opts.Source,
		pipeline: opts.Pipeline,
		ids:      opts.IDs,
		log:      opts.Logger,
		now:      time.Now,
	}
	if r.log == nil {
		r.log = logging.Nop()
	}
	return r
}

// Replay re-issues the request with the given id as a new record with a fresh
// id and timestamp. The original record is left untouched. It waits for the
// forward to resolve and returns the resolved new record; a forwarding
// failure is reported on that record, not as an error.
func (r *Replayer) Replay(ctx context.Context, originalID string) (capture.StoredRequest, error) {
	original, err := r.source.Get(originalID)
	if err != nil {
		return capture.StoredRequest{}, err
	}

	next := Copy(original, r.ids.Next(), r.now())
	r.log.Info("replaying request", "original", originalID, "id", next.ID,
		"method", next.Method, "url", next.URL)

	res, err := r.pipeline.Run(ctx, next)
	if err != nil {
		return capture.StoredRequest{}, err
	}
	return res.Request, nil
}

// Copy returns a pending record carrying the method, url, headers, query and
// payload of rec under a new id and timestamp.
func Copy(rec capture.StoredRequest, newID string, at time.Time) capture.StoredRequest {
	out := capture.StoredRequest{
		ID:        newID,
		Method:    rec.Method,
		URL:       rec.URL,
		Headers:   maps.Clone(rec.Headers),
		Query:     maps.Clone(rec.Query),
		Payload:   rec.Payload,
		IP:        rec.IP,
		Timestamp: at,
	}
	if mp, ok := rec.Payload.(capture.MultipartBody); ok {
		out.Payload = capture.Multipart(slices.Clone(mp.Fields))
	}
	return out
}
