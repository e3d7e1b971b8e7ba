// Package proxy captures inbound traffic and drives each captured request
// through insert, forward and resolve.
package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/events"
	"github.com/getmockd/interceptor/pkg/logging"
)

// Store is the subset of the request store the pipeline writes to.
type Store interface {
	Insert(rec capture.StoredRequest) error
	Update(id string, o capture.Outcome) error
}

// Forwarder sends a captured request to the target.
type Forwarder interface {
	Do(ctx context.Context, rec capture.StoredRequest) (capture.ResponseRecord, error)
}

// Publisher announces lifecycle events to observers.
type Publisher interface {
	Publish(eventType string, payload any) error
}

// Result is the resolution of one captured request.
type Result struct {
	// Request is the record as resolved, with Response or Error set.
	Request capture.StoredRequest
	// Response is what the caller should see. On a forwarding failure it is
	// the synthesized error response.
	Response capture.ResponseRecord
	// Err is the forwarding failure, if any.
	Err error
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Store     Store
	Forwarder Forwarder
	Events    Publisher
	// Logger for lifecycle diagnostics (nil = no logging).
	Logger *slog.Logger
}

// Pipeline runs the insert, announce, forward, resolve lifecycle shared by
// the capture gateway and replay.
type Pipeline struct {
	store     Store
	forwarder Forwarder
	events    Publisher
	log       *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		store:     opts.Store,
		forwarder: opts.Forwarder,
		events:    opts.Events,
		log:       opts.Logger,
	}
	if p.log == nil {
		p.log = logging.Nop()
	}
	return p
}

// Run inserts rec as pending, announces it, forwards it and records the
// outcome. It returns once forwarding resolved, or early with ctx.Err() if
// ctx ends first; the forward itself is not cancelled by ctx and its outcome
// is still recorded and announced.
func (p *Pipeline) Run(ctx context.Context, rec capture.StoredRequest) (Result, error) {
	rec.Response = nil
	rec.Error = ""
	if err := p.store.Insert(rec); err != nil {
		return Result{}, fmt.Errorf("inserting request: %w", err)
	}
	p.publish(events.TypeNewRequest, rec.Summary())

	done := make(chan Result, 1)
	go func() {
		done <- p.resolve(context.WithoutCancel(ctx), rec)
	}()

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		p.log.Debug("caller went away before forwarding resolved", "id", rec.ID)
		return Result{}, ctx.Err()
	}
}

func (p *Pipeline) resolve(ctx context.Context, rec capture.StoredRequest) Result {
	resp, ferr := p.forwarder.Do(ctx, rec)

	outcome := capture.Resolved(resp)
	if ferr != nil {
		outcome = capture.Failed(ferr.Error())
	}

	if err := p.store.Update(rec.ID, outcome); err != nil {
		p.log.Error("recording outcome failed", "id", rec.ID, "error", err)
	}
	p.publish(events.TypeUpdateRequest, capture.NewUpdate(rec.ID, outcome))

	resolved := rec
	_ = resolved.Apply(outcome)
	return Result{Request: resolved, Response: resp, Err: ferr}
}

func (p *Pipeline) publish(eventType string, payload any) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(eventType, payload); err != nil {
		p.log.Error("publishing event failed", "type", eventType, "error", err)
	}
}
