package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLokiBatchSize     = 100
	defaultLokiFlushInterval = 5 * time.Second
)

// LokiHandler is a slog.Handler that pushes records to Loki in batches.
// Handlers derived through WithAttrs and WithGroup share one batch, so a
// single Close flushes everything.
type LokiHandler struct {
	sink   *lokiSink
	level  slog.Level
	attrs  []slog.Attr
	prefix string
}

type lokiSink struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration

	mu    sync.Mutex
	batch [][]string

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// LokiOption configures a LokiHandler.
type LokiOption func(*LokiHandler)

// WithLokiLabels adds stream labels.
func WithLokiLabels(labels map[string]string) LokiOption {
	return func(h *LokiHandler) {
		maps.Copy(h.sink.labels, labels)
	}
}

// WithLokiLevel sets the minimum log level.
func WithLokiLevel(level slog.Level) LokiOption {
	return func(h *LokiHandler) {
		h.level = level
	}
}

// WithLokiBatchSize sets how many records are buffered before a push.
func WithLokiBatchSize(size int) LokiOption {
	return func(h *LokiHandler) {
		if size > 0 {
			h.sink.batchSize = size
		}
	}
}

// WithLokiFlushInterval sets how often buffered records are pushed.
func WithLokiFlushInterval(d time.Duration) LokiOption {
	return func(h *LokiHandler) {
		if d > 0 {
			h.sink.interval = d
		}
	}
}

// WithLokiClient sets the HTTP client used for pushes.
func WithLokiClient(c *http.Client) LokiOption {
	return func(h *LokiHandler) {
		if c != nil {
			h.sink.client = c
		}
	}
}

// NewLokiHandler creates a Loki handler for the given push endpoint
// (e.g. "http://localhost:3100/loki/api/v1/push").
func NewLokiHandler(url string, opts ...LokiOption) *LokiHandler {
	h := &LokiHandler{
		sink: &lokiSink{
			url:       url,
			labels:    map[string]string{"job": "interceptor"},
			client:    &http.Client{Timeout: 5 * time.Second},
			batchSize: defaultLokiBatchSize,
			interval:  defaultLokiFlushInterval,
			stop:      make(chan struct{}),
			done:      make(chan struct{}),
		},
		level: slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.sink.loop()
	return h
}

// Enabled implements slog.Handler.
func (h *LokiHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *LokiHandler) Handle(_ context.Context, r slog.Record) error {
	line, err := h.format(r)
	if err != nil {
		return err
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	if h.sink.add([]string{strconv.FormatInt(ts.UnixNano(), 10), line}) {
		go func() { _ = h.sink.flush() }()
	}
	return nil
}

func (h *LokiHandler) format(r slog.Record) (string, error) {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time.Format(time.RFC3339Nano),
	}
	for _, a := range h.attrs {
		addAttr(data, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(data, h.prefix, a)
		return true
	})

	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding loki line: %w", err)
	}
	return string(b), nil
}

// addAttr flattens groups into dotted keys.
func addAttr(data map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			addAttr(data, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	if err, ok := v.Any().(error); ok {
		data[prefix+a.Key] = err.Error()
		return
	}
	data[prefix+a.Key] = v.Any()
}

// WithAttrs implements slog.Handler.
func (h *LokiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	qualified := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	qualified = append(qualified, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		qualified = append(qualified, a)
	}
	return &LokiHandler{sink: h.sink, level: h.level, attrs: qualified, prefix: h.prefix}
}

// WithGroup implements slog.Handler.
func (h *LokiHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	return &LokiHandler{sink: h.sink, level: h.level, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// Flush pushes all buffered records to Loki.
func (h *LokiHandler) Flush() error {
	return h.sink.flush()
}

// Close stops the background flusher and pushes what remains.
func (h *LokiHandler) Close() error {
	h.sink.stopOnce.Do(func() {
		close(h.sink.stop)
		<-h.sink.done
	})
	return h.sink.flush()
}

// add buffers a value and reports whether the batch is full.
func (s *lokiSink) add(value []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, value)
	return len(s.batch) >= s.batchSize
}

func (s *lokiSink) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.flush()
		}
	}
}

func (s *lokiSink) flush() error {
	s.mu.Lock()
	values := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(values) == 0 {
		return nil
	}

	body, err := json.Marshal(lokiPush{Streams: []lokiStream{{Stream: s.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("encoding loki push: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki returned status %d", resp.StatusCode)
	}
	return nil
}
