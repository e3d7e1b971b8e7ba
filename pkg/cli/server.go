package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getmockd/interceptor/internal/id"
	"github.com/getmockd/interceptor/pkg/api"
	"github.com/getmockd/interceptor/pkg/config"
	"github.com/getmockd/interceptor/pkg/events"
	"github.com/getmockd/interceptor/pkg/formdata"
	"github.com/getmockd/interceptor/pkg/forward"
	"github.com/getmockd/interceptor/pkg/logging"
	"github.com/getmockd/interceptor/pkg/proxy"
	"github.com/getmockd/interceptor/pkg/replay"
	"github.com/getmockd/interceptor/pkg/scratch"
	"github.com/getmockd/interceptor/pkg/store"
)

const readHeaderTimeout = 10 * time.Second

// Server wires every component together and owns both listeners.
type Server struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *store.Memory
	events *events.Broadcaster

	interceptor *http.Server
	api         *http.Server
}

// NewServer builds the component graph for cfg. The scratch directory is
// emptied here, before anything can be captured.
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = logging.Nop()
	}

	dir, err := scratch.Open(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}
	removed, err := dir.Reset()
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		log.Info("cleared scratch directory", "path", dir.Root(), "removed", removed)
	}

	ids, err := id.New(cfg.IDFormat)
	if err != nil {
		return nil, err
	}

	engine, err := forward.New(forward.Options{
		Target:       cfg.Target,
		Timeout:      cfg.ForwardTimeout,
		MaxRedirects: cfg.MaxRedirects,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       log.With("component", "forward"),
	})
	if err != nil {
		return nil, err
	}

	st := store.NewMemory()
	bc := events.NewBroadcaster(events.Options{
		BufferSize: cfg.EventBuffer,
		Logger:     log.With("component", "events"),
	})
	pipeline := proxy.NewPipeline(proxy.PipelineOptions{
		Store:     st,
		Forwarder: engine,
		Events:    bc,
		Logger:    log.With("component", "pipeline"),
	})

	gateway := proxy.NewGateway(proxy.GatewayOptions{
		Pipeline: pipeline,
		IDs:      ids,
		Decoder: formdata.NewDecoder(formdata.Options{
			Scratch:       dir,
			MaxFieldBytes: cfg.MaxFieldBytes,
			MaxParts:      cfg.MaxParts,
			Logger:        log.With("component", "formdata"),
		}),
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       log.With("component", "gateway"),
	})

	var cors *api.CORSConfig
	if len(cfg.CORSOrigins) > 0 {
		c := api.DefaultCORSConfig()
		c.AllowedOrigins = cfg.CORSOrigins
		cors = &c
	}
	mgmt := api.New(api.Options{
		Store:  st,
		Events: bc,
		Replayer: replay.New(replay.Options{
			Source:   st,
			Pipeline: pipeline,
			IDs:      ids,
			Logger:   log.With("component", "replay"),
		}),
		Scratch:           dir,
		CurlBase:          cfg.CurlBase(),
		CORS:              cors,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Logger:            log.With("component", "api"),
	})

	return &Server{
		cfg:         cfg,
		log:         log,
		store:       st,
		events:      bc,
		interceptor: &http.Server{Handler: gateway, ReadHeaderTimeout: readHeaderTimeout},
		api:         &http.Server{Handler: mgmt.Handler(), ReadHeaderTimeout: readHeaderTimeout},
	}, nil
}

// Run listens on the configured ports and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	interceptorLn, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(s.cfg.InterceptorPort))
	if err != nil {
		return fmt.Errorf("interceptor listener: %w", err)
	}
	apiLn, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(s.cfg.APIPort))
	if err != nil {
		_ = interceptorLn.Close()
		return fmt.Errorf("api listener: %w", err)
	}
	return s.Serve(ctx, interceptorLn, apiLn)
}

// Serve serves both listeners until ctx ends or one of them fails, then
// shuts both down within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, interceptorLn, apiLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	serve := func(name string, srv *http.Server, ln net.Listener) func() error {
		return func() error {
			s.log.Info(name+" listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		}
	}
	g.Go(serve("interceptor", s.interceptor, interceptorLn))
	g.Go(serve("management api", s.api, apiLn))
	s.log.Info("forwarding", "target", s.cfg.Target)

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	s.log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	// Ends event streams, which Shutdown would otherwise wait on.
	s.events.Close()

	apiErr := s.api.Shutdown(ctx)
	interceptorErr := s.interceptor.Shutdown(ctx)
	if err := errors.Join(apiErr, interceptorErr); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("stopped", "captured", s.store.Count())
	return nil
}
