package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/interceptor/pkg/config"
	"github.com/getmockd/interceptor/pkg/logging"
)

var (
	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

type rootFlags struct {
	configPath      string
	target          string
	interceptorPort int
	apiPort         int
	scratchDir      string
	idFormat        string
	logLevel        string
	logFormat       string
	timeout         time.Duration
}

// NewRootCmd builds the interceptor command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootFlags{})
}

func newRootCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interceptor",
		Short: "interceptor is a recording forward proxy",
		Long: `interceptor sits between a client and a target service. Every request is
captured, forwarded to the target and answered with the target's response,
while a management API lists the traffic, streams live updates and replays
captured requests.

Configuration can be provided via flags, environment variables (INTERCEPTOR_*)
or a YAML file (--config, INTERCEPTOR_CONFIG or ./interceptor.yaml).`,
		Example: `  interceptor --target http://localhost:8080
  interceptor --config interceptor.yaml --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true, // We handle errors in Execute()
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.resolve(cmd)
			if err != nil {
				return err
			}

			logCfg := cfg.Logging()
			logCfg.Output = cmd.ErrOrStderr()
			log, closeLogs := logging.Build(logCfg)
			defer func() {
				if err := closeLogs(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: flushing logs: %v\n", err)
				}
			}()

			srv, err := NewServer(cfg, log)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVarP(&f.target, "target", "t", "", "Target base URL to forward to (required)")
	flags.IntVarP(&f.interceptorPort, "interceptor-port", "p", config.DefaultInterceptorPort, "Port for captured traffic")
	flags.IntVar(&f.apiPort, "api-port", config.DefaultAPIPort, "Port for the management API")
	flags.StringVar(&f.scratchDir, "scratch-dir", config.DefaultScratchDir, "Directory for uploaded files (emptied at startup)")
	flags.StringVar(&f.idFormat, "id-format", "ulid", "Request id format: ulid or uuid")
	flags.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")
	flags.DurationVar(&f.timeout, "timeout", config.DefaultForwardTimeout, "Timeout for each forwarded request")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// resolve merges defaults, file, environment and explicitly set flags, and
// validates the result.
func (f *rootFlags) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("target") {
		cfg.Target = f.target
	}
	if flags.Changed("interceptor-port") {
		cfg.InterceptorPort = f.interceptorPort
	}
	if flags.Changed("api-port") {
		cfg.APIPort = f.apiPort
	}
	if flags.Changed("scratch-dir") {
		cfg.ScratchDir = f.scratchDir
	}
	if flags.Changed("id-format") {
		cfg.IDFormat = f.idFormat
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if flags.Changed("timeout") {
		cfg.ForwardTimeout = f.timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the root command until it finishes or a shutdown signal
// arrives. This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
