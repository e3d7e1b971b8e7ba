package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/getmockd/interceptor/internal/id"
	"github.com/getmockd/interceptor/pkg/logging"
)

// Defaults.
const (
	DefaultInterceptorPort   = 3000
	DefaultAPIPort           = 3001
	DefaultScratchDir        = "./temp"
	DefaultForwardTimeout    = 60 * time.Second
	DefaultMaxRedirects      = 5
	DefaultMaxBodyBytes      = 10 * 1024 * 1024
	DefaultMaxFieldBytes     = 1 << 20
	DefaultMaxParts          = 1000
	DefaultEventBuffer       = 64
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every interceptor setting.
type Config struct {
	// Target is the base URL captured traffic is forwarded to.
	Target string `json:"target" yaml:"target"`

	// InterceptorPort is where client traffic is accepted.
	InterceptorPort int `json:"interceptorPort,omitempty" yaml:"interceptorPort,omitempty"`

	// APIPort serves the management API.
	APIPort int `json:"apiPort,omitempty" yaml:"apiPort,omitempty"`

	// ScratchDir holds uploaded attachments. It is emptied at startup.
	ScratchDir string `json:"scratchDir,omitempty" yaml:"scratchDir,omitempty"`

	// IDFormat selects request identifiers: "ulid" or "uuid".
	IDFormat string `json:"idFormat,omitempty" yaml:"idFormat,omitempty"`

	ForwardTimeout time.Duration `json:"forwardTimeout,omitempty" yaml:"forwardTimeout,omitempty"`
	MaxRedirects   int           `json:"maxRedirects,omitempty" yaml:"maxRedirects,omitempty"`

	// MaxBodyBytes caps captured raw bodies and buffered target responses.
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty" yaml:"maxBodyBytes,omitempty"`

	// MaxFieldBytes caps a single scalar multipart field.
	MaxFieldBytes int64 `json:"maxFieldBytes,omitempty" yaml:"maxFieldBytes,omitempty"`

	// MaxParts caps the number of parts per multipart body.
	MaxParts int `json:"maxParts,omitempty" yaml:"maxParts,omitempty"`

	// EventBuffer is the per-observer event queue length.
	EventBuffer int `json:"eventBuffer,omitempty" yaml:"eventBuffer,omitempty"`

	KeepaliveInterval time.Duration `json:"keepaliveInterval,omitempty" yaml:"keepaliveInterval,omitempty"`
	ShutdownTimeout   time.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`

	// CurlBaseURL is used in generated curl commands. Defaults to the
	// interceptor's own address.
	CurlBaseURL string `json:"curlBaseUrl,omitempty" yaml:"curlBaseUrl,omitempty"`

	// CORSOrigins lists origins allowed to call the management API.
	// Empty allows any origin.
	CORSOrigins []string `json:"corsOrigins,omitempty" yaml:"corsOrigins,omitempty"`

	Log LogConfig `json:"log" yaml:"log"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string            `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string            `json:"format,omitempty" yaml:"format,omitempty"`
	LokiURL    string            `json:"lokiUrl,omitempty" yaml:"lokiUrl,omitempty"`
	LokiLabels map[string]string `json:"lokiLabels,omitempty" yaml:"lokiLabels,omitempty"`
}

// Default returns a config with every default applied and no target.
func Default() *Config {
	return &Config{
		InterceptorPort:   DefaultInterceptorPort,
		APIPort:           DefaultAPIPort,
		ScratchDir:        DefaultScratchDir,
		IDFormat:          id.KindULID,
		ForwardTimeout:    DefaultForwardTimeout,
		MaxRedirects:      DefaultMaxRedirects,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		MaxFieldBytes:     DefaultMaxFieldBytes,
		MaxParts:          DefaultMaxParts,
		EventBuffer:       DefaultEventBuffer,
		KeepaliveInterval: DefaultKeepaliveInterval,
		ShutdownTimeout:   DefaultShutdownTimeout,
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatText),
		},
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Target == "" {
		add("target is required")
	} else if u, err := url.Parse(c.Target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("target %q must be an absolute http or https URL", c.Target)
	}

	if !validPort(c.InterceptorPort) {
		add("interceptorPort %d out of range 1-65535", c.InterceptorPort)
	}
	if !validPort(c.APIPort) {
		add("apiPort %d out of range 1-65535", c.APIPort)
	}
	if c.InterceptorPort == c.APIPort {
		add("interceptorPort and apiPort must differ (both %d)", c.APIPort)
	}

	if strings.TrimSpace(c.ScratchDir) == "" {
		add("scratchDir is required")
	}
	if c.IDFormat != id.KindULID && c.IDFormat != id.KindUUID {
		add("idFormat %q must be %s or %s", c.IDFormat, id.KindULID, id.KindUUID)
	}
	if c.ForwardTimeout <= 0 {
		add("forwardTimeout must be positive")
	}
	if c.MaxRedirects <= 0 {
		add("maxRedirects must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		add("maxBodyBytes must be positive")
	}
	if c.MaxFieldBytes <= 0 {
		add("maxFieldBytes must be positive")
	}
	if c.MaxParts <= 0 {
		add("maxParts must be positive")
	}
	if c.EventBuffer <= 0 {
		add("eventBuffer must be positive")
	}
	if c.KeepaliveInterval <= 0 {
		add("keepaliveInterval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdownTimeout must be positive")
	}
	if c.CurlBaseURL != "" {
		if u, err := url.Parse(c.CurlBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("curlBaseUrl %q must be an absolute URL", c.CurlBaseURL)
		}
	}

	if !logging.ValidLevel(c.Log.Level) {
		add("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != string(logging.FormatText) && f != string(logging.FormatJSON) {
		add("log.format %q must be text or json", c.Log.Format)
	}
	if c.Log.LokiURL != "" {
		if u, err := url.Parse(c.Log.LokiURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("log.lokiUrl %q must be an absolute URL", c.Log.LokiURL)
		}
	}

	return errors.Join(errs...)
}

// Logging converts the log settings for pkg/logging.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	cfg.Format = logging.ParseFormat(c.Log.Format)
	cfg.LokiURL = c.Log.LokiURL
	cfg.LokiLabels = c.Log.LokiLabels
	return cfg
}

// CurlBase returns the base URL for curl commands.
func (c *Config) CurlBase() string {
	if c.CurlBaseURL != "" {
		return c.CurlBaseURL
	}
	return fmt.Sprintf("http://localhost:%d", c.InterceptorPort)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
