package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Errors returned while loading a config file.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
)

// Environment variables read by ApplyEnv.
const (
	EnvConfig       = "INTERCEPTOR_CONFIG"
	EnvTarget       = "INTERCEPTOR_TARGET"
	EnvPort         = "INTERCEPTOR_PORT"
	EnvAPIPort      = "INTERCEPTOR_API_PORT"
	EnvScratchDir   = "INTERCEPTOR_SCRATCH_DIR"
	EnvTimeout      = "INTERCEPTOR_TIMEOUT"
	EnvLogLevel     = "INTERCEPTOR_LOG_LEVEL"
	EnvLogFormat    = "INTERCEPTOR_LOG_FORMAT"
	EnvLokiURL      = "INTERCEPTOR_LOKI_URL"
	EnvCurlBaseURL  = "INTERCEPTOR_CURL_BASE_URL"
	EnvIDFormat     = "INTERCEPTOR_ID_FORMAT"
	EnvMaxBodyBytes = "INTERCEPTOR_MAX_BODY_BYTES"
)

// DiscoveryOrder lists the file names looked for in the working directory.
var DiscoveryOrder = []string{
	"interceptor.yaml",
	"interceptor.yml",
	".interceptor.yaml",
	".interceptor.yml",
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvVars expands ${VAR_NAME} and ${VAR_NAME:-default} in input.
// An unset or empty variable without a default expands to "".
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		if val := os.Getenv(sub[1]); val != "" {
			return val
		}
		if len(sub) >= 3 {
			return sub[2]
		}
		return ""
	})
}

// Load builds a config from defaults, the YAML file at path and the
// environment. An empty path falls back to INTERCEPTOR_CONFIG and then to
// DiscoveryOrder; finding no file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		discovered, err := Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes applies a YAML document on top of the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	expanded := ExpandEnvVars(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return nil
}

// Discover returns the config file to load, or "" if there is none.
func Discover() (string, error) {
	if envPath := os.Getenv(EnvConfig); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("%w: %s points to %s", ErrFileNotFound, EnvConfig, envPath)
		}
		return envPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	for _, name := range DiscoveryOrder {
		p := filepath.Join(cwd, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvTarget, &c.Target)
	str(EnvScratchDir, &c.ScratchDir)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)
	str(EnvLokiURL, &c.Log.LokiURL)
	str(EnvCurlBaseURL, &c.CurlBaseURL)
	str(EnvIDFormat, &c.IDFormat)

	ints := []struct {
		key string
		dst *int
	}{
		{EnvPort, &c.InterceptorPort},
		{EnvAPIPort, &c.APIPort},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, e.key, v)
		}
		*e.dst = n
	}

	if v, ok := lookup(EnvMaxBodyBytes); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, EnvMaxBodyBytes, v)
		}
		c.MaxBodyBytes = n
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, EnvTimeout, v, err)
		}
		c.ForwardTimeout = d
	}
	return nil
}
