// Package config loads interceptor settings.
//
// Settings are merged from defaults, an optional YAML file, environment
// variables and command-line flags, later sources winning. YAML files may
// reference environment variables with ${VAR} or ${VAR:-default}.
//
// Example file:
//
//	target: http://localhost:8080
//	interceptorPort: 3000
//	apiPort: 3001
//	scratchDir: ./temp
//	forwardTimeout: 60s
//	log:
//	  level: ${LOG_LEVEL:-info}
//	  format: text
package config
