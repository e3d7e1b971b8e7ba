// Package cli implements the interceptor command line.
//
// The root command starts two listeners: the interceptor, which captures and
// forwards client traffic, and the management API. Both stop gracefully on
// SIGINT or SIGTERM.
package cli
