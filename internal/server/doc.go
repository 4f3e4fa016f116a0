// Package server hosts the Fiber HTTP service, the request middleware chain,
// the site registry that maps Host headers to upstreams, and the HTTP network
// used by the request interceptor to reach those upstreams. It also assembles
// the interceptor from configuration so cmd entry points and integration
// tests share a single bootstrap path.
package server
