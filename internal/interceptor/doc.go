// Package interceptor implements the request interceptor that sits between a
// map page and its origins. It owns one named cache generation and runs three
// lifecycle operations against it:
//
//   - Install precaches a fixed manifest; any failed fetch fails the install
//     and nothing is written.
//   - Activate deletes every generation other than the current one when the
//     active policy profile asks for it (v2). The v1 profile keeps them.
//   - Fetch classifies each request and serves it from cache, network or both
//     according to the profile's per-class strategy.
//
// Stale-while-revalidate refreshes run in background goroutines tracked by the
// interceptor; Wait blocks until they settle. No timeouts or retries are added
// here: a hung upstream hangs only the request waiting on it.
package interceptor
