// Package respserver provides the Redis-wire-compatible TCP server.
//
// Each accepted connection runs in its own goroutine. Commands on one
// connection are strictly serialized: a request is parsed, dispatched to
// completion, and answered before the next is parsed, so per-connection
// ordering holds while connections run concurrently. Pipelining works
// because the decoder yields successive frames from a single buffer fill.
package respserver
