// Package aof provides the append-only command log.
//
// The on-disk format is plain RESP: one array of bulk strings per write
// command, in its replay-safe form (absolute PXAT deadlines instead of
// relative TTLs). Any RESP parser can replay the file.
//
// Appends flow through a bounded queue to a single writer goroutine. The
// fsync policy decides whether an append blocks until the record is
// durable (always), is made durable once per second (everysec), or is
// left to the OS (no).
package aof
