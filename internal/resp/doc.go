// Package resp implements the RESP2 wire protocol, plus the RESP3 map
// type needed for the HELLO 3 reply.
//
// The decoder is streaming: it consumes a caller-owned byte buffer and
// reports how many bytes a complete frame used, so partial reads and
// pipelined requests fall out naturally.
package resp
