// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package quad implements the communication layer for a grid of
// compute nodes, each running as its own OS process.
//
// Every node exchanges single int32 values with up to four directional
// neighbors over pairs of pipes, one pipe per direction of each link.
// There is no shared memory and no central coordinator: the only
// coordination mechanism is a line protocol of newline-terminated
// ASCII tokens (GET, ACK, NAK, or a decimal integer) carried on the
// pipes themselves.
//
// # Nodes and peers
//
// The core type defined by this package is the [Node]. A node owns one
// [Peer] per [Side], the accumulator and backup registers, and the
// LAST side memory. Callers address all of these uniformly through a
// [Register]:
//
//	n, err := quad.New(quad.Config{Left: leftPID, Base: 3})
//	if err != nil {
//	   log.Fatalf("Creating node: %v", err)
//	}
//	v, err := n.Read(quad.Any)        // read from whichever side is ready
//	...
//	err = n.Write(v, quad.Port(quad.Right))
//
// A node is single-threaded: one goroutine drives all four peers, and
// reads and writes block until the addressed neighbor participates.
// Concurrency exists only across processes, and the handshake protocol
// exists to keep racing attempts from both ends of a link correct.
//
// # Links
//
// Each link between two nodes is a pair of pipes located by a purely
// positional convention: side slot i of a node owns descriptors
// base+4i through base+4i+3, and a neighbor attaches to the mirrored
// block through /proc without any message exchange. The
// [github.com/creachadair/quad/link] package implements both ends of
// this convention.
//
// # The handshake
//
// A transfer is a rendezvous. The reader sends "GET" and waits; the
// writer waits for a "GET", writes the decimal value, and waits for
// "ACK" (accepted) or "NAK" (declined). Either end may initiate first,
// and two nodes that issue "GET" to each other in the same instant
// both detect the collision and back off to retry rather than
// deadlocking.
//
// The wildcard ANY register multiplexes this handshake across all four
// peers: a wildcard read issues requests to every neighbor, keeps the
// first value delivered, and retracts the other requests with "NAK".
// A neighbor may have already committed a value to a retracted
// request; such stray values are counted and silently absorbed.
//
// # Errors
//
// A token that is not valid in the current handshake state is reported
// as a [*ProtocolError]. Protocol violations and link-setup failures
// are fatal: the transport is a reliable ordered pipe, so they
// indicate a bug or a misconfigured topology, and the process is
// expected to abort. The retry signals internal to the handshake
// (a declined send, an incomplete read attempt) are ordinary results,
// not errors.
//
// # Metrics
//
// Nodes maintain a collection of counters while running, shared by all
// nodes in the process. Use the [Node.Metrics] method to obtain an
// expvar.Map containing:
//
//   - tokens_received: counter of protocol tokens received
//   - tokens_sent: counter of protocol tokens sent
//   - values_sent: counter of values accepted by a neighbor
//   - values_received: counter of values accepted from a neighbor
//   - gets_sent: counter of read requests issued
//   - gets_cancelled: counter of read requests retracted
//   - stray_values_absorbed: counter of values absorbed for retracted requests
//   - read_collisions: counter of simultaneous read requests observed
//
// This package requires Linux: links are established through the
// /proc filesystem and readiness is observed with poll(2).
package quad
