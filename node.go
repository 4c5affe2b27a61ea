// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package quad

import (
	"errors"
	"expvar"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/creachadair/quad/link"
)

// A Node is one cell of a process grid. It owns exactly four peers,
// one per side, the accumulator and backup registers, and the memory
// of which side last completed an ANY transfer. A node is constructed
// once per process and lives for the process lifetime; peers are
// never recreated or rebalanced.
//
// One goroutine drives all four peers sequentially; the methods of a
// Node are not safe for concurrent use. Read and Write may block
// indefinitely on a neighbor.
type Node struct {
	peers [numSides]*Peer
	acc   int32
	bak   int32

	last    Side
	hasLast bool
}

// Config gives the construction inputs for a node: the process ID of
// the neighbor on each side, zero if the side has no neighbor, and the
// first descriptor number available after the standard streams
// (ordinarily 3).
type Config struct {
	Left, Right, Up, Down int // neighbor process IDs, 0 for none
	Base                  int // base descriptor number for channel blocks
}

func (c Config) pid(s Side) int {
	switch s {
	case Left:
		return c.Left
	case Right:
		return c.Right
	case Up:
		return c.Up
	case Down:
		return c.Down
	}
	return 0
}

// New constructs a node per cfg. For each side with a neighbor PID the
// node attaches to the channel that neighbor originated; for the rest
// it originates fresh channels for later neighbors to attach to. Any
// failure to establish a channel, including a descriptor landing
// outside its block, is a misconfigured topology; the returned error
// is not recoverable and the process should abort before any protocol
// traffic.
func New(cfg Config) (*Node, error) {
	n := new(Node)
	for _, s := range sides {
		var ch *link.Channel
		var err error
		if pid := cfg.pid(s); pid > 0 {
			ch, err = link.Attach(pid, int(s), int(s.Opposite()), cfg.Base)
		} else {
			ch, err = link.Originate(int(s), cfg.Base)
		}
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("%v channel: %w", s, err)
		}
		n.peers[s] = NewPeer(ch)
	}
	return n, nil
}

// Assemble constructs a node from explicitly constructed peers, for
// assemblies where the descriptor layout convention does not apply,
// such as tests and in-process grids. Sides given a nil peer receive a
// dangling channel with no partner, matching the behavior of an
// originated channel no neighbor has attached to.
func Assemble(left, right, up, down *Peer) (*Node, error) {
	n := new(Node)
	given := [numSides]*Peer{Left: left, Right: right, Up: up, Down: down}
	for _, s := range sides {
		p := given[s]
		if p == nil {
			ch, err := link.Dangling()
			if err != nil {
				n.Close()
				return nil, fmt.Errorf("%v channel: %w", s, err)
			}
			p = NewPeer(ch)
		}
		n.peers[s] = p
	}
	return n, nil
}

// Close releases the descriptors of all the node's peers.
func (n *Node) Close() error {
	var errs []error
	for _, p := range n.peers {
		if p != nil {
			errs = append(errs, p.Close())
		}
	}
	return errors.Join(errs...)
}

// Peer returns the node's peer for side s.
func (n *Node) Peer(s Side) *Peer { return n.peers[s] }

// Last reports the side that most recently completed an ANY transfer,
// if any transfer has completed.
func (n *Node) Last() (Side, bool) { return n.last, n.hasLast }

// Metrics returns the protocol activity counters. Metrics are shared
// by all nodes and peers in the process.
func (n *Node) Metrics() *expvar.Map { return peerMetrics.emap }

// LogTokens registers a callback invoked for every protocol token
// exchanged with a neighbor, before the token is interpreted. Passing
// nil disables token logging.
func (n *Node) LogTokens(f TokenLogger) {
	for _, s := range sides {
		if f == nil {
			n.peers[s].tlog = nil
			continue
		}
		n.peers[s].tlog = func(text string, sent bool) {
			f(TokenInfo{Side: s, Text: text, Sent: sent})
		}
	}
}

// A TokenInfo describes one protocol token exchanged with a neighbor.
type TokenInfo struct {
	Side Side   // the side whose channel carried the token
	Text string // the token, without its line terminator
	Sent bool   // whether the token was sent (true) or received (false)
}

func (t TokenInfo) String() string {
	dir := "recv"
	if t.Sent {
		dir = "send"
	}
	return fmt.Sprintf("%s %v %q", dir, t.Side, t.Text)
}

// A TokenLogger logs a protocol token exchanged with a neighbor.
type TokenLogger func(TokenInfo)

// Write stores or delivers v as addressed by r: ACC and BAK store it,
// NIL and unresolved LAST discard it, a port register delivers it to
// that side's neighbor, and ANY delivers it to whichever neighbor
// becomes ready to read first. Write blocks until delivery completes.
func (n *Node) Write(v int32, r Register) error {
	switch r {
	case Acc:
		n.acc = v
		return nil
	case Bak:
		n.bak = v
		return nil
	case Nil:
		return nil
	case Any:
		return n.writeAny(v)
	}
	s, ok := n.resolve(r)
	if !ok {
		return nil // unresolved LAST: discard
	}
	if err := n.peers[s].Send(v); err != nil {
		return fmt.Errorf("%v: %w", s, err)
	}
	return nil
}

// Read returns the value addressed by r: the stored value for ACC and
// BAK, zero for NIL and unresolved LAST, the next value from that
// side's neighbor for a port register, and the first value any
// neighbor supplies for ANY. Read blocks until a value is available.
func (n *Node) Read(r Register) (int32, error) {
	switch r {
	case Acc:
		return n.acc, nil
	case Bak:
		return n.bak, nil
	case Nil:
		return 0, nil
	case Any:
		return n.readAny()
	}
	s, ok := n.resolve(r)
	if !ok {
		return 0, nil // unresolved LAST reads as zero
	}
	v, err := n.peers[s].Read()
	if err != nil {
		return 0, fmt.Errorf("%v: %w", s, err)
	}
	return v, nil
}

// resolve maps a port or LAST register to a concrete side. It reports
// false for LAST before any ANY transfer has completed, and panics on
// a register that is not a port and not LAST.
func (n *Node) resolve(r Register) (Side, bool) {
	if r == Last {
		return n.last, n.hasLast
	}
	if s, ok := r.port(); ok {
		return s, true
	}
	panic(fmt.Sprintf("invalid register %v", r))
}

func (n *Node) setLast(s Side) { n.last, n.hasLast = s, true }

// writeAny delivers v to whichever neighbor is ready to read first.
// Peers whose read requests have already been observed are tried
// before waiting on descriptor readiness. No side is preferred beyond
// the fixed slot scan order.
func (n *Node) writeAny(v int32) error {
	for _, s := range sides {
		if !n.peers[s].WantsRead() {
			continue
		}
		ok, err := n.peers[s].TrySend(v)
		if err != nil {
			return fmt.Errorf("%v: %w", s, err)
		}
		if ok {
			n.setLast(s)
			return nil
		}
	}
	for {
		ready, err := n.waitReady()
		if err != nil {
			return err
		}
		for _, s := range sides {
			if !ready[s] {
				continue
			}
			ok, err := n.peers[s].TrySend(v)
			if err != nil {
				return fmt.Errorf("%v: %w", s, err)
			}
			if ok {
				n.setLast(s)
				return nil
			}
			// The readiness was consumed by a token that did not
			// complete a send, such as a stray retracted-request
			// value. Wait again.
		}
	}
}

// readAny requests a value from all four neighbors and returns the
// first one delivered, retracting the requests of the losing sides.
func (n *Node) readAny() (int32, error) {
	for {
		for _, s := range sides {
			if err := n.peers[s].RequestRead(); err != nil {
				return 0, fmt.Errorf("%v: %w", s, err)
			}
		}
		ready, err := n.waitReady()
		if err != nil {
			return 0, err
		}
		for _, s := range sides {
			if !ready[s] {
				continue
			}
			v, ok, err := n.peers[s].FinishRead()
			if err != nil {
				return 0, fmt.Errorf("%v: %w", s, err)
			}
			if !ok {
				continue
			}
			n.setLast(s)
			for _, t := range sides {
				if err := n.peers[t].CancelRead(); err != nil {
					return 0, fmt.Errorf("%v: %w", t, err)
				}
			}
			return v, nil
		}
	}
}

// waitReady blocks until at least one peer's inbound channel has a
// token available, and reports which sides are ready. Bytes already
// buffered in a peer's line reader count as readiness without waiting,
// since poll cannot see them. The wait is retried transparently when
// interrupted by a signal.
func (n *Node) waitReady() ([numSides]bool, error) {
	var ready [numSides]bool
	var any bool
	for _, s := range sides {
		if n.peers[s].buffered() > 0 {
			ready[s], any = true, true
		}
	}
	if any {
		return ready, nil
	}

	var pfds [numSides]unix.PollFd
	for _, s := range sides {
		pfds[s] = unix.PollFd{Fd: int32(n.peers[s].inFD), Events: unix.POLLIN}
	}
	for {
		if _, err := unix.Poll(pfds[:], -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return ready, fmt.Errorf("poll: %w", err)
		}
		break
	}
	for _, s := range sides {
		// POLLHUP and POLLERR are surfaced so the subsequent read can
		// fail loudly instead of the wait spinning on them.
		if pfds[s].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready[s] = true
		}
	}
	return ready, nil
}
