// Package grid provides support code for assembling and testing grids
// of nodes.
package grid

import (
	"errors"

	"github.com/creachadair/quad"
	"github.com/creachadair/quad/link"
	"github.com/creachadair/taskgroup"
)

// NewLink returns a connected pair of peers, one for each end of a
// fresh in-process channel. Tokens sent by a are received by b and
// vice versa.
func NewLink() (a, b *quad.Peer, err error) {
	ca, cb, err := link.Loopback()
	if err != nil {
		return nil, nil, err
	}
	return quad.NewPeer(ca), quad.NewPeer(cb), nil
}

// Local is a pair of in-process connected nodes, suitable for testing:
// the RIGHT side of A is linked to the LEFT side of B. The remaining
// sides of both nodes dangle with no partner.
type Local struct {
	A *quad.Node
	B *quad.Node
}

// NewLocal creates a pair of in-process connected nodes.
func NewLocal() (*Local, error) {
	ar, bl, err := NewLink()
	if err != nil {
		return nil, err
	}
	a, err := quad.Assemble(nil, ar, nil, nil)
	if err != nil {
		return nil, err
	}
	b, err := quad.Assemble(bl, nil, nil, nil)
	if err != nil {
		a.Close()
		return nil, err
	}
	return &Local{A: a, B: b}, nil
}

// Close releases the descriptors held by both nodes.
func (l *Local) Close() error {
	return errors.Join(l.A.Close(), l.B.Close())
}

// Run invokes fa on node A and fb on node B, each in its own
// goroutine, standing in for the two node processes of a real grid.
// It blocks until both have returned and reports the first error.
func (l *Local) Run(fa, fb func(*quad.Node) error) error {
	g := taskgroup.New(nil)
	g.Go(func() error { return fa(l.A) })
	g.Go(func() error { return fb(l.B) })
	return g.Wait()
}
