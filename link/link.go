// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package link establishes the pipe channels that connect a node to
// its neighbors.
//
// Each side of a node owns a block of four consecutive file
// descriptors forming one bidirectional channel. The node that
// originates a link creates both pipes; its neighbor attaches to the
// same pipes by opening the originator's descriptors by position via
// the /proc filesystem. No message exchange is needed to establish a
// link: correctness relies entirely on both processes honoring the
// same positional convention.
package link

import (
	"errors"
	"fmt"
	"os"
)

// BlockSize is the number of descriptors in the block owned by one
// side of a node.
const BlockSize = 4

// Offset returns the first descriptor number of the block for the
// given side slot. The base is the first descriptor available after
// the standard streams, ordinarily 3.
func Offset(slot, base int) int { return slot*BlockSize + base }

// A Channel is one end of a bidirectional link to a neighbor. It owns
// four descriptors: the write end of the outbound pipe, the read end
// of the inbound pipe, and the two remaining pipe ends, which are
// retained for the life of the channel so the neighbor never observes
// a premature close of its side.
type Channel struct {
	in, out *os.File
	keep    [2]*os.File // the unused pipe ends, held open intentionally
}

// In returns the read end of the inbound pipe.
func (c *Channel) In() *os.File { return c.in }

// Out returns the write end of the outbound pipe.
func (c *Channel) Out() *os.File { return c.out }

// Close releases all the descriptors owned by the channel.
func (c *Channel) Close() error {
	var errs []error
	for _, f := range []*os.File{c.in, c.out, c.keep[0], c.keep[1]} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

// Originate creates a fresh channel for the given side slot, making
// this process the origin of the link. Both pipes are created locally
// and verified against the block layout; a mismatch means the
// descriptor table was not in the canonical state and is reported as
// an error with no way to recover.
func Originate(slot, base int) (*Channel, error) {
	ch, err := Dangling()
	if err != nil {
		return nil, err
	}
	if err := ch.checkLayout(slot, base); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Attach opens the four descriptors of a channel the neighbor process
// with the given PID already originated. The neighbor holds its end of
// the link at mslot, the mirror of slot, so its output pipe is our
// input pipe and vice versa. The descriptors land in our own block for
// slot, which is verified exactly as for an originated channel.
func Attach(pid, slot, mslot, base int) (*Channel, error) {
	m := Offset(mslot, base)

	// Open in block order so the descriptors land at slot's block:
	// output-read, output-write, input-read, input-write.
	var opened []*os.File
	fail := func(err error) (*Channel, error) {
		for _, f := range opened {
			f.Close()
		}
		return nil, err
	}
	open := func(fd, flag int) (*os.File, error) {
		f, err := openFD(pid, fd, flag)
		if err == nil {
			opened = append(opened, f)
		}
		return f, err
	}

	outR, err := open(m+2, os.O_RDONLY)
	if err != nil {
		return fail(err)
	}
	outW, err := open(m+3, os.O_WRONLY)
	if err != nil {
		return fail(err)
	}
	inR, err := open(m+0, os.O_RDONLY)
	if err != nil {
		return fail(err)
	}
	inW, err := open(m+1, os.O_WRONLY)
	if err != nil {
		return fail(err)
	}

	ch := &Channel{in: inR, out: outW, keep: [2]*os.File{outR, inW}}
	if err := ch.checkLayout(slot, base); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Dangling returns a channel with no partner on the other end, exempt
// from the block layout convention. Reads never yield data and never
// observe end of stream; writes accumulate in the pipe. It stands in
// for an originated channel no neighbor has attached to.
func Dangling() (*Channel, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("create input pipe: %w", err)
	}
	return &Channel{in: inR, out: outW, keep: [2]*os.File{outR, inW}}, nil
}

// Loopback returns a connected pair of channels within this process:
// tokens written on a arrive on b and vice versa. Loopback channels
// are exempt from the block layout convention. They support testing
// and in-process assemblies where no neighbor process exists.
func Loopback() (a, b *Channel, err error) {
	r1, w1, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	r2, w2, err := os.Pipe()
	if err != nil {
		r1.Close()
		w1.Close()
		return nil, nil, err
	}
	return &Channel{in: r2, out: w1}, &Channel{in: r1, out: w2}, nil
}

// openFD opens descriptor fd of process pid through /proc, read-only
// or write-only as flag directs.
func openFD(pid, fd, flag int) (*os.File, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/fd/%d", pid, fd), flag, 0)
	if err != nil {
		return nil, fmt.Errorf("attach pid %d: %w", pid, err)
	}
	return f, nil
}

// checkLayout verifies that the channel's descriptors occupy exactly
// the block for slot, in block order.
func (c *Channel) checkLayout(slot, base int) error {
	want := Offset(slot, base)
	for i, f := range []*os.File{c.keep[0], c.out, c.in, c.keep[1]} {
		if got := int(f.Fd()); got != want+i {
			return fmt.Errorf("descriptor out of position: got %d, want %d", got, want+i)
		}
	}
	return nil
}
