// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package link_test

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"github.com/creachadair/quad/link"
)

func TestOffset(t *testing.T) {
	tests := []struct {
		slot, base int
		want       int
	}{
		{0, 3, 3},
		{1, 3, 7},
		{2, 3, 11},
		{3, 3, 15},
		{0, 10, 10},
		{3, 0, 12},
	}
	for _, tc := range tests {
		if got := link.Offset(tc.slot, tc.base); got != tc.want {
			t.Errorf("Offset(%d, %d): got %d, want %d", tc.slot, tc.base, got, tc.want)
		}
	}
}

// nextFD reports the lowest descriptor number the process will assign
// next, by briefly opening a probe pipe.
func nextFD(t *testing.T) int {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Probe pipe: %v", err)
	}
	fd := int(r.Fd())
	r.Close()
	w.Close()
	return fd
}

func TestOriginateLayout(t *testing.T) {
	fd := nextFD(t)

	// Choose a base placing slot 1's block exactly at the next free
	// descriptors, so origination must succeed.
	ch, err := link.Originate(1, fd-link.BlockSize)
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if got := int(ch.Out().Fd()); got != fd+1 {
		t.Errorf("Output descriptor: got %d, want %d", got, fd+1)
	}
	if got := int(ch.In().Fd()); got != fd+2 {
		t.Errorf("Input descriptor: got %d, want %d", got, fd+2)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOriginateMismatch(t *testing.T) {
	fd := nextFD(t)

	// A block one descriptor off from where the pipes will land is a
	// fatal configuration error.
	ch, err := link.Originate(0, fd+1)
	if err == nil {
		ch.Close()
		t.Fatal("Originate: got nil error, want layout mismatch")
	}
	if !strings.Contains(err.Error(), "out of position") {
		t.Errorf("Originate: got %v, want out of position", err)
	}
}

// TestAttach originates a channel and attaches to it through /proc as
// a neighbor would, using this process's own PID, then passes tokens
// across both pipes.
func TestAttach(t *testing.T) {
	fd := nextFD(t)
	base := fd - link.BlockSize // origin occupies slot 1: fd..fd+3

	origin, err := link.Originate(1, base)
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	defer origin.Close()

	// The attached end lands at slot 2 of the same base.
	att, err := link.Attach(os.Getpid(), 2, 1, base)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer att.Close()

	send := func(t *testing.T, w *os.File, s string) {
		t.Helper()
		if _, err := w.WriteString(s + "\n"); err != nil {
			t.Fatalf("Write %q: %v", s, err)
		}
	}
	recv := func(t *testing.T, r *os.File, want string) {
		t.Helper()
		line, err := bufio.NewReader(r).ReadString('\n')
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got := strings.TrimSuffix(line, "\n"); got != want {
			t.Errorf("Read: got %q, want %q", got, want)
		}
	}

	send(t, att.Out(), "GET")
	recv(t, origin.In(), "GET")
	send(t, origin.Out(), "42")
	recv(t, att.In(), "42")
}

func TestAttachNoSuchProcess(t *testing.T) {
	// PID 1 descriptors are not ours to open; any failure must arrive
	// as an error, not a panic.
	if ch, err := link.Attach(1, 0, 1, 1<<20); err == nil {
		ch.Close()
		t.Error("Attach: got nil error, want failure")
	}
}

func TestLoopback(t *testing.T) {
	a, b, err := link.Loopback()
	if err != nil {
		t.Fatalf("Loopback: %v", err)
	}
	defer a.Close()
	defer b.Close()

	if _, err := a.Out().WriteString("ACK\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	line, err := bufio.NewReader(b.In()).ReadString('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if line != "ACK\n" {
		t.Errorf("Read: got %q, want %q", line, "ACK\n")
	}
}
