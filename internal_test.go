package quad

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/quad/link"
	"github.com/google/go-cmp/cmp"
)

// testPeer is a peer whose neighbor end is driven by hand: the test
// writes tokens the peer will receive via feed, and verifies tokens
// the peer sent via expect.
type testPeer struct {
	*Peer
	far *link.Channel
	in  *bufio.Reader
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	near, far, err := link.Loopback()
	if err != nil {
		t.Fatalf("Loopback: %v", err)
	}
	p := NewPeer(near)
	t.Cleanup(func() { p.Close(); far.Close() })
	return &testPeer{Peer: p, far: far, in: bufio.NewReader(far.In())}
}

func (p *testPeer) feed(t *testing.T, tokens ...string) {
	t.Helper()
	for _, tok := range tokens {
		if _, err := p.far.Out().WriteString(tok + "\n"); err != nil {
			t.Fatalf("Feed %q: %v", tok, err)
		}
	}
}

func (p *testPeer) expect(t *testing.T, tokens ...string) {
	t.Helper()
	got := readTokens(t, p.in, len(tokens))
	if diff := cmp.Diff(tokens, got); diff != "" {
		t.Fatalf("Sent tokens (-want, +got):\n%s", diff)
	}
}

func readTokens(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Read token: %v", err)
		}
		out = append(out, strings.TrimSuffix(line, "\n"))
	}
	return out
}

func TestSideOpposite(t *testing.T) {
	for _, s := range sides {
		o := s.Opposite()
		if o == s {
			t.Errorf("%v.Opposite() = %v, want a different side", s, o)
		}
		if got := o.Opposite(); got != s {
			t.Errorf("%v.Opposite().Opposite() = %v, want %v", s, got, s)
		}
	}
	mtest.MustPanic(t, func() { Side(9).Opposite() })
}

func TestRegisterNames(t *testing.T) {
	tests := []struct {
		reg  Register
		want string
	}{
		{Acc, "ACC"},
		{Bak, "BAK"},
		{Nil, "NIL"},
		{Any, "ANY"},
		{Last, "LAST"},
		{Port(Left), "LEFT"},
		{Port(Right), "RIGHT"},
		{Port(Up), "UP"},
		{Port(Down), "DOWN"},
	}
	for _, tc := range tests {
		if got := tc.reg.String(); got != tc.want {
			t.Errorf("String: got %q, want %q", got, tc.want)
		}
	}
}

func TestRequestIsIdempotent(t *testing.T) {
	p := newTestPeer(t)

	for i := 0; i < 3; i++ {
		if err := p.RequestRead(); err != nil {
			t.Fatalf("RequestRead: %v", err)
		}
	}
	if err := p.CancelRead(); err != nil {
		t.Fatalf("CancelRead: %v", err)
	}

	// Repeated requests must produce exactly one GET, so the
	// retraction is the very next token on the wire.
	p.expect(t, "GET", "NAK")
}

func TestCancelBookkeeping(t *testing.T) {
	p := newTestPeer(t)

	if err := p.RequestRead(); err != nil {
		t.Fatalf("RequestRead: %v", err)
	}
	if err := p.CancelRead(); err != nil {
		t.Fatalf("CancelRead: %v", err)
	}
	if p.cancelledGets != 1 {
		t.Errorf("Cancelled gets: got %d, want 1", p.cancelledGets)
	}

	// The neighbor committed 7 to the retracted request. A send
	// attempt must absorb it without treating it as a request, and the
	// counter must return to zero.
	p.feed(t, "7")
	ok, err := p.TrySend(5)
	if err != nil {
		t.Fatalf("TrySend: %v", err)
	}
	if ok {
		t.Error("TrySend: delivery reported for a stray value")
	}
	if p.cancelledGets != 0 {
		t.Errorf("Cancelled gets: got %d, want 0", p.cancelledGets)
	}

	// A later real exchange is undisturbed.
	p.feed(t, "GET", "ACK")
	if err := p.Send(5); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p.expect(t, "GET", "NAK", "5")
}

func TestReadContention(t *testing.T) {
	p := newTestPeer(t)

	if err := p.RequestRead(); err != nil {
		t.Fatalf("RequestRead: %v", err)
	}

	// The neighbor requested in the same instant. The attempt must not
	// complete, and the neighbor's request is recorded.
	p.feed(t, "GET")
	if _, ok, err := p.FinishRead(); err != nil || ok {
		t.Fatalf("FinishRead: got ok=%v, err=%v; want a retry", ok, err)
	}
	if !p.WantsRead() {
		t.Error("WantsRead is false after a colliding request")
	}

	// The neighbor backs off; the attempt still must not complete.
	p.feed(t, "NAK")
	if _, ok, err := p.FinishRead(); err != nil || ok {
		t.Fatalf("FinishRead: got ok=%v, err=%v; want a retry", ok, err)
	}
	if p.WantsRead() {
		t.Error("WantsRead is true after the neighbor retracted")
	}

	// The neighbor then supplies a value, completing our request.
	p.feed(t, "9")
	v, ok, err := p.FinishRead()
	if err != nil || !ok {
		t.Fatalf("FinishRead: got ok=%v, err=%v; want a value", ok, err)
	}
	if v != 9 {
		t.Errorf("FinishRead: got %d, want 9", v)
	}
	p.expect(t, "GET", "ACK")
}

func TestStateMisuse(t *testing.T) {
	p := newTestPeer(t)

	mtest.MustPanic(t, func() { p.FinishRead() })

	if err := p.RequestRead(); err != nil {
		t.Fatalf("RequestRead: %v", err)
	}
	mtest.MustPanic(t, func() { p.TrySend(1) })
}

func TestProtocolViolation(t *testing.T) {
	check := func(t *testing.T, err error, state, token string) {
		t.Helper()
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("Got error %v, want a *ProtocolError", err)
		}
		if perr.State != state || perr.Token != token {
			t.Errorf("Got violation (%q, %q), want (%q, %q)", perr.State, perr.Token, state, token)
		}
	}

	t.Run("AwaitRequest", func(t *testing.T) {
		p := newTestPeer(t)
		p.feed(t, "WAT")
		_, err := p.TrySend(3)
		check(t, err, "await request", "WAT")
	})
	t.Run("AwaitReply", func(t *testing.T) {
		p := newTestPeer(t)
		p.feed(t, "GET", "WAT")
		_, err := p.TrySend(3)
		check(t, err, "await reply", "WAT")
	})
	t.Run("AwaitValue", func(t *testing.T) {
		p := newTestPeer(t)
		p.feed(t, "BOGUS")
		if err := p.RequestRead(); err != nil {
			t.Fatalf("RequestRead: %v", err)
		}
		_, _, err := p.FinishRead()
		check(t, err, "await value", "BOGUS")
	})
	t.Run("ValueWhileContending", func(t *testing.T) {
		// A bare integer is a valid resolution of a collision only
		// when strays are owed; a NAK without a collision is not.
		p := newTestPeer(t)
		p.feed(t, "NAK")
		if err := p.RequestRead(); err != nil {
			t.Fatalf("RequestRead: %v", err)
		}
		_, _, err := p.FinishRead()
		check(t, err, "await value", "NAK")
	})
}

func TestWriteAnyFastPath(t *testing.T) {
	near, far, err := link.Loopback()
	if err != nil {
		t.Fatalf("Loopback: %v", err)
	}
	n, err := Assemble(nil, NewPeer(near), nil, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	t.Cleanup(func() { n.Close(); far.Close() })

	// Provoke a collision so the RIGHT peer is known to want a value
	// before writeAny runs, then retract our own request.
	if _, err := far.Out().WriteString("GET\n"); err != nil {
		t.Fatal(err)
	}
	p := n.Peer(Right)
	if err := p.RequestRead(); err != nil {
		t.Fatalf("RequestRead: %v", err)
	}
	if _, ok, err := p.FinishRead(); err != nil || ok {
		t.Fatalf("FinishRead: got ok=%v, err=%v; want a retry", ok, err)
	}
	if err := p.CancelRead(); err != nil {
		t.Fatalf("CancelRead: %v", err)
	}
	if !p.WantsRead() {
		t.Fatal("RIGHT peer does not want a value")
	}

	// The fast path must deliver without a readiness wait, and record
	// the side for LAST.
	if _, err := far.Out().WriteString("ACK\n"); err != nil {
		t.Fatal(err)
	}
	if err := n.Write(7, Any); err != nil {
		t.Fatalf("Write ANY: %v", err)
	}
	if s, ok := n.Last(); !ok || s != Right {
		t.Errorf("Last: got (%v, %v), want (RIGHT, true)", s, ok)
	}

	fin := bufio.NewReader(far.In())
	want := []string{"GET", "NAK", "7"}
	if diff := cmp.Diff(want, readTokens(t, fin, len(want))); diff != "" {
		t.Errorf("Sent tokens (-want, +got):\n%s", diff)
	}
}
