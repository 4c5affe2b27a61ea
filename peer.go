// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package quad

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/quad/link"
)

// The protocol alphabet: newline-terminated ASCII tokens. A token is
// one of these keywords or a base-10 signed integer.
const (
	tokenGet = "GET" // the sender wants to read a value
	tokenAck = "ACK" // value accepted
	tokenNak = "NAK" // request declined or retracted
)

// A Peer is this node's end of a bidirectional channel to one
// neighbor, together with the handshake state for that channel. A
// value is transferred only when both ends are simultaneously ready
// (a rendezvous), but either end may initiate first.
//
// The methods of a Peer are not safe for concurrent use: each peer has
// exactly one logical owner, and all coordination with the neighbor
// process happens through the protocol tokens themselves. Send and
// Read may block indefinitely; a stalled neighbor stalls this peer.
type Peer struct {
	ch   *link.Channel
	in   *bufio.Reader
	inFD int

	sentGet       bool // we have an outstanding read request
	gotGet        bool // the neighbor has an unanswered read request
	cancelledGets int  // retracted requests still owed a stray value

	tlog func(text string, sent bool)
}

// NewPeer constructs a peer communicating over ch. The peer takes
// ownership of the channel's descriptors.
func NewPeer(ch *link.Channel) *Peer {
	return &Peer{ch: ch, in: bufio.NewReader(ch.In()), inFD: int(ch.In().Fd())}
}

// Close releases the channel descriptors owned by the peer.
func (p *Peer) Close() error { return p.ch.Close() }

// WantsRead reports whether the neighbor has issued a read request
// this peer has not yet answered.
func (p *Peer) WantsRead() bool { return p.gotGet }

// Send delivers v to the neighbor, blocking until the neighbor has
// accepted it. It must not be called while a read request initiated by
// RequestRead is outstanding, and will panic if it is.
func (p *Peer) Send(v int32) error {
	for {
		ok, err := p.TrySend(v)
		if err != nil || ok {
			return err
		}
	}
}

// TrySend makes one attempt to deliver v to the neighbor. It reports
// true if the neighbor accepted the value. A false result with a nil
// error is not a failure: it means this attempt was consumed by stray
// traffic or declined, and the caller may try again.
//
// TrySend blocks until the neighbor asks for a value, unless the
// neighbor's request has already been observed (WantsRead).
func (p *Peer) TrySend(v int32) (bool, error) {
	if p.sentGet {
		panic("send with a read request outstanding")
	}
	if p.gotGet {
		// The neighbor already asked; no need to wait for a request.
		p.gotGet = false
	} else {
		tok, err := p.readToken()
		if err != nil {
			return false, err
		}
		switch {
		case tok == tokenGet:
			// The neighbor wants a value; proceed.
		case p.cancelledGets > 0 && isValue(tok):
			// A stray value for a request we already retracted.
			p.cancelledGets--
			peerMetrics.strayValue.Add(1)
			return false, nil
		default:
			return false, &ProtocolError{State: "await request", Token: tok}
		}
	}
	if err := p.writeToken(strconv.FormatInt(int64(v), 10)); err != nil {
		return false, err
	}
	tok, err := p.readToken()
	if err != nil {
		return false, err
	}
	switch tok {
	case tokenAck:
		peerMetrics.valueSent.Add(1)
		return true, nil
	case tokenNak:
		return false, nil
	default:
		return false, &ProtocolError{State: "await reply", Token: tok}
	}
}

// Read blocks until the neighbor supplies a value, and returns it.
func (p *Peer) Read() (int32, error) {
	for {
		if err := p.RequestRead(); err != nil {
			return 0, err
		}
		v, ok, err := p.FinishRead()
		if err != nil {
			return 0, err
		}
		if ok {
			return v, nil
		}
	}
}

// RequestRead asks the neighbor for a value. It is a no-op if a
// request is already outstanding.
func (p *Peer) RequestRead() error {
	if p.sentGet {
		return nil
	}
	if err := p.writeToken(tokenGet); err != nil {
		return err
	}
	peerMetrics.getSent.Add(1)
	p.sentGet = true
	return nil
}

// FinishRead consumes the neighbor's next token in service of an
// outstanding read request. It reports (v, true) once a value has been
// accepted. A false result with a nil error means the token did not
// complete the transfer (the neighbor requested a read of its own at
// the same instant, retracted such a request, or delivered a stray
// value for a request this peer already retracted); the caller should
// retry, as the request remains outstanding.
//
// FinishRead panics if no read request is outstanding.
func (p *Peer) FinishRead() (int32, bool, error) {
	if !p.sentGet {
		panic("finish without a read request outstanding")
	}
	tok, err := p.readToken()
	if err != nil {
		return 0, false, err
	}
	switch {
	case tok == tokenGet && !p.gotGet:
		// Both sides requested simultaneously. Record the neighbor's
		// request and back off so the caller retries; symmetric
		// requests must not block each other.
		p.gotGet = true
		peerMetrics.collision.Add(1)
		return 0, false, nil
	case tok == tokenNak && p.gotGet:
		// The neighbor retracted the colliding request.
		p.gotGet = false
		return 0, false, nil
	}
	v, verr := strconv.ParseInt(tok, 10, 32)
	if verr != nil {
		return 0, false, &ProtocolError{State: "await value", Token: tok}
	}
	if p.cancelledGets > 0 {
		// The value answers a request we already retracted.
		p.cancelledGets--
		peerMetrics.strayValue.Add(1)
		return 0, false, nil
	}
	if err := p.writeToken(tokenAck); err != nil {
		return 0, false, err
	}
	p.sentGet = false
	peerMetrics.valueRecv.Add(1)
	return int32(v), true, nil
}

// CancelRead retracts an outstanding read request, typically because
// another peer satisfied a wildcard read first. The neighbor may
// already have committed a value to the request; the peer tracks the
// retraction so that such a stray value is silently absorbed rather
// than misread as a new transfer. CancelRead is a no-op if no request
// is outstanding.
func (p *Peer) CancelRead() error {
	if !p.sentGet {
		return nil
	}
	if err := p.writeToken(tokenNak); err != nil {
		return err
	}
	peerMetrics.getCancelled.Add(1)
	p.cancelledGets++
	p.sentGet = false
	return nil
}

// buffered reports the number of inbound bytes already read from the
// pipe but not yet consumed as tokens. Such bytes are invisible to a
// readiness wait on the raw descriptor.
func (p *Peer) buffered() int { return p.in.Buffered() }

func (p *Peer) readToken() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	tok := strings.TrimSuffix(line, "\n")
	peerMetrics.tokenRecv.Add(1)
	if p.tlog != nil {
		p.tlog(tok, false)
	}
	return tok, nil
}

func (p *Peer) writeToken(tok string) error {
	if p.tlog != nil {
		p.tlog(tok, true)
	}
	if _, err := p.ch.Out().WriteString(tok + "\n"); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	peerMetrics.tokenSent.Add(1)
	return nil
}

// isValue reports whether tok is a well-formed value token.
func isValue(tok string) bool {
	_, err := strconv.ParseInt(tok, 10, 32)
	return err == nil
}

// A ProtocolError reports an inbound token that is not valid in the
// handshake state the peer was in when it arrived. It is protocol
// fatal: the transport is a reliable ordered pipe, so an invalid token
// indicates a bug or a misconfigured link, and the node is expected to
// abort rather than attempt recovery.
type ProtocolError struct {
	State string // the handshake state expecting the token
	Token string // the offending token
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (%s): unexpected token %q", e.State, e.Token)
}
