package quad

import "fmt"

// A Register names a source or target for a node-level read or write.
// Besides the storage registers (ACC, BAK) and the NIL sink, a
// register may address a specific neighbor port, the ANY wildcard
// port, or LAST, which re-targets whichever side most recently
// completed an ANY transfer.
type Register int

const (
	Acc  Register = iota // the accumulator
	Bak                  // the backup register
	Nil                  // discards writes, reads as zero
	Any                  // whichever neighbor is ready first
	Last                 // the side that last completed an ANY transfer

	portBase // direct ports follow, one per side
)

// Port returns the register addressing the neighbor on side s directly.
func Port(s Side) Register { return portBase + Register(s) }

// port reports whether r is a direct neighbor port, and if so which side.
func (r Register) port() (Side, bool) {
	if r >= portBase && r < portBase+numSides {
		return Side(r - portBase), true
	}
	return 0, false
}

func (r Register) String() string {
	switch r {
	case Acc:
		return "ACC"
	case Bak:
		return "BAK"
	case Nil:
		return "NIL"
	case Any:
		return "ANY"
	case Last:
		return "LAST"
	}
	if s, ok := r.port(); ok {
		return s.String()
	}
	return fmt.Sprintf("REGISTER:%d", int(r))
}
