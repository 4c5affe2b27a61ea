// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package quad

import "fmt"

// A Side identifies one of the four compass-named neighbor directions
// of a node. Its integer value is the side's slot in the descriptor
// layout and in the node's peer array.
type Side int

const (
	Left  Side = 0
	Right Side = 1
	Up    Side = 2
	Down  Side = 3

	numSides = 4
)

// sides lists all sides in slot order, the order arbitration scans them.
var sides = [numSides]Side{Left, Right, Up, Down}

// Opposite returns the side facing s: the side at which a neighbor
// sees the link shared with this node. Opposite is an involution.
func (s Side) Opposite() Side {
	switch s {
	case Left:
		return Right
	case Right:
		return Left
	case Up:
		return Down
	case Down:
		return Up
	default:
		panic(fmt.Sprintf("invalid side %d", int(s)))
	}
}

func (s Side) String() string {
	switch s {
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	default:
		return fmt.Sprintf("SIDE:%d", int(s))
	}
}
