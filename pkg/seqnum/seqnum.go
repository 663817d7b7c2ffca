// Package seqnum adds a three-way comparison to netstack's sequence numbers.
package seqnum

import (
	"strconv"

	"github.com/google/netstack/tcpip/seqnum"
)

// Ordering is the result of comparing two sequence numbers.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "Less"
	case Equal:
		return "Equal"
	case Greater:
		return "Greater"
	default:
		return "Ordering(" + strconv.Itoa(int(o)) + ")"
	}
}

// Compare orders a and b by the sign of their 32-bit difference, so a value
// just past the wrap point is still greater than one just before it.
func Compare(a, b seqnum.Value) Ordering {
	switch {
	case a.LessThan(b):
		return Less
	case a == b:
		return Equal
	default:
		return Greater
	}
}
