// Package rpc defines the wire message model shared by the broker and the
// client runtime: calls, responses, cancellations, results and error kinds.
package rpc

import "fmt"

// ClientID identifies one connection to the broker for the broker's
// lifetime. Slot is the index into the bridge's connection table; Serial
// is bumped every time a slot is reused so a recycled slot can never be
// confused with its predecessor.
type ClientID struct {
	Serial uint64
	Slot   uint32
}

func (c ClientID) String() string {
	return fmt.Sprintf("client(%d/%d)", c.Serial, c.Slot)
}

// IsZero reports whether c is the zero value, used as a "no client" marker
// in places that need an optional ClientID without an extra bool.
func (c ClientID) IsZero() bool {
	return c == ClientID{}
}
