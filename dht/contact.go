package dht

import (
	"fmt"
	"time"

	"github.com/opd-ai/kadnet/transport"
)

// Contact is a routing table entry. Contacts are values: the table keeps its
// own copies and hands out copies.
type Contact struct {
	ID ID
	// Peer is the connection the contact is reachable through, or
	// transport.NoPeer.
	Peer transport.PeerID
	// LastSeen orders contacts by recency. The zero time marks a contact that
	// was never successfully contacted.
	LastSeen time.Time
}

// NewContact returns a stale, unreachable contact for id.
func NewContact(id ID) Contact {
	return Contact{ID: id}
}

// Stale reports whether the contact was never successfully contacted.
func (c Contact) Stale() bool {
	return c.LastSeen.IsZero()
}

// Reachable reports whether the contact has an open connection.
func (c Contact) Reachable() bool {
	return c.Peer != transport.NoPeer
}

// Same reports whether both contacts name the same node.
func (c Contact) Same(other Contact) bool {
	return c.ID == other.ID
}

func (c Contact) String() string {
	return fmt.Sprintf("%s@%d", c.ID.TerminalString(), c.Peer)
}

func contactIDs(contacts []Contact) []ID {
	ids := make([]ID, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}
	return ids
}
