// Package dht implements Kademlia-style peer discovery: a bounded routing
// table, an iterative node lookup and the protocol handler that keeps both
// populated from live connections.
//
// # Architecture
//
// Every node is named by a 256-bit identifier. The distance between two
// identifiers is their XOR; the position of its highest set bit is the
// bucket index. Key components:
//
//   - KBucket: routing table rooted at one identifier, at most K contacts per index
//   - Registry: connection registry keyed by address, peer handle and identity
//   - PeerManager: ties the registry to the routing table
//   - Lookup: alpha-bounded iterative search for the contacts nearest a target
//   - Handler: interprets transport events and answers peers
//   - Maintainer: turns wall-clock time into handler ticks and self-lookups
//
// # Routing Table
//
// A full bucket index never evicts a contact that has been seen. Only a
// stale contact, one that was learned about but never spoken to, is
// replaced:
//
//	table := dht.NewKBucket(self)
//	ok, err := table.Insert(contact)
//	nearest := table.FindNearest(target, true)
//
// # Protocol
//
// A dialing node sends Join with its listen address. The receiver answers
// with a signed Ping, the dialer replies with a signed Pong and both insert
// each other. The Pong receiver then asks for nodes near itself with
// FindNode. Identifiers in the NodeDetails reply that are new to the table
// are requested through IntroduceTo, and the introducer tells both sides to
// dial each other with OpenConnectionWith.
//
// Ping and Pong timestamps must be within 30 seconds of the local clock.
//
// # Concurrency
//
// None of the types in this package lock. A Handler and everything it owns
// must be driven from one goroutine; the kadnet package runs that loop.
package dht
