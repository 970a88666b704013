package dht

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadnet/transport"
)

// DefaultMaxOpenAttempts is the number of failed dials after which a connect
// entry is given up.
const DefaultMaxOpenAttempts = 3

var (
	// ErrUnknownPeer is returned for peer handles without a registry entry.
	ErrUnknownPeer = errors.New("peer has no registry entry")
	// ErrUnverifiedPeer is returned when a peer has not proven the identity
	// it speaks for.
	ErrUnverifiedPeer = errors.New("peer identity not verified")
	// ErrUnsolicited is returned for replies nobody asked for.
	ErrUnsolicited = errors.New("unsolicited reply")
	// ErrIdentityChanged is returned when a verified peer proves a second
	// identity over the same connection.
	ErrIdentityChanged = errors.New("peer changed identity")
)

// ContactResult is the outcome of PeerManager.AddContact.
type ContactResult uint8

const (
	// ContactRejected means the routing table rejected the contact.
	ContactRejected ContactResult = iota
	// ContactAdded means the contact was inserted.
	ContactAdded
	// ContactExisting means the contact was already known.
	ContactExisting
)

func (r ContactResult) String() string {
	switch r {
	case ContactAdded:
		return "new"
	case ContactExisting:
		return "existing"
	default:
		return "none"
	}
}

// PeerInfo is the per-endpoint state kept in the connection registry.
type PeerInfo struct {
	// OpenAttempts counts failed dials since the last successful connection.
	OpenAttempts int
	// Pending counts FindNode requests sent to the peer without a reply yet.
	Pending int
	// Claimed is the identifier the peer proved with a signed ping or pong.
	Claimed  ID
	Verified bool
	// Dialing is set while a dial to the entry's address is in flight.
	Dialing bool
}

func peerInfoKey(p PeerInfo) (ID, bool) {
	return p.Claimed, p.Verified
}

// PeerConfig configures a PeerManager.
type PeerConfig struct {
	Clock clock.Clock
	// Bootstrap addresses are dialed at startup. The first one is trusted to
	// report our external address.
	Bootstrap       []string
	MaxOpenAttempts int
}

// PeerManager ties the connection registry to the routing table. It owns
// both and keeps them consistent: a contact with a peer handle never
// outlives the registry entry of that peer.
//
// PeerManager is not safe for concurrent use.
type PeerManager struct {
	self     ID
	table    *KBucket
	registry *Registry[ID, PeerInfo]

	clock           clock.Clock
	bootstrap       []string
	maxOpenAttempts int
	externalAddr    string
}

// NewPeerManager creates a peer manager for the local node self and
// registers the bootstrap addresses for dialing.
func NewPeerManager(self ID, cfg PeerConfig) *PeerManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxOpenAttempts <= 0 {
		cfg.MaxOpenAttempts = DefaultMaxOpenAttempts
	}

	pm := &PeerManager{
		self:            self,
		table:           NewKBucket(self),
		registry:        NewRegistry(peerInfoKey),
		clock:           cfg.Clock,
		bootstrap:       append([]string(nil), cfg.Bootstrap...),
		maxOpenAttempts: cfg.MaxOpenAttempts,
	}
	for _, addr := range pm.bootstrap {
		pm.registry.AddPassive(addr, KindConnect, PeerInfo{})
	}
	return pm
}

// Self returns the local identifier.
func (pm *PeerManager) Self() ID {
	return pm.self
}

// Contacts returns a copy of the routing table in distance order.
func (pm *PeerManager) Contacts() []Contact {
	return pm.table.Contacts()
}

// Contact returns the routing table entry for id.
func (pm *PeerManager) Contact(id ID) (Contact, bool) {
	return pm.table.Find(id)
}

// ContactCount returns the number of routing table entries.
func (pm *PeerManager) ContactCount() int {
	return pm.table.Len()
}

// Entries returns a copy of the connection registry.
func (pm *PeerManager) Entries() []Entry[PeerInfo] {
	return pm.registry.Entries()
}

// AddContact records that peer proved the identity claimed. The contact is
// inserted into the routing table unless its bucket is full of live contacts.
func (pm *PeerManager) AddContact(peer transport.PeerID, claimed ID) (ContactResult, error) {
	key, ok := pm.registry.ByPeer(peer)
	if !ok {
		return ContactRejected, fmt.Errorf("add contact %s: %w", claimed.TerminalString(), ErrUnknownPeer)
	}
	if claimed == pm.self {
		return ContactRejected, ErrSelfContact
	}
	if e, _ := pm.registry.Get(key); e.Payload.Verified && e.Payload.Claimed != claimed {
		return ContactRejected, fmt.Errorf("peer %d claims %s, proved %s: %w",
			peer, claimed.TerminalString(), e.Payload.Claimed.TerminalString(), ErrIdentityChanged)
	}

	pm.registry.UpdatePayload(key, func(p *PeerInfo) {
		p.Claimed = claimed
		p.Verified = true
	})

	if _, found := pm.table.Find(claimed); found {
		return ContactExisting, nil
	}

	inserted, err := pm.table.Insert(Contact{ID: claimed, Peer: peer, LastSeen: pm.clock.Now()})
	if err != nil {
		return ContactRejected, err
	}
	if !inserted {
		logrus.WithFields(logrus.Fields{
			"function": "AddContact",
			"id":       claimed.TerminalString(),
			"peer":     peer,
		}).Debug("Bucket full, contact not added")
		return ContactRejected, nil
	}
	return ContactAdded, nil
}

// Update refreshes the age and peer handle of a known contact.
func (pm *PeerManager) Update(peer transport.PeerID, claimed ID) bool {
	c, ok := pm.table.Find(claimed)
	if !ok {
		return false
	}
	c.Peer = peer
	c.LastSeen = pm.clock.Now()
	return pm.table.Replace(c)
}

// ProcessNodeDetails handles a NodeDetails reply from source speaking for
// origin. Every candidate that is new to the routing table and fits in it is
// inserted as a stale, unconnected contact; those are returned so the caller
// can ask source to introduce them.
func (pm *PeerManager) ProcessNodeDetails(source transport.PeerID, origin ID, candidates []ID) ([]ID, error) {
	key, ok := pm.registry.ByPeer(source)
	if !ok {
		return nil, ErrUnknownPeer
	}
	entry, _ := pm.registry.Get(key)
	if !entry.Payload.Verified || entry.Payload.Claimed != origin {
		return nil, ErrUnverifiedPeer
	}
	if entry.Payload.Pending == 0 {
		return nil, ErrUnsolicited
	}
	pm.registry.UpdatePayload(key, func(p *PeerInfo) { p.Pending-- })

	var accepted []ID
	for _, id := range candidates {
		if id == pm.self {
			continue
		}
		if _, found := pm.table.Find(id); found {
			continue
		}
		ok, err := pm.table.Insert(NewContact(id))
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted = append(accepted, id)
		}
	}
	return accepted, nil
}

// ProcessIntroduceRequest returns the connection to target, if we have one.
func (pm *PeerManager) ProcessIntroduceRequest(target ID) (transport.PeerID, bool) {
	c, ok := pm.table.Find(target)
	if !ok || !c.Reachable() {
		return transport.NoPeer, false
	}
	return c.Peer, true
}

// ListNearestTo returns a page of identifiers biased towards id.
func (pm *PeerManager) ListNearestTo(id ID) []ID {
	return pm.table.ListNearestTo(id, true)
}

// RemovePending drains the registry entries that are due and erases their
// contacts. It returns the peers that should be told about the drop.
func (pm *PeerManager) RemovePending() []transport.PeerID {
	removed, notify := pm.registry.RemovePending()
	for _, id := range removed {
		// Another entry may have taken over the identity.
		if key, still := pm.registry.ByPayloadKey(id); still {
			e, _ := pm.registry.Get(key)
			if c, ok := pm.table.Find(id); ok && c.Peer != e.Peer {
				c.Peer = e.Peer
				pm.table.Replace(c)
			}
			continue
		}
		if pm.table.Erase(id) {
			logrus.WithFields(logrus.Fields{
				"function": "RemovePending",
				"id":       id.TerminalString(),
			}).Debug("Erased contact of removed peer")
		}
	}
	return notify
}

// Tick advances scheduled removals by one step and drains the due ones.
func (pm *PeerManager) Tick() []transport.PeerID {
	pm.registry.Step()
	return pm.RemovePending()
}

// ExternalAddress returns the address peers observe us at, if known.
func (pm *PeerManager) ExternalAddress() string {
	return pm.externalAddr
}

// SetExternalAddress records addr as our external address as observed by the
// peer at observer. Only the first bootstrap address is trusted once the
// routing table has contacts.
func (pm *PeerManager) SetExternalAddress(observer, addr string) bool {
	if addr == "" || addr == pm.externalAddr {
		return false
	}
	trusted := len(pm.bootstrap) > 0 && observer == pm.bootstrap[0]
	if !trusted && pm.table.Len() > 0 {
		return false
	}
	if err := ValidateAddress(addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SetExternalAddress",
			"observer": observer,
			"address":  addr,
			"error":    err.Error(),
		}).Debug("Ignoring observed address")
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "SetExternalAddress",
		"observer": observer,
		"address":  addr,
		"type":     DetectAddressType(addr).String(),
	}).Info("External address updated")
	pm.externalAddr = addr
	return true
}

// Connected records a connection that we dialed.
func (pm *PeerManager) Connected(addr string, peer transport.PeerID) {
	pm.release(addr, peer)
	pm.registry.AddActive(addr, KindConnect, peer, PeerInfo{})
}

// Joined records an inbound peer announcing its listen address.
func (pm *PeerManager) Joined(peer transport.PeerID, addr string) {
	pm.release(addr, peer)
	pm.registry.AddActive(addr, KindListen, peer, PeerInfo{})
}

// release erases the contact reached through the connection at addr before
// peer takes the entry over. The new connection starts unverified and
// re-adds the contact once it proves the identity.
func (pm *PeerManager) release(addr string, peer transport.PeerID) {
	key, ok := pm.registry.ByAddr(addr)
	if !ok {
		return
	}
	e, _ := pm.registry.Get(key)
	if e.Peer == transport.NoPeer || e.Peer == peer || !e.Payload.Verified {
		return
	}
	if c, found := pm.table.Find(e.Payload.Claimed); found && c.Peer == e.Peer {
		pm.table.Erase(c.ID)
		logrus.WithFields(logrus.Fields{
			"function": "release",
			"address":  addr,
			"id":       c.ID.TerminalString(),
			"old_peer": e.Peer,
			"new_peer": peer,
		}).Debug("Connection taken over, erased contact")
	}
}

// Listening records that we listen on addr.
func (pm *PeerManager) Listening(addr string) {
	pm.registry.AddActive(addr, KindListen, transport.NoPeer, PeerInfo{})
}

// AddListenAddress registers addr to be listened on.
func (pm *PeerManager) AddListenAddress(addr string) {
	pm.registry.AddPassive(addr, KindListen, PeerInfo{})
}

// Introduced registers addr, received in an introduction, for dialing.
func (pm *PeerManager) Introduced(addr string) bool {
	if addr == pm.externalAddr {
		return false
	}
	if key, ok := pm.registry.ByAddr(addr); ok {
		if e, _ := pm.registry.Get(key); e.Kind == KindListen && e.Peer == transport.NoPeer {
			// One of our own listen addresses.
			return false
		}
	}
	_, fresh := pm.registry.AddPassive(addr, KindConnect, PeerInfo{})
	return fresh
}

// Dropped schedules removal of the entry connected via peer after delay
// ticks. The transport already closed the connection, so nobody is notified.
func (pm *PeerManager) Dropped(peer transport.PeerID, delay int) {
	if key, ok := pm.registry.ByPeer(peer); ok {
		_ = pm.registry.RemoveLater(key, delay, false)
	}
}

// ListenFailed gives up on listening on addr.
func (pm *PeerManager) ListenFailed(addr string) {
	if key, ok := pm.registry.ByAddr(addr); ok {
		_ = pm.registry.RemoveLater(key, 0, false)
	}
}

// ScheduleDrop schedules removal of a misbehaving peer on the next tick and
// asks for the peer to be told.
func (pm *PeerManager) ScheduleDrop(peer transport.PeerID) {
	if key, ok := pm.registry.ByPeer(peer); ok {
		_ = pm.registry.RemoveLater(key, 0, true)
	}
}

// OpenFailed accounts a failed dial of addr. After MaxOpenAttempts failures
// the entry is removed on the next tick.
func (pm *PeerManager) OpenFailed(addr string) int {
	key, ok := pm.registry.ByAddr(addr)
	if !ok {
		return 0
	}
	var attempts int
	pm.registry.UpdatePayload(key, func(p *PeerInfo) {
		p.OpenAttempts++
		p.Dialing = false
		attempts = p.OpenAttempts
	})
	if attempts >= pm.maxOpenAttempts {
		_ = pm.registry.RemoveLater(key, 0, false)
	}
	return attempts
}

// StartDials returns the addresses that should be dialed now and marks them
// as in flight.
func (pm *PeerManager) StartDials() []string {
	var out []string
	for _, e := range pm.registry.GetToConnect() {
		if e.Payload.Dialing {
			continue
		}
		pm.registry.UpdatePayload(e.Key, func(p *PeerInfo) { p.Dialing = true })
		out = append(out, e.Addr)
	}
	return out
}

// ToListen returns the addresses waiting to be listened on.
func (pm *PeerManager) ToListen() []string {
	var out []string
	for _, e := range pm.registry.GetToListen() {
		out = append(out, e.Addr)
	}
	return out
}

// RequestSent records an outstanding FindNode to peer.
func (pm *PeerManager) RequestSent(peer transport.PeerID) {
	if key, ok := pm.registry.ByPeer(peer); ok {
		pm.registry.UpdatePayload(key, func(p *PeerInfo) { p.Pending++ })
	}
}

// AddressOf returns the registered address of peer.
func (pm *PeerManager) AddressOf(peer transport.PeerID) (string, bool) {
	key, ok := pm.registry.ByPeer(peer)
	if !ok {
		return "", false
	}
	e, _ := pm.registry.Get(key)
	return e.Addr, true
}

// ActivePeer returns the peer connected at addr.
func (pm *PeerManager) ActivePeer(addr string) (transport.PeerID, bool) {
	key, ok := pm.registry.ByAddr(addr)
	if !ok {
		return transport.NoPeer, false
	}
	e, _ := pm.registry.Get(key)
	if e.State != StateActive || e.Peer == transport.NoPeer {
		return transport.NoPeer, false
	}
	return e.Peer, true
}

// Identity returns the identifier peer has proven, if any.
func (pm *PeerManager) Identity(peer transport.PeerID) (ID, bool) {
	key, ok := pm.registry.ByPeer(peer)
	if !ok {
		return ID{}, false
	}
	e, _ := pm.registry.Get(key)
	return e.Payload.Claimed, e.Payload.Verified
}

// Known reports whether peer has a registry entry.
func (pm *PeerManager) Known(peer transport.PeerID) bool {
	_, ok := pm.registry.ByPeer(peer)
	return ok
}

// ConnectedPeers returns the handles of every active connection.
func (pm *PeerManager) ConnectedPeers() []transport.PeerID {
	var out []transport.PeerID
	for _, e := range pm.registry.Entries() {
		if e.State == StateActive && e.Peer != transport.NoPeer {
			out = append(out, e.Peer)
		}
	}
	return out
}
