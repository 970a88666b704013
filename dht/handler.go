package dht

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/transport"
)

const (
	// DefaultMaxSkew is the accepted clock difference for ping and pong
	// timestamps.
	DefaultMaxSkew = 30 * time.Second
	// DefaultPingEveryTicks is the keepalive ping interval in ticks.
	DefaultPingEveryTicks = 10
	// DefaultDropDelayTicks is the grace period before a disconnected peer
	// is forgotten.
	DefaultDropDelayTicks = 2
	// DefaultLookupTimeoutTicks bounds how long a lookup waits for replies.
	DefaultLookupTimeoutTicks = 10
	// DefaultReplayCacheSize is the number of ping and pong signatures
	// remembered for replay detection.
	DefaultReplayCacheSize = 4096
)

var (
	// ErrSelfConnection is returned when a peer proves our own identifier.
	ErrSelfConnection = errors.New("connected to self")
	// ErrReplayed is returned for signatures seen before.
	ErrReplayed = errors.New("replayed signature")
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Signer    crypto.Signer
	Verifier  crypto.Verifier
	Transport transport.Transport
	Clock     clock.Clock

	// ListenAddr is announced in Join messages and listened on. It may be
	// empty for nodes that only dial out.
	ListenAddr string
	Bootstrap  []string

	MaxSkew            time.Duration
	PingEveryTicks     int
	DropDelayTicks     int
	LookupTimeoutTicks int
	MaxOpenAttempts    int
	ReplayCacheSize    int

	Metrics *Metrics
}

type pendingLookup struct {
	lookup    *Lookup
	done      func(*Lookup)
	ticksLeft int
}

// Handler drives the overlay protocol: it interprets transport events, keeps
// the PeerManager up to date and answers peers.
//
// Handler is not safe for concurrent use; all calls must come from one
// goroutine.
type Handler struct {
	self       ID
	signer     crypto.Signer
	verifier   crypto.Verifier
	tr         transport.Transport
	clock      clock.Clock
	listenAddr string

	maxSkew       time.Duration
	pingEvery     int
	dropDelay     int
	lookupTimeout int

	peers   *PeerManager
	replay  *lru.Cache[string, struct{}]
	lookups []*pendingLookup

	// introductions maps targets to the tick their last IntroduceTo was sent.
	introductions map[ID]uint64
	ticks         uint64
	metrics       *Metrics
}

// NewHandler creates a protocol handler. The local identifier is the one of
// the signer.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Signer == nil || cfg.Verifier == nil {
		return nil, errors.New("handler needs a signer and a verifier")
	}
	if cfg.Transport == nil {
		return nil, errors.New("handler needs a transport")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.PingEveryTicks <= 0 {
		cfg.PingEveryTicks = DefaultPingEveryTicks
	}
	if cfg.DropDelayTicks < 0 {
		cfg.DropDelayTicks = 0
	}
	if cfg.LookupTimeoutTicks <= 0 {
		cfg.LookupTimeoutTicks = DefaultLookupTimeoutTicks
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = DefaultReplayCacheSize
	}

	replay, err := lru.New[string, struct{}](cfg.ReplayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}

	self := ID(cfg.Signer.ID())
	h := &Handler{
		self:          self,
		signer:        cfg.Signer,
		verifier:      cfg.Verifier,
		tr:            cfg.Transport,
		clock:         cfg.Clock,
		listenAddr:    cfg.ListenAddr,
		maxSkew:       cfg.MaxSkew,
		pingEvery:     cfg.PingEveryTicks,
		dropDelay:     cfg.DropDelayTicks,
		lookupTimeout: cfg.LookupTimeoutTicks,
		peers: NewPeerManager(self, PeerConfig{
			Clock:           cfg.Clock,
			Bootstrap:       cfg.Bootstrap,
			MaxOpenAttempts: cfg.MaxOpenAttempts,
		}),
		replay:        replay,
		introductions: make(map[ID]uint64),
		metrics:       cfg.Metrics,
	}
	if cfg.ListenAddr != "" {
		h.peers.AddListenAddress(cfg.ListenAddr)
	}
	return h, nil
}

// Self returns the local identifier.
func (h *Handler) Self() ID {
	return h.self
}

// Peers returns the peer manager.
func (h *Handler) Peers() *PeerManager {
	return h.peers
}

// Bootstrap starts listening and dials every registered address without
// waiting for the next tick.
func (h *Handler) Bootstrap() {
	h.openEndpoints()
}

// HandleEvent processes one transport event. Protocol violations are logged
// and counted, never returned.
func (h *Handler) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		h.handleConnected(ev)
	case transport.EventPacket:
		if ev.Packet == nil {
			return
		}
		h.metrics.message(ev.Packet.PacketType)
		if err := h.handlePacket(ev.Peer, ev.Packet); err != nil {
			h.reject(ev.Peer, ev.Packet.PacketType, err)
		}
	case transport.EventDropped:
		logrus.WithFields(logrus.Fields{
			"function": "HandleEvent",
			"peer":     ev.Peer,
		}).Debug("Connection dropped")
		h.peers.Dropped(ev.Peer, h.dropDelay)
	case transport.EventOpenError:
		attempts := h.peers.OpenFailed(ev.Addr)
		logrus.WithFields(logrus.Fields{
			"function": "HandleEvent",
			"address":  ev.Addr,
			"attempts": attempts,
			"error":    ev.Err,
		}).Debug("Dial failed")
	}
}

// Tick advances the handler by one logical step: due removals are carried
// out, pending endpoints are opened, keepalive pings go out every
// PingEveryTicks and lookups that waited too long are finished.
func (h *Handler) Tick() {
	h.ticks++

	for _, peer := range h.peers.Tick() {
		h.send(peer, &Drop{})
		if err := h.tr.Drop(peer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Tick",
				"peer":     peer,
				"error":    err.Error(),
			}).Debug("Failed to close connection")
		}
	}

	h.openEndpoints()

	for id, at := range h.introductions {
		if h.ticks-at >= uint64(h.lookupTimeout) {
			delete(h.introductions, id)
		}
	}

	if h.ticks%uint64(h.pingEvery) == 0 {
		h.pingAll()
	}

	for _, p := range h.lookups {
		p.ticksLeft--
		if p.ticksLeft <= 0 {
			p.lookup.Stop()
		}
	}
	h.driveLookups()
	h.metrics.setContacts(h.peers.ContactCount())
}

// StartLookup begins a network lookup for target. done is called once, from
// within HandleEvent, Tick or StartLookup, when the lookup finishes.
func (h *Handler) StartLookup(target ID, done func(*Lookup)) {
	l := NewLookup(target, h.peers.Contacts())
	h.lookups = append(h.lookups, &pendingLookup{lookup: l, done: done, ticksLeft: h.lookupTimeout})
	h.driveLookups()
}

func (h *Handler) handleConnected(ev transport.Event) {
	logrus.WithFields(logrus.Fields{
		"function": "handleConnected",
		"peer":     ev.Peer,
		"address":  ev.Addr,
		"outbound": ev.Outbound,
	}).Debug("Connection established")

	// Inbound peers are registered once they announce their address.
	if !ev.Outbound {
		return
	}
	if !h.resolveDuplicate(ev.Addr, ev.Peer, true) {
		return
	}
	h.peers.Connected(ev.Addr, ev.Peer)
	h.send(ev.Peer, &Join{Addr: h.listenAddr})
}

// handlePacket dispatches a packet from peer by type.
func (h *Handler) handlePacket(peer transport.PeerID, packet *transport.Packet) error {
	msg, err := Decode(packet)
	if err != nil {
		return err
	}

	if join, ok := msg.(*Join); ok {
		return h.handleJoin(peer, join)
	}
	if !h.peers.Known(peer) {
		return fmt.Errorf("%s before join: %w", packet.PacketType, ErrUnknownPeer)
	}

	switch m := msg.(type) {
	case *Ping:
		return h.handlePing(peer, m)
	case *Pong:
		return h.handlePong(peer, m)
	case *FindNode:
		return h.handleFindNode(peer, m)
	case *NodeDetails:
		return h.handleNodeDetails(peer, m)
	case *IntroduceTo:
		return h.handleIntroduceTo(peer, m)
	case *OpenConnectionWith:
		return h.handleOpenConnectionWith(m)
	case *Drop:
		h.peers.Dropped(peer, 0)
		// The remote side may have torn the link down already.
		_ = h.tr.Drop(peer)
		return nil
	default:
		return fmt.Errorf("unexpected %s: %w", packet.PacketType, ErrMalformedMessage)
	}
}

func (h *Handler) handleJoin(peer transport.PeerID, m *Join) error {
	if h.peers.Known(peer) {
		return nil
	}
	addr := m.Addr
	if addr == "" {
		// Dial-only peers are known by the address we see them at.
		addr, _ = h.tr.Info(peer)
	}
	if addr == "" {
		return fmt.Errorf("join without address: %w", ErrMalformedMessage)
	}
	if !h.resolveDuplicate(addr, peer, false) {
		return nil
	}
	h.peers.Joined(peer, addr)
	return h.sendPing(peer, true)
}

func (h *Handler) handlePing(peer transport.PeerID, m *Ping) error {
	if err := checkTimestamp(h.clock.Now(), m.Timestamp, h.maxSkew); err != nil {
		return err
	}

	if m.Signed() {
		if err := m.Verify(h.verifier); err != nil {
			return err
		}
		if err := h.checkReplay(m.Signature); err != nil {
			return err
		}
	} else if claimed, verified := h.peers.Identity(peer); !verified || claimed != m.ID {
		return fmt.Errorf("unsigned ping from %s: %w", m.ID.TerminalString(), ErrUnverifiedPeer)
	}

	if m.ID == h.self {
		return ErrSelfConnection
	}

	if m.ConnInfo != "" {
		observer, _ := h.peers.AddressOf(peer)
		h.peers.SetExternalAddress(observer, m.ConnInfo)
	}
	if err := h.addContact(peer, m.ID); err != nil {
		return err
	}

	pong := &Pong{ID: h.self, Timestamp: h.clock.Now()}
	if err := pong.Sign(h.signer); err != nil {
		return err
	}
	h.send(peer, pong)
	return nil
}

func (h *Handler) handlePong(peer transport.PeerID, m *Pong) error {
	if err := checkTimestamp(h.clock.Now(), m.Timestamp, h.maxSkew); err != nil {
		return err
	}
	if err := m.Verify(h.verifier); err != nil {
		return err
	}
	if err := h.checkReplay(m.Signature); err != nil {
		return err
	}
	if m.ID == h.self {
		return ErrSelfConnection
	}

	if err := h.addContact(peer, m.ID); err != nil {
		return err
	}
	h.findNode(peer, h.self)
	return nil
}

func (h *Handler) handleFindNode(peer transport.PeerID, m *FindNode) error {
	h.send(peer, &NodeDetails{
		Origin:     h.self,
		Target:     m.Target,
		Candidates: h.peers.ListNearestTo(m.Target),
	})
	return nil
}

func (h *Handler) handleNodeDetails(peer transport.PeerID, m *NodeDetails) error {
	accepted, err := h.peers.ProcessNodeDetails(peer, m.Origin, m.Candidates)
	if err != nil {
		return err
	}
	for _, id := range accepted {
		h.introduce(peer, id)
	}

	// Peers near us list us too; that is never an answer to a lookup.
	contacts := make([]Contact, 0, len(m.Candidates))
	for _, id := range m.Candidates {
		if id == h.self {
			continue
		}
		if c, ok := h.peers.Contact(id); ok {
			contacts = append(contacts, c)
		} else {
			contacts = append(contacts, NewContact(id))
		}
	}
	for _, p := range h.lookups {
		if p.lookup.Target() == m.Target {
			p.lookup.AddResults(m.Origin, contacts)
		}
	}
	h.driveLookups()
	return nil
}

func (h *Handler) handleIntroduceTo(peer transport.PeerID, m *IntroduceTo) error {
	target, ok := h.peers.ProcessIntroduceRequest(m.ID)
	if !ok || target == peer {
		logrus.WithFields(logrus.Fields{
			"function": "handleIntroduceTo",
			"peer":     peer,
			"target":   m.ID.TerminalString(),
		}).Debug("No connection to introduce")
		return nil
	}

	targetAddr, ok := h.peers.AddressOf(target)
	if !ok {
		return nil
	}
	requesterAddr, ok := h.peers.AddressOf(peer)
	if !ok {
		return nil
	}

	h.send(peer, &OpenConnectionWith{Addr: targetAddr})
	h.send(target, &OpenConnectionWith{Addr: requesterAddr})
	return nil
}

func (h *Handler) handleOpenConnectionWith(m *OpenConnectionWith) error {
	if m.Addr == "" {
		return fmt.Errorf("empty introduction: %w", ErrMalformedMessage)
	}
	if h.peers.Introduced(m.Addr) {
		logrus.WithFields(logrus.Fields{
			"function": "handleOpenConnectionWith",
			"address":  m.Addr,
		}).Debug("Scheduled introduced connection")
	}
	return nil
}

// resolveDuplicate handles two connections to the same address, which
// happens when both sides of an introduction dial each other. Both ends keep
// the connection dialed by the lower listen address. It reports whether the
// new connection survives.
func (h *Handler) resolveDuplicate(addr string, peer transport.PeerID, outbound bool) bool {
	existing, ok := h.peers.ActivePeer(addr)
	if !ok || existing == peer {
		return true
	}

	dialer := addr
	if outbound {
		dialer = h.listenAddr
	}
	keepNew := dialer == min(h.listenAddr, addr)
	loser := existing
	if !keepNew {
		loser = peer
	}

	logrus.WithFields(logrus.Fields{
		"function": "resolveDuplicate",
		"address":  addr,
		"kept_new": keepNew,
		"closed":   loser,
	}).Debug("Closing duplicate connection")
	_ = h.tr.Drop(loser)
	return keepNew
}

// reject logs and counts a protocol violation. Peers that lie about their
// identity are scheduled for removal.
func (h *Handler) reject(peer transport.PeerID, t transport.PacketType, err error) {
	reason := "other"
	evict := false
	switch {
	case errors.Is(err, ErrMalformedMessage):
		reason, evict = "malformed", true
	case errors.Is(err, ErrBadSignature):
		reason, evict = "bad_signature", true
	case errors.Is(err, ErrSelfConnection):
		reason, evict = "self_connection", true
	case errors.Is(err, ErrIdentityChanged):
		reason, evict = "identity_changed", true
	case errors.Is(err, ErrStaleTimestamp):
		reason = "stale_timestamp"
	case errors.Is(err, ErrReplayed):
		reason = "replayed"
	case errors.Is(err, ErrUnverifiedPeer):
		reason = "unverified"
	case errors.Is(err, ErrUnsolicited):
		reason = "unsolicited"
	case errors.Is(err, ErrUnknownPeer):
		reason = "unknown_peer"
	}
	h.metrics.drop(reason)

	logrus.WithFields(logrus.Fields{
		"function": "reject",
		"peer":     peer,
		"type":     t.String(),
		"reason":   reason,
		"error":    err.Error(),
	}).Debug("Dropped message")

	if !evict {
		return
	}
	if h.peers.Known(peer) {
		h.peers.ScheduleDrop(peer)
	} else {
		_ = h.tr.Drop(peer)
	}
}

func (h *Handler) checkReplay(sig []byte) error {
	key := string(sig)
	if h.replay.Contains(key) {
		return ErrReplayed
	}
	h.replay.Add(key, struct{}{})
	return nil
}

func (h *Handler) addContact(peer transport.PeerID, id ID) error {
	res, err := h.peers.AddContact(peer, id)
	if err != nil {
		return err
	}
	if res == ContactExisting {
		h.peers.Update(peer, id)
	}
	if res == ContactAdded {
		logrus.WithFields(logrus.Fields{
			"function": "addContact",
			"peer":     peer,
			"id":       id.TerminalString(),
		}).Info("Added contact")
	}
	h.metrics.setContacts(h.peers.ContactCount())

	if c, ok := h.peers.Contact(id); ok {
		for _, p := range h.lookups {
			p.lookup.Update(c)
		}
		h.driveLookups()
	}
	return nil
}

func (h *Handler) sendPing(peer transport.PeerID, signed bool) error {
	connInfo, _ := h.tr.Info(peer)
	ping := &Ping{ID: h.self, ConnInfo: connInfo, Timestamp: h.clock.Now()}
	if signed {
		if err := ping.Sign(h.signer); err != nil {
			return err
		}
	}
	h.send(peer, ping)
	return nil
}

// pingAll sends a keepalive to every connection. Peers that have not proven
// their identity yet get a signed ping.
func (h *Handler) pingAll() {
	for _, peer := range h.peers.ConnectedPeers() {
		_, verified := h.peers.Identity(peer)
		if err := h.sendPing(peer, !verified); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pingAll",
				"peer":     peer,
				"error":    err.Error(),
			}).Warn("Failed to ping")
		}
	}
}

// introduce asks via to connect us with id, unless that was asked recently.
func (h *Handler) introduce(via transport.PeerID, id ID) {
	if id == h.self {
		return
	}
	if at, ok := h.introductions[id]; ok && h.ticks-at < uint64(h.lookupTimeout) {
		return
	}
	h.introductions[id] = h.ticks
	h.send(via, &IntroduceTo{ID: id})
}

func (h *Handler) findNode(peer transport.PeerID, target ID) {
	h.peers.RequestSent(peer)
	h.send(peer, &FindNode{Target: target})
}

func (h *Handler) openEndpoints() {
	for _, addr := range h.peers.ToListen() {
		if err := h.tr.Listen(addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "openEndpoints",
				"address":  addr,
				"error":    err.Error(),
			}).Error("Failed to listen")
			h.peers.ListenFailed(addr)
			continue
		}
		h.peers.Listening(addr)
	}

	for _, addr := range h.peers.StartDials() {
		if err := h.tr.Connect(addr); err != nil {
			h.peers.OpenFailed(addr)
		}
	}
}

// driveLookups sends the queries of running lookups and finishes the ones
// that are done.
func (h *Handler) driveLookups() {
	var running, finished []*pendingLookup
	for _, p := range h.lookups {
		for _, q := range p.lookup.GetQueries() {
			h.findNode(q.Peer, p.lookup.Target())
		}
		if p.lookup.Done() {
			finished = append(finished, p)
			continue
		}
		running = append(running, p)
	}
	h.lookups = running

	for _, p := range finished {
		h.finishLookup(p)
	}
}

// finishLookup asks for introductions to the results we cannot reach, closes
// connections the walk opened but the routing table did not keep, and hands
// the lookup to its owner.
func (h *Handler) finishLookup(p *pendingLookup) {
	l := p.lookup

	if target, source, ok := l.Found(); ok && !target.Reachable() && source.Reachable() {
		h.introduce(source.Peer, target.ID)
	}
	for _, c := range l.Orphans() {
		src, ok := l.ReportedBy(c.ID)
		if !ok {
			continue
		}
		if peer, ok := h.peers.ProcessIntroduceRequest(src); ok {
			h.introduce(peer, c.ID)
		}
	}
	for _, c := range l.Drops() {
		if _, kept := h.peers.Contact(c.ID); !kept {
			h.peers.ScheduleDrop(c.Peer)
		}
	}

	h.metrics.lookup(l.State())
	logrus.WithFields(logrus.Fields{
		"function":   "finishLookup",
		"target":     l.Target().TerminalString(),
		"state":      l.State().String(),
		"candidates": len(l.Candidates()),
	}).Debug("Lookup finished")

	if p.done != nil {
		p.done(l)
	}
}

func (h *Handler) send(peer transport.PeerID, m Message) {
	pkt, err := Encode(m)
	if err == nil {
		err = h.tr.Send(peer, pkt)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"peer":     peer,
			"type":     m.Type().String(),
			"error":    err.Error(),
		}).Debug("Failed to send message")
	}
}
