package dht

import (
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/opd-ai/kadnet/transport"
)

// ErrUnknownEntry is returned for registry keys that are not (or no longer)
// present.
var ErrUnknownEntry = errors.New("unknown registry entry")

// EntryState is the connection state of a registry entry.
type EntryState uint8

const (
	// StatePassive marks an endpoint that is not connected yet.
	StatePassive EntryState = iota
	// StateActive marks a connected endpoint.
	StateActive
)

func (s EntryState) String() string {
	if s == StateActive {
		return "active"
	}
	return "passive"
}

// EntryKind says whether an entry is an address to dial or to listen on.
type EntryKind uint8

const (
	KindConnect EntryKind = iota
	KindListen
)

func (k EntryKind) String() string {
	if k == KindListen {
		return "listen"
	}
	return "connect"
}

// Key is a stable registry handle. Keys are never reused.
type Key uint64

// Entry is a registry record. Entries returned by the registry are copies.
type Entry[P any] struct {
	Key     Key
	Addr    string
	State   EntryState
	Kind    EntryKind
	Peer    transport.PeerID
	Payload P
}

type pendingRemoval struct {
	countdown int
	notify    bool
}

// Registry tracks network endpoints by address, by peer handle and by a key
// derived from the payload, and removes them after a delay measured in calls
// to Step.
//
// Entries live in a map keyed by a stable Key, so removing one never
// renumbers the others. Insertion order is kept for iteration.
//
// Registry is not safe for concurrent use.
type Registry[PK comparable, P any] struct {
	keyOf func(P) (PK, bool)

	entries map[Key]*Entry[P]
	order   []Key
	nextKey Key

	byAddr    map[string]Key
	byPeer    map[transport.PeerID]Key
	byPayload map[PK]Key
	pending   map[Key]pendingRemoval

	toConnect mapset.Set[Key]
	toListen  mapset.Set[Key]
}

// NewRegistry creates an empty registry. keyOf extracts the payload key; it
// reports false for payloads that should not be indexed.
func NewRegistry[PK comparable, P any](keyOf func(P) (PK, bool)) *Registry[PK, P] {
	return &Registry[PK, P]{
		keyOf:     keyOf,
		entries:   make(map[Key]*Entry[P]),
		byAddr:    make(map[string]Key),
		byPeer:    make(map[transport.PeerID]Key),
		byPayload: make(map[PK]Key),
		pending:   make(map[Key]pendingRemoval),
		toConnect: mapset.NewThreadUnsafeSet[Key](),
		toListen:  mapset.NewThreadUnsafeSet[Key](),
	}
}

// Len returns the number of entries.
func (r *Registry[PK, P]) Len() int {
	return len(r.entries)
}

// AddPassive registers addr as an endpoint to connect to or listen on. For a
// known address any scheduled removal is cancelled and fresh is false.
func (r *Registry[PK, P]) AddPassive(addr string, kind EntryKind, payload P) (key Key, fresh bool) {
	if key, ok := r.byAddr[addr]; ok {
		delete(r.pending, key)
		return key, false
	}

	key = r.create(addr, kind, payload)
	r.pendingSet(kind).Add(key)
	return key, true
}

// AddActive records a connected endpoint. An entry known by address (or by
// peer) is promoted; otherwise one is created. The entry leaves the
// to-connect and to-listen sets and any scheduled removal is cancelled.
func (r *Registry[PK, P]) AddActive(addr string, kind EntryKind, peer transport.PeerID, payload P) Key {
	key, ok := r.byAddr[addr]
	if !ok && peer != transport.NoPeer {
		key, ok = r.byPeer[peer]
	}
	if !ok {
		key = r.create(addr, kind, payload)
	}

	e := r.entries[key]
	if e.Addr != addr {
		if r.byAddr[e.Addr] == key {
			delete(r.byAddr, e.Addr)
		}
		e.Addr = addr
		r.byAddr[addr] = key
	}
	if e.Peer != peer {
		if e.Peer != transport.NoPeer && r.byPeer[e.Peer] == key {
			delete(r.byPeer, e.Peer)
		}
		e.Peer = peer
	}
	if peer != transport.NoPeer {
		r.byPeer[peer] = key
	}

	r.unindexPayload(key, e.Payload)
	e.Payload = payload
	r.indexPayload(key, e.Payload)

	e.State = StateActive
	e.Kind = kind
	r.toConnect.Remove(key)
	r.toListen.Remove(key)
	delete(r.pending, key)
	return key
}

// UpdatePayload mutates the payload of key in place and re-indexes it.
func (r *Registry[PK, P]) UpdatePayload(key Key, update func(*P)) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	r.unindexPayload(key, e.Payload)
	update(&e.Payload)
	r.indexPayload(key, e.Payload)
	return true
}

// RemoveLater schedules key for removal after delay calls to Step. A delay of
// zero makes it due on the next RemovePending. Rescheduling keeps the shorter
// countdown; notify flags accumulate.
func (r *Registry[PK, P]) RemoveLater(key Key, delay int, notify bool) error {
	if _, ok := r.entries[key]; !ok {
		return fmt.Errorf("remove %d: %w", key, ErrUnknownEntry)
	}
	if delay < 0 {
		delay = 0
	}

	if cur, ok := r.pending[key]; ok {
		delay = min(delay, cur.countdown)
		notify = notify || cur.notify
	}
	r.pending[key] = pendingRemoval{countdown: delay, notify: notify}
	return nil
}

// UndoRemove cancels the scheduled removal of the entry connected via peer.
func (r *Registry[PK, P]) UndoRemove(peer transport.PeerID) bool {
	key, ok := r.byPeer[peer]
	if !ok {
		return false
	}
	return r.UndoRemoveKey(key)
}

// UndoRemoveKey cancels the scheduled removal of key.
func (r *Registry[PK, P]) UndoRemoveKey(key Key) bool {
	if _, ok := r.pending[key]; !ok {
		return false
	}
	delete(r.pending, key)
	return true
}

// RemovalScheduled reports whether key is waiting for removal.
func (r *Registry[PK, P]) RemovalScheduled(key Key) bool {
	_, ok := r.pending[key]
	return ok
}

// Step advances every scheduled removal by one tick.
func (r *Registry[PK, P]) Step() {
	for key, p := range r.pending {
		if p.countdown > 0 {
			p.countdown--
			r.pending[key] = p
		}
	}
}

// RemovePending removes every entry whose countdown reached zero. It returns
// the payload keys of the removed entries and the active peers that asked to
// be notified.
func (r *Registry[PK, P]) RemovePending() (removed []PK, notify []transport.PeerID) {
	var due []Key
	for _, key := range r.order {
		if p, ok := r.pending[key]; ok && p.countdown == 0 {
			due = append(due, key)
		}
	}

	for _, key := range due {
		e := r.entries[key]
		p := r.pending[key]
		if pk, ok := r.keyOf(e.Payload); ok {
			removed = append(removed, pk)
		}
		if p.notify && e.State == StateActive && e.Peer != transport.NoPeer {
			notify = append(notify, e.Peer)
		}
		r.remove(key)
	}
	return removed, notify
}

// Get returns a copy of the entry for key.
func (r *Registry[PK, P]) Get(key Key) (Entry[P], bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry[P]{}, false
	}
	return *e, true
}

// ByAddr returns the key registered for addr.
func (r *Registry[PK, P]) ByAddr(addr string) (Key, bool) {
	key, ok := r.byAddr[addr]
	return key, ok
}

// ByPeer returns the key of the entry connected via peer.
func (r *Registry[PK, P]) ByPeer(peer transport.PeerID) (Key, bool) {
	key, ok := r.byPeer[peer]
	return key, ok
}

// ByPayloadKey returns the key of the entry whose payload maps to pk.
func (r *Registry[PK, P]) ByPayloadKey(pk PK) (Key, bool) {
	key, ok := r.byPayload[pk]
	return key, ok
}

// GetToConnect returns the passive addresses waiting to be dialed, skipping
// entries scheduled for removal.
func (r *Registry[PK, P]) GetToConnect() []Entry[P] {
	return r.collect(func(key Key, _ *Entry[P]) bool {
		return r.toConnect.Contains(key) && !r.RemovalScheduled(key)
	})
}

// GetToListen returns the passive addresses waiting to be listened on,
// skipping entries scheduled for removal.
func (r *Registry[PK, P]) GetToListen() []Entry[P] {
	return r.collect(func(key Key, _ *Entry[P]) bool {
		return r.toListen.Contains(key) && !r.RemovalScheduled(key)
	})
}

// GetConnected returns the active outbound entries.
func (r *Registry[PK, P]) GetConnected() []Entry[P] {
	return r.collect(func(_ Key, e *Entry[P]) bool {
		return e.State == StateActive && e.Kind == KindConnect
	})
}

// GetListening returns the active listen entries.
func (r *Registry[PK, P]) GetListening() []Entry[P] {
	return r.collect(func(_ Key, e *Entry[P]) bool {
		return e.State == StateActive && e.Kind == KindListen
	})
}

// Entries returns a copy of every entry in insertion order.
func (r *Registry[PK, P]) Entries() []Entry[P] {
	return r.collect(func(Key, *Entry[P]) bool { return true })
}

func (r *Registry[PK, P]) collect(keep func(Key, *Entry[P]) bool) []Entry[P] {
	var out []Entry[P]
	for _, key := range r.order {
		if e := r.entries[key]; keep(key, e) {
			out = append(out, *e)
		}
	}
	return out
}

func (r *Registry[PK, P]) create(addr string, kind EntryKind, payload P) Key {
	r.nextKey++
	key := r.nextKey
	r.entries[key] = &Entry[P]{Key: key, Addr: addr, State: StatePassive, Kind: kind, Payload: payload}
	r.order = append(r.order, key)
	r.byAddr[addr] = key
	r.indexPayload(key, payload)
	return key
}

// remove deletes key and every index that points at it.
func (r *Registry[PK, P]) remove(key Key) {
	e, ok := r.entries[key]
	if !ok {
		panic(fmt.Sprintf("registry: remove of unknown key %d", key))
	}

	if r.byAddr[e.Addr] == key {
		delete(r.byAddr, e.Addr)
	}
	if e.Peer != transport.NoPeer && r.byPeer[e.Peer] == key {
		delete(r.byPeer, e.Peer)
	}
	r.unindexPayload(key, e.Payload)
	delete(r.pending, key)
	r.toConnect.Remove(key)
	r.toListen.Remove(key)
	delete(r.entries, key)
	if i := slices.Index(r.order, key); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func (r *Registry[PK, P]) indexPayload(key Key, payload P) {
	if pk, ok := r.keyOf(payload); ok {
		r.byPayload[pk] = key
	}
}

func (r *Registry[PK, P]) unindexPayload(key Key, payload P) {
	if pk, ok := r.keyOf(payload); ok && r.byPayload[pk] == key {
		delete(r.byPayload, pk)
	}
}

func (r *Registry[PK, P]) pendingSet(kind EntryKind) mapset.Set[Key] {
	if kind == KindListen {
		return r.toListen
	}
	return r.toConnect
}

// verify checks that every index refers to a live entry carrying the indexed
// value, and that every live entry is reachable through its indexes.
func (r *Registry[PK, P]) verify() error {
	if len(r.order) != len(r.entries) {
		return fmt.Errorf("order has %d keys, %d entries", len(r.order), len(r.entries))
	}
	for _, key := range r.order {
		if _, ok := r.entries[key]; !ok {
			return fmt.Errorf("order references dead key %d", key)
		}
	}
	for addr, key := range r.byAddr {
		if e, ok := r.entries[key]; !ok || e.Addr != addr {
			return fmt.Errorf("address index %q -> %d is stale", addr, key)
		}
	}
	for peer, key := range r.byPeer {
		if e, ok := r.entries[key]; !ok || e.Peer != peer {
			return fmt.Errorf("peer index %d -> %d is stale", peer, key)
		}
	}
	for pk, key := range r.byPayload {
		e, ok := r.entries[key]
		if !ok {
			return fmt.Errorf("payload index -> %d is stale", key)
		}
		if got, ok := r.keyOf(e.Payload); !ok || got != pk {
			return fmt.Errorf("payload index -> %d does not match its payload", key)
		}
	}
	for key := range r.pending {
		if _, ok := r.entries[key]; !ok {
			return fmt.Errorf("pending removal of dead key %d", key)
		}
	}
	for _, set := range []mapset.Set[Key]{r.toConnect, r.toListen} {
		for _, key := range set.ToSlice() {
			if e, ok := r.entries[key]; !ok || e.State != StatePassive {
				return fmt.Errorf("pending set holds key %d that is not a live passive entry", key)
			}
		}
	}
	for key, e := range r.entries {
		if _, ok := r.byAddr[e.Addr]; !ok {
			return fmt.Errorf("entry %d unreachable by address", key)
		}
		if e.Peer != transport.NoPeer {
			if _, ok := r.byPeer[e.Peer]; !ok {
				return fmt.Errorf("entry %d unreachable by peer", key)
			}
		}
	}
	return nil
}
