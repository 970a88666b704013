package dht

import (
	mapset "github.com/deckarep/golang-set/v2"
)

const (
	// Alpha is the initial number of queries a lookup may have in flight.
	Alpha = 3
	// StallLimit is the number of consecutive new sources that may fail to
	// improve the closest contact before a lookup gives up.
	StallLimit = 3
)

// LookupState is the progress of a Lookup.
type LookupState uint8

const (
	LookupRunning LookupState = iota
	LookupFound
	LookupStalled
)

func (s LookupState) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupStalled:
		return "stalled"
	default:
		return "running"
	}
}

// Lookup is an iterative search for the contacts nearest to a target. It does
// no I/O: the caller sends the queries returned by GetQueries and feeds the
// replies back through AddResults.
//
// Lookup is not safe for concurrent use.
type Lookup struct {
	target ID
	table  *KBucket

	probed  mapset.Set[ID]
	sources mapset.Set[ID]
	// visited holds every contact the walk has seen, in discovery order.
	visited    []ID
	contacts   map[ID]Contact
	reportedBy map[ID]ID

	budget int
	stall  int
	state  LookupState

	found       Contact
	foundSource Contact
}

// NewLookup starts a lookup for target seeded with the given contacts. A seed
// equal to target finishes the lookup immediately.
func NewLookup(target ID, seeds []Contact) *Lookup {
	l := &Lookup{
		target:     target,
		table:      NewKBucket(target),
		probed:     mapset.NewThreadUnsafeSet[ID](),
		sources:    mapset.NewThreadUnsafeSet[ID](),
		contacts:   make(map[ID]Contact),
		reportedBy: make(map[ID]ID),
		budget:     Alpha,
		stall:      StallLimit,
	}
	for _, c := range seeds {
		if c.ID == target {
			l.state = LookupFound
			l.found = c
			l.foundSource = c
			l.remember(c)
			continue
		}
		if ok, _ := l.table.Insert(c); ok {
			l.remember(c)
		}
	}
	return l
}

// Target returns the identifier being searched for.
func (l *Lookup) Target() ID {
	return l.target
}

// State returns the current state.
func (l *Lookup) State() LookupState {
	return l.state
}

// Done reports whether the lookup reached a terminal state.
func (l *Lookup) Done() bool {
	return l.state != LookupRunning
}

// Stop ends a running lookup as stalled.
func (l *Lookup) Stop() {
	if l.state == LookupRunning {
		l.state = LookupStalled
	}
}

// Found returns the target contact and the source that reported it.
func (l *Lookup) Found() (target, source Contact, ok bool) {
	if l.state != LookupFound {
		return Contact{}, Contact{}, false
	}
	return l.found, l.foundSource, true
}

// ReportedBy returns the source that first reported id.
func (l *Lookup) ReportedBy(id ID) (ID, bool) {
	src, ok := l.reportedBy[id]
	return src, ok
}

// GetQueries returns the next contacts to query, nearest first, and marks
// them probed. Only reachable contacts that were not probed yet are
// eligible. When the budget allows queries but nothing is eligible, the
// lookup stalls.
func (l *Lookup) GetQueries() []Contact {
	if l.state != LookupRunning || l.budget <= 0 {
		return nil
	}

	var out []Contact
	for _, c := range l.table.Contacts() {
		if len(out) == l.budget {
			break
		}
		if !c.Reachable() || l.probed.Contains(c.ID) {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		l.state = LookupStalled
		return nil
	}

	for _, c := range out {
		l.probed.Add(c.ID)
	}
	l.budget -= len(out)
	return out
}

// AddResults records the candidates returned by source. Replies from
// sources that were never queried, and replies to a finished lookup, are
// ignored. The returned flags tell which candidates were taken.
func (l *Lookup) AddResults(source ID, candidates []Contact) []bool {
	accepted := make([]bool, len(candidates))
	if l.state != LookupRunning || !l.probed.Contains(source) {
		return accepted
	}

	for i, c := range candidates {
		if c.ID == l.target {
			accepted[i] = true
			l.state = LookupFound
			l.found = c
			l.foundSource = l.contacts[source]
			l.noteReporter(c.ID, source)
			l.remember(c)
			return accepted
		}
	}

	before, hadClosest := l.closest()
	for i, c := range candidates {
		if l.probed.Contains(c.ID) {
			continue
		}
		if _, known := l.table.Find(c.ID); known {
			continue
		}
		ok, err := l.table.Insert(c)
		if err != nil || !ok {
			continue
		}
		accepted[i] = true
		l.noteReporter(c.ID, source)
		l.remember(c)
	}

	if l.sources.Add(source) {
		l.budget++
		after, _ := l.closest()
		if hadClosest && after == before {
			l.stall--
		} else {
			l.stall = StallLimit
		}
		// The source bound is a heuristic cap on informants, not a proof of
		// convergence.
		if l.stall <= 0 || l.sources.Cardinality() > l.table.IndexCount() {
			l.state = LookupStalled
		}
	}
	return accepted
}

// Update refreshes the stored copy of c, typically once an introduction has
// connected it.
func (l *Lookup) Update(c Contact) bool {
	if _, ok := l.contacts[c.ID]; !ok {
		return false
	}
	l.contacts[c.ID] = c
	if l.found.ID == c.ID {
		l.found = c
	}
	if l.foundSource.ID == c.ID {
		l.foundSource = c
	}
	l.table.Replace(c)
	return true
}

// Candidates returns the nearest known contacts. A found lookup whose target
// is not reachable yields the source that reported the target instead.
func (l *Lookup) Candidates() []Contact {
	if l.state == LookupFound {
		if !l.found.Reachable() {
			return []Contact{l.foundSource}
		}
		out := []Contact{l.found}
		for _, c := range l.table.Contacts() {
			if len(out) == K {
				break
			}
			out = append(out, c)
		}
		return out
	}
	return l.table.FindNearest(l.target, false)
}

// Orphans returns the candidates without a reachable address.
func (l *Lookup) Orphans() []Contact {
	var out []Contact
	for _, c := range l.Candidates() {
		if !c.Reachable() {
			out = append(out, c)
		}
	}
	return out
}

// Drops returns the reachable contacts seen during the walk that did not
// make it into the candidates.
func (l *Lookup) Drops() []Contact {
	keep := mapset.NewThreadUnsafeSet[ID]()
	for _, c := range l.Candidates() {
		keep.Add(c.ID)
	}

	var out []Contact
	for _, id := range l.visited {
		c := l.contacts[id]
		if c.Reachable() && !keep.Contains(id) {
			out = append(out, c)
		}
	}
	return out
}

func (l *Lookup) closest() (ID, bool) {
	contacts := l.table.Contacts()
	if len(contacts) == 0 {
		return ID{}, false
	}
	return contacts[0].ID, true
}

func (l *Lookup) remember(c Contact) {
	if _, ok := l.contacts[c.ID]; !ok {
		l.visited = append(l.visited, c.ID)
	}
	l.contacts[c.ID] = c
}

func (l *Lookup) noteReporter(id, source ID) {
	if _, ok := l.reportedBy[id]; !ok {
		l.reportedBy[id] = source
	}
}
