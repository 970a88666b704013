package dht

import (
	"fmt"
	"sort"
)

// K is the maximum number of contacts per bucket index.
const K = 20

// ErrSelfContact is returned when inserting the table origin into its own table.
var ErrSelfContact = fmt.Errorf("contact is the table origin: %w", ErrZeroDistance)

// KBucket is a routing table of contacts relative to a fixed origin. Contacts
// are partitioned by BucketIndex(origin, id); each index holds at most K
// contacts ordered by distance to the origin.
//
// KBucket is not safe for concurrent use.
type KBucket struct {
	origin ID
	slots  [IDBits][]Contact
	size   int
}

// NewKBucket creates an empty table rooted at origin.
func NewKBucket(origin ID) *KBucket {
	return &KBucket{origin: origin}
}

// Origin returns the identifier the table is rooted at.
func (b *KBucket) Origin() ID {
	return b.origin
}

// Len returns the number of contacts in the table.
func (b *KBucket) Len() int {
	return b.size
}

// IndexCount returns the number of bucket indexes.
func (b *KBucket) IndexCount() int {
	return IDBits
}

// SlotLen returns the number of contacts stored at bucket index i.
func (b *KBucket) SlotLen(i int) int {
	if i < 0 || i >= IDBits {
		return 0
	}
	return len(b.slots[i])
}

// Insert adds c to the table. A contact with the same identifier is
// refreshed in place. When the target index is full, the least recently seen
// occupant is replaced if it is stale; otherwise Insert reports false and
// leaves the table untouched.
func (b *KBucket) Insert(c Contact) (bool, error) {
	idx, err := BucketIndex(b.origin, c.ID)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", c.ID.TerminalString(), ErrSelfContact)
	}

	pos, found := b.search(idx, c.ID)
	if found {
		b.slots[idx][pos] = c
		return true, nil
	}

	if len(b.slots[idx]) < K {
		b.insertAt(idx, pos, c)
		return true, nil
	}

	victim := b.leastRecentlySeen(idx)
	if !b.slots[idx][victim].Stale() {
		return false, nil
	}

	b.removeAt(idx, victim)
	pos, _ = b.search(idx, c.ID)
	b.insertAt(idx, pos, c)
	return true, nil
}

// Erase removes the contact with identifier id.
func (b *KBucket) Erase(id ID) bool {
	idx, err := BucketIndex(b.origin, id)
	if err != nil {
		return false
	}
	pos, found := b.search(idx, id)
	if !found {
		return false
	}
	b.removeAt(idx, pos)
	return true
}

// Replace overwrites the stored copy of the contact with the same identifier.
// It does nothing if the contact is not in the table.
func (b *KBucket) Replace(c Contact) bool {
	idx, err := BucketIndex(b.origin, c.ID)
	if err != nil {
		return false
	}
	pos, found := b.search(idx, c.ID)
	if !found {
		return false
	}
	b.slots[idx][pos] = c
	return true
}

// Find returns a copy of the contact with identifier id.
func (b *KBucket) Find(id ID) (Contact, bool) {
	idx, err := BucketIndex(b.origin, id)
	if err != nil {
		return Contact{}, false
	}
	pos, found := b.search(idx, id)
	if !found {
		return Contact{}, false
	}
	return b.slots[idx][pos], true
}

// Contacts returns every contact ordered by ascending distance to the origin.
func (b *KBucket) Contacts() []Contact {
	out := make([]Contact, 0, b.size)
	for i := range b.slots {
		out = append(out, b.slots[i]...)
	}
	return out
}

// FindNearest returns up to K contacts in ascending distance to the origin.
// With preferSameIndex, the sequence starts at the first contact whose bucket
// index is at least BucketIndex(origin, target) and wraps around the table,
// so the page leans towards contacts structurally close to target while
// still drawing from the whole table.
func (b *KBucket) FindNearest(target ID, preferSameIndex bool) []Contact {
	all := b.Contacts()
	n := min(K, len(all))
	if n == 0 {
		return nil
	}

	start := 0
	if preferSameIndex {
		if idx, err := BucketIndex(b.origin, target); err == nil {
			for i := 0; i < idx; i++ {
				start += len(b.slots[i])
			}
			if start == len(all) {
				start = 0
			}
		}
	}

	out := make([]Contact, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, all[(start+i)%len(all)])
	}
	return out
}

// ListNearestTo returns the identifiers of FindNearest(target, preferSameIndex).
func (b *KBucket) ListNearestTo(target ID, preferSameIndex bool) []ID {
	return contactIDs(b.FindNearest(target, preferSameIndex))
}

// search returns the position of id within slot idx, or its insertion point.
func (b *KBucket) search(idx int, id ID) (int, bool) {
	slot := b.slots[idx]
	pos := sort.Search(len(slot), func(i int) bool {
		return CompareDistance(b.origin, slot[i].ID, id) >= 0
	})
	return pos, pos < len(slot) && slot[pos].ID == id
}

// leastRecentlySeen returns the eviction candidate of slot idx: the oldest
// LastSeen, the farthest contact on ties.
func (b *KBucket) leastRecentlySeen(idx int) int {
	slot := b.slots[idx]
	victim := 0
	for i := 1; i < len(slot); i++ {
		if !slot[i].LastSeen.After(slot[victim].LastSeen) {
			victim = i
		}
	}
	return victim
}

func (b *KBucket) insertAt(idx, pos int, c Contact) {
	slot := append(b.slots[idx], Contact{})
	copy(slot[pos+1:], slot[pos:])
	slot[pos] = c
	b.slots[idx] = slot
	b.size++
}

func (b *KBucket) removeAt(idx, pos int) {
	slot := b.slots[idx]
	copy(slot[pos:], slot[pos+1:])
	slot[len(slot)-1] = Contact{}
	b.slots[idx] = slot[:len(slot)-1]
	b.size--
}
