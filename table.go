// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probe is an open-addressing hash table that resolves collisions
// with linear probing and deletes with tombstones.
//
// # Layout
//
// A Table is a fixed-length array of N slots plus a parallel array of N
// control bytes. Each control byte records the state of its slot:
//
//	   vacant: the slot has not held an entry since the last resize
//	tombstone: the slot held an entry that has since been removed
//	 occupied: the slot holds a live key and value
//
// Every operation computes a home index hash(key)%N and walks forward one
// slot at a time, wrapping at N. Lookups and removals stop at the first
// vacant slot. Tombstones never stop a probe: a key inserted before some
// other key was removed may live beyond the tombstone that removal left
// behind.
//
// # Insertion
//
// Insert walks the same probe sequence as a lookup and either overwrites the
// value of a matching key or claims the first vacant slot. It does not reuse
// tombstones, so they accumulate until the next resize drops them.
//
// # Resizing
//
// Before every insert the table checks its load factor, the fraction of
// slots that are not vacant (occupied or tombstone). If the load factor has
// reached 3/4 the table is rebuilt. When the occupied fraction alone
// exceeds 3/4 the rebuild doubles the capacity; otherwise the rebuild keeps
// the capacity and only purges tombstones. A table holding exactly 3/4 of
// its capacity therefore compacts once and accepts one more entry before
// it grows. Capacity is never less than 64 once the first entry has been
// inserted. A rebuild allocates fresh arrays, reinserts every live entry
// using the ordinary probe and discards the old arrays, so the cost is
// amortized O(1) per insert.
package probe

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"
)

const (
	// minCapacity is the capacity of the first allocation and the floor for
	// every rebuild.
	minCapacity = 64

	// The maximum load factor, expressed as a fraction to keep the
	// comparisons in integer arithmetic.
	maxLoadNum = 3
	maxLoadDen = 4

	ctrlVacant    ctrl = 0
	ctrlTombstone ctrl = 1
	ctrlOccupied  ctrl = 2
)

// ctrl is the state of a slot.
type ctrl uint8

func (c ctrl) String() string {
	switch c {
	case ctrlVacant:
		return "vacant"
	case ctrlTombstone:
		return "tombstone"
	case ctrlOccupied:
		return "occupied"
	default:
		return fmt.Sprintf("ctrl(%d)", uint8(c))
	}
}

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Table is an unordered map from keys to values with Insert, Get, GetMut and
// Remove operations. By default keys are hashed with xxhash (strings and
// integers) or hash/maphash (everything else); a different hash function can
// be specified using the WithHash option.
//
// A Table is NOT goroutine-safe.
type Table[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
	seed uintptr
	// The allocator to use for the ctrls and slots slices.
	allocator Allocator[K, V]
	logger    *zap.Logger
	// ctrls and slots are both capacity in length. Both are nil until the
	// first insert.
	ctrls []ctrl
	slots []Slot[K, V]
	// The total number of slots.
	capacity uintptr
	// The number of occupied slots (i.e. the number of elements in the
	// table).
	used int
	// The number of vacant slots. Tombstones count as neither used nor
	// vacant.
	vacant int
	// The number of rebuilds since New or the last Close.
	resizes int
}

// New constructs a new empty Table. The table starts out with zero capacity
// and allocates on the first insert. The zero value for a Table is not
// usable.
func New[K comparable, V any](options ...Option[K, V]) *Table[K, V] {
	t := &Table[K, V]{
		hash:      defaultHasher[K](),
		seed:      uintptr(rand.Uint64()),
		allocator: defaultAllocator[K, V]{},
		logger:    zap.NewNop(),
	}

	for _, op := range options {
		op.apply(t)
	}

	t.checkInvariants()
	return t
}

// Close closes the table, releasing any memory back to its configured
// allocator. It is unnecessary to close a table using the default
// allocator. It is invalid to use a Table after it has been closed, though
// Close itself is idempotent.
func (t *Table[K, V]) Close() {
	if t.capacity > 0 {
		t.allocator.FreeSlots(t.slots)
		t.allocator.FreeControls(unsafeConvertSlice[uint8](t.ctrls))
	}
	t.ctrls = nil
	t.slots = nil
	t.capacity = 0
	t.used = 0
	t.vacant = 0
	t.resizes = 0
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	return t.used
}

// Insert inserts an entry into the table. If an entry with the same key
// already exists its value is overwritten and the previous value is
// returned with replaced=true.
func (t *Table[K, V]) Insert(key K, value V) (old V, replaced bool) {
	// The load factor is checked as it stands before this insert. An empty
	// table reports a full load factor so the first insert allocates.
	if t.overloaded() {
		t.resize()
	}
	old, replaced = t.insert(t.hash(&key, t.seed), key, value)
	t.checkInvariants()
	return old, replaced
}

// Get retrieves the value from the table for the specified key, returning
// ok=false if the key is not present.
func (t *Table[K, V]) Get(key K) (value V, ok bool) {
	i, ok := t.lookup(t.hash(&key, t.seed), keyEqual(key))
	if !ok {
		return value, false
	}
	return t.slots[i].value, true
}

// GetMut returns a pointer to the value stored for key, or nil if the key is
// not present. The pointer is valid until the next Insert or Remove on the
// table.
func (t *Table[K, V]) GetMut(key K) *V {
	i, ok := t.lookup(t.hash(&key, t.seed), keyEqual(key))
	if !ok {
		return nil
	}
	return &t.slots[i].value
}

// Remove removes the entry for key from the table and returns its value. It
// returns ok=false if the key is not present.
func (t *Table[K, V]) Remove(key K) (value V, ok bool) {
	i, ok := t.lookup(t.hash(&key, t.seed), keyEqual(key))
	if !ok {
		return value, false
	}
	return t.take(i), true
}

func keyEqual[K comparable](key K) func(k *K) bool {
	return func(k *K) bool {
		return *k == key
	}
}

// lookup returns the index of the occupied slot whose key satisfies eq.
func (t *Table[K, V]) lookup(h uintptr, eq func(k *K) bool) (uintptr, bool) {
	// An empty table may not have any slots to probe.
	if t.used == 0 {
		return 0, false
	}
	return t.find(h, eq)
}

// find walks the probe sequence for hash h. It returns the index of the
// first occupied slot whose key satisfies eq with found=true, or the index
// of the first vacant slot with found=false. Walking every slot without
// reaching either means the load factor invariant was broken.
func (t *Table[K, V]) find(h uintptr, eq func(k *K) bool) (i uintptr, found bool) {
	seq := makeProbeSeq(h, t.capacity)
	for n := uintptr(0); n < t.capacity; n, seq = n+1, seq.next() {
		switch t.ctrls[seq.offset] {
		case ctrlVacant:
			return seq.offset, false
		case ctrlOccupied:
			if eq(&t.slots[seq.offset].key) {
				return seq.offset, true
			}
		}
	}
	panic(fmt.Sprintf("invariant failed: probe for hash %#x visited all %d slots\n%s",
		h, t.capacity, t.debugString()))
}

// insert places key in the slot that terminates its probe sequence: the
// slot holding an equal key, or the first vacant slot.
func (t *Table[K, V]) insert(h uintptr, key K, value V) (old V, replaced bool) {
	i, found := t.find(h, keyEqual(key))
	s := &t.slots[i]
	if found {
		old, s.value = s.value, value
		return old, true
	}
	s.key = key
	s.value = value
	t.ctrls[i] = ctrlOccupied
	t.used++
	t.vacant--
	return old, false
}

// take moves the value out of the occupied slot i and leaves a tombstone in
// its place.
func (t *Table[K, V]) take(i uintptr) V {
	s := &t.slots[i]
	value := s.value
	*s = Slot[K, V]{}
	t.ctrls[i] = ctrlTombstone
	t.used--
	t.checkInvariants()
	return value
}

// overloaded reports whether the fraction of non-vacant slots has reached
// the maximum load factor. A table without slots is always overloaded.
func (t *Table[K, V]) overloaded() bool {
	if t.capacity == 0 {
		return true
	}
	return uintptr(t.nonVacant())*maxLoadDen >= t.capacity*maxLoadNum
}

func (t *Table[K, V]) nonVacant() int {
	return int(t.capacity) - t.vacant
}

func (t *Table[K, V]) tombstones() int {
	return int(t.capacity) - t.used - t.vacant
}

// resize rebuilds the table into freshly allocated arrays. The capacity
// doubles if the occupied slots alone exceed the maximum load factor,
// otherwise the capacity is unchanged and the rebuild only drops
// tombstones.
func (t *Table[K, V]) resize() {
	factor := uintptr(1)
	if uintptr(t.used)*maxLoadDen > t.capacity*maxLoadNum {
		factor = 2
	}
	newCapacity := max(minCapacity, t.capacity*factor)

	scratch := Table[K, V]{
		hash:      t.hash,
		seed:      t.seed,
		allocator: t.allocator,
		logger:    t.logger,
		ctrls:     unsafeConvertSlice[ctrl](t.allocator.AllocControls(int(newCapacity))),
		slots:     t.allocator.AllocSlots(int(newCapacity)),
		capacity:  newCapacity,
		vacant:    int(newCapacity),
		resizes:   t.resizes + 1,
	}
	clear(scratch.ctrls)

	for i := uintptr(0); i < t.capacity; i++ {
		if t.ctrls[i] != ctrlOccupied {
			continue
		}
		s := &t.slots[i]
		scratch.insert(t.hash(&s.key, t.seed), s.key, s.value)
	}

	if ce := t.logger.Check(zap.DebugLevel, "resize"); ce != nil {
		ce.Write(
			zap.Uint64("old-capacity", uint64(t.capacity)),
			zap.Uint64("new-capacity", uint64(newCapacity)),
			zap.Int("used", t.used),
			zap.Int("tombstones", t.tombstones()),
		)
	}

	if t.capacity > 0 {
		t.allocator.FreeSlots(t.slots)
		t.allocator.FreeControls(unsafeConvertSlice[uint8](t.ctrls))
	}
	*t = scratch

	t.checkInvariants()
}

// Stats describes the occupancy of a Table.
type Stats struct {
	Capacity   int
	Used       int
	Tombstones int
	Vacant     int
	Resizes    int
}

// LoadFactor returns the fraction of slots that are not vacant.
func (s Stats) LoadFactor() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return 1 - float64(s.Vacant)/float64(s.Capacity)
}

func (s Stats) String() string {
	return fmt.Sprintf("capacity=%d used=%d tombstones=%d vacant=%d load=%.3f resizes=%d",
		s.Capacity, s.Used, s.Tombstones, s.Vacant, s.LoadFactor(), s.Resizes)
}

// Stats returns the current slot accounting of the table.
func (t *Table[K, V]) Stats() Stats {
	return Stats{
		Capacity:   int(t.capacity),
		Used:       t.used,
		Tombstones: t.tombstones(),
		Vacant:     t.vacant,
		Resizes:    t.resizes,
	}
}

func (t *Table[K, V]) checkInvariants() {
	if invariants {
		if t.capacity != 0 && t.capacity < minCapacity {
			panic(fmt.Sprintf("invariant failed: capacity %d below minimum %d\n%s",
				t.capacity, minCapacity, t.debugString()))
		}
		if uintptr(len(t.ctrls)) != t.capacity || uintptr(len(t.slots)) != t.capacity {
			panic(fmt.Sprintf("invariant failed: capacity=%d but len(ctrls)=%d len(slots)=%d",
				t.capacity, len(t.ctrls), len(t.slots)))
		}

		// For every occupied slot, verify we can retrieve the key using Get.
		// Count the number of used and vacant slots.
		var used int
		var vacant int
		for i := uintptr(0); i < t.capacity; i++ {
			switch c := t.ctrls[i]; c {
			case ctrlVacant:
				vacant++
			case ctrlTombstone:
			case ctrlOccupied:
				s := &t.slots[i]
				if j, ok := t.find(t.hash(&s.key, t.seed), keyEqual(s.key)); !ok || j != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v found at %d (ok=%t)\n%s",
						i, s.key, j, ok, t.debugString()))
				}
				used++
			default:
				panic(fmt.Sprintf("invariant failed: slot(%d): unexpected %s", i, c))
			}
		}

		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, t.used, t.debugString()))
		}
		if vacant != t.vacant {
			panic(fmt.Sprintf("invariant failed: found %d vacant slots, but vacant count is %d\n%s",
				vacant, t.vacant, t.debugString()))
		}
		// A compaction at exactly the maximum load factor lets the pending
		// insert land one slot above it.
		if (t.nonVacant()-1)*maxLoadDen > int(t.capacity)*maxLoadNum {
			panic(fmt.Sprintf("invariant failed: %d non-vacant slots exceeds %d/%d of %d by more than one\n%s",
				t.nonVacant(), maxLoadNum, maxLoadDen, t.capacity, t.debugString()))
		}
	}
}

func (t *Table[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  vacant=%d  tombstones=%d\n",
		t.capacity, t.used, t.vacant, t.tombstones())
	for i := uintptr(0); i < t.capacity; i++ {
		switch c := t.ctrls[i]; c {
		case ctrlOccupied:
			s := &t.slots[i]
			h := t.hash(&s.key, t.seed)
			fmt.Fprintf(&buf, "  %4d: %v [home=%d]\n", i, s.key, h%t.capacity)
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, c)
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a linear probe sequence starting at
// hash%capacity and wrapping at capacity:
//
//	p(i) := (hash + i) mod capacity
//
// A sequence of capacity steps visits every slot exactly once.
type probeSeq struct {
	capacity uintptr
	offset   uintptr
	index    uintptr
}

func makeProbeSeq(hash, capacity uintptr) probeSeq {
	if capacity == 0 {
		return probeSeq{}
	}
	return probeSeq{
		capacity: capacity,
		offset:   hash % capacity,
		index:    0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset++
	if s.offset == s.capacity {
		s.offset = 0
	}
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("capacity=%d offset=%d index=%d", s.capacity, s.offset, s.index)
}
