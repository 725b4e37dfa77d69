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

package probe

import (
	"hash/maphash"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// defaultHasher returns the hash function used when no WithHash option is
// given. Strings are hashed with xxhash. Fixed-width integer keys are hashed
// with xxhash over their in-memory bytes. Every other comparable type falls
// back to hash/maphash with a seed chosen when the hasher is created.
func defaultHasher[K comparable]() func(key *K, seed uintptr) uintptr {
	switch any(*new(K)).(type) {
	case string:
		return func(key *K, seed uintptr) uintptr {
			return hashString(*(*string)(unsafe.Pointer(key)), seed)
		}

	case int, uint, uintptr, int64, uint64, int32, uint32, int16, uint16, int8, uint8:
		size := unsafe.Sizeof(*new(K))
		return func(key *K, seed uintptr) uintptr {
			b := unsafe.Slice((*byte)(unsafe.Pointer(key)), size)
			return uintptr(xxhash.Sum64(b) ^ uint64(seed))
		}

	default:
		mseed := maphash.MakeSeed()
		return func(key *K, seed uintptr) uintptr {
			return uintptr(maphash.Comparable(mseed, *key) ^ uint64(seed))
		}
	}
}

func hashString(s string, seed uintptr) uintptr {
	return uintptr(xxhash.Sum64String(s) ^ uint64(seed))
}

// Equivalent is a lookup key of some type other than K that stands in for a
// key of type K, such as a []byte standing in for a string. Hash must return
// the same value the table's hash function returns for the key that Equal
// reports as equal. The table does not verify this.
type Equivalent[K comparable] interface {
	Hash(seed uintptr) uintptr
	Equal(key *K) bool
}

// GetEquivalent is Get for a borrowed lookup key.
func (t *Table[K, V]) GetEquivalent(q Equivalent[K]) (value V, ok bool) {
	i, ok := t.lookup(q.Hash(t.seed), q.Equal)
	if !ok {
		return value, false
	}
	return t.slots[i].value, true
}

// GetMutEquivalent is GetMut for a borrowed lookup key.
func (t *Table[K, V]) GetMutEquivalent(q Equivalent[K]) *V {
	i, ok := t.lookup(q.Hash(t.seed), q.Equal)
	if !ok {
		return nil
	}
	return &t.slots[i].value
}

// RemoveEquivalent is Remove for a borrowed lookup key.
func (t *Table[K, V]) RemoveEquivalent(q Equivalent[K]) (value V, ok bool) {
	i, ok := t.lookup(q.Hash(t.seed), q.Equal)
	if !ok {
		return value, false
	}
	return t.take(i), true
}

// Bytes returns an Equivalent that looks up the string equal to b without
// allocating. It agrees with the default hash function for string keys and
// must not be used with a table configured through WithHash.
func Bytes(b []byte) Equivalent[string] {
	return bytesKey(b)
}

type bytesKey []byte

func (b bytesKey) Hash(seed uintptr) uintptr {
	return uintptr(xxhash.Sum64(b) ^ uint64(seed))
}

func (b bytesKey) Equal(key *string) bool {
	return string(b) == *key
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
