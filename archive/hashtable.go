package archive

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Compact hashtable
// ---------------------------------------------------------------------------

// A compact hashtable maps string keys to offsets in one region and is
// served straight from the mapped image bytes:
//
//	u32 entry count | u32 bucket count | u8 region | 3 bytes pad
//	(bucket count + 1) x u32 first entry of bucket
//	entry count x { u32 hash | u32 key offset | u32 target offset }
//	key pool: varint length + bytes per key

const (
	hashtableHeaderSize = 12
	hashtableEntrySize  = 12
	hashtableLoad       = 4
)

func hashKey(key string) uint32 {
	return uint32(xxh3.HashString(key))
}

type tableEntry struct {
	key    string
	target uint32
}

// buildHashtable encodes entries. Keys must be unique; entries are laid
// out by bucket, then key, so the output is deterministic.
func buildHashtable(region Region, entries []tableEntry) ([]byte, error) {
	n := len(entries)
	buckets := (n + hashtableLoad - 1) / hashtableLoad
	if buckets == 0 {
		buckets = 1
	}

	type placed struct {
		tableEntry
		hash   uint32
		bucket int
	}
	ps := make([]placed, n)
	for i, e := range entries {
		h := hashKey(e.key)
		ps[i] = placed{tableEntry: e, hash: h, bucket: int(h % uint32(buckets))}
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].bucket != ps[j].bucket {
			return ps[i].bucket < ps[j].bucket
		}
		return ps[i].key < ps[j].key
	})
	for i := 1; i < n; i++ {
		if ps[i].key == ps[i-1].key {
			return nil, fmt.Errorf("hashtable: duplicate key %q", ps[i].key)
		}
	}

	var pool buffer
	keyOffsets := make([]uint32, n)
	for i, p := range ps {
		keyOffsets[i] = uint32(pool.Len())
		pool.varint(uint64(len(p.key)))
		pool.b = append(pool.b, p.key...)
	}

	var w buffer
	w.u32(uint32(n))
	w.u32(uint32(buckets))
	w.u8(uint8(region))
	w.pad(3)
	next := 0
	for b := 0; b <= buckets; b++ {
		for next < n && ps[next].bucket < b {
			next++
		}
		w.u32(uint32(next))
	}
	for i, p := range ps {
		w.u32(p.hash)
		w.u32(keyOffsets[i])
		w.u32(p.target)
	}
	w.b = append(w.b, pool.Bytes()...)
	return w.Bytes(), nil
}

// Hashtable is a read-only view of an encoded compact hashtable.
type Hashtable struct {
	data    []byte
	count   int
	buckets int
	region  Region
	entries int
	pool    int
}

func openHashtable(data []byte) (*Hashtable, error) {
	if len(data) < hashtableHeaderSize {
		return nil, fmt.Errorf("%w: hashtable header truncated", ErrCorrupt)
	}
	t := &Hashtable{
		data:    data,
		count:   int(ReadUint32(data)),
		buckets: int(ReadUint32(data[4:])),
		region:  Region(data[8]),
	}
	if t.buckets == 0 || t.region >= regionCount {
		return nil, fmt.Errorf("%w: hashtable header invalid", ErrCorrupt)
	}
	t.entries = hashtableHeaderSize + 4*(t.buckets+1)
	t.pool = t.entries + hashtableEntrySize*t.count
	if t.pool > len(data) {
		return nil, fmt.Errorf("%w: hashtable truncated", ErrCorrupt)
	}
	return t, nil
}

// Len returns the number of entries.
func (t *Hashtable) Len() int {
	return t.count
}

// Region returns the region all targets live in.
func (t *Hashtable) Region() Region {
	return t.region
}

func (t *Hashtable) bucketStart(b int) int {
	return int(ReadUint32(t.data[hashtableHeaderSize+4*b:]))
}

func (t *Hashtable) entry(i int) (hash, keyOff, target uint32) {
	p := t.data[t.entries+hashtableEntrySize*i:]
	return ReadUint32(p), ReadUint32(p[4:]), ReadUint32(p[8:])
}

func (t *Hashtable) key(off uint32) []byte {
	p := t.data[t.pool+int(off):]
	n, k := ReadVarInt(p)
	if k == 0 || k+int(n) > len(p) {
		return nil
	}
	return p[k : k+int(n)]
}

// Lookup returns the handle stored under key.
func (t *Hashtable) Lookup(key string) (Handle, bool) {
	h := hashKey(key)
	b := int(h % uint32(t.buckets))
	start, end := t.bucketStart(b), t.bucketStart(b+1)
	if end > t.count {
		end = t.count
	}
	for i := start; i < end; i++ {
		eh, koff, target := t.entry(i)
		if eh == h && bytes.Equal(t.key(koff), []byte(key)) {
			return Handle{Region: t.region, Offset: target}, true
		}
	}
	return Handle{}, false
}

// Each calls fn for every entry in table order.
func (t *Hashtable) Each(fn func(key string, h Handle)) {
	for i := 0; i < t.count; i++ {
		_, koff, target := t.entry(i)
		fn(string(t.key(koff)), Handle{Region: t.region, Offset: target})
	}
}
