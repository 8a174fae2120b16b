package keyspace

import (
	"context"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// DefaultShardCount is the default number of shards.
const DefaultShardCount = 16

// entryOverhead approximates per-entry bookkeeping for memory accounting.
const entryOverhead = 64

// Keyspace is the shared map of key to entry.
type Keyspace struct {
	shards []*shard
	mask   uint32
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Entry
}

// New creates a keyspace with the default shard count.
func New() *Keyspace {
	return NewWithShards(DefaultShardCount)
}

// NewWithShards creates a keyspace with the given shard count, which must
// be a power of two (falls back to the default otherwise).
func NewWithShards(n int) *Keyspace {
	if n <= 0 || n&(n-1) != 0 {
		n = DefaultShardCount
	}
	ks := &Keyspace{
		shards: make([]*shard, n),
		mask:   uint32(n - 1),
	}
	for i := range ks.shards {
		ks.shards[i] = &shard{items: make(map[string]Entry)}
	}
	return ks
}

func (ks *Keyspace) shardIndex(key string) uint32 {
	return murmur3.Sum32([]byte(key)) & ks.mask
}

func (ks *Keyspace) shardFor(key string) *shard {
	return ks.shards[ks.shardIndex(key)]
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// getLive returns the entry under s.mu held for writing, deleting it first
// when expired.
func (s *shard) getLive(key string, now int64) (Entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	if e.expired(now) {
		delete(s.items, key)
		return Entry{}, false
	}
	return e, true
}

// Get returns the value stored under key.
func (ks *Keyspace) Get(key string) (Value, bool) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return Value{}, false
	}
	if !e.expired(now) {
		return e.Val, true
	}

	// Expired: take the write lock to remove it.
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.getLive(key, now)
	if !ok {
		return Value{}, false
	}
	return e.Val, true
}

// Condition restricts when Set stores a value.
type Condition uint8

const (
	CondNone Condition = iota
	CondNX
	CondXX
)

// SetOptions modifies Set behavior.
type SetOptions struct {
	Cond      Condition
	ExpiresAt int64 // absolute ms deadline; 0 clears the TTL unless KeepTTL
	KeepTTL   bool
	// GetPrev requests the previous value; the write is refused with
	// ErrWrongType when the existing value is not a string.
	GetPrev bool
}

// SetResult reports the outcome of a Set.
type SetResult struct {
	Did       bool
	Prev      Value
	PrevOK    bool
	ExpiresAt int64 // deadline actually stored
}

// Set stores a value under key subject to opts.
func (ks *Keyspace) Set(key string, val Value, opts SetOptions) (SetResult, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.getLive(key, now)
	if opts.GetPrev && exists && prev.Val.Kind != KindString {
		return SetResult{}, ErrWrongType
	}
	switch opts.Cond {
	case CondNX:
		if exists {
			return SetResult{Prev: prev.Val, PrevOK: exists}, nil
		}
	case CondXX:
		if !exists {
			return SetResult{}, nil
		}
	}

	deadline := opts.ExpiresAt
	if opts.KeepTTL && exists {
		deadline = prev.ExpiresAt
	}
	s.items[key] = Entry{Val: val, ExpiresAt: deadline}
	return SetResult{Did: true, Prev: prev.Val, PrevOK: exists, ExpiresAt: deadline}, nil
}

// GetSet replaces the string under key and returns the previous one.
// The TTL is cleared, matching SET without an expiry.
func (ks *Keyspace) GetSet(key string, val Value) (Value, bool, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.getLive(key, now)
	if existed && prev.Val.Kind != KindString {
		return Value{}, false, ErrWrongType
	}
	s.items[key] = Entry{Val: val}
	return prev.Val, existed, nil
}

// GetDel returns the string under key and removes it.
func (ks *Keyspace) GetDel(key string) (Value, bool, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if !ok {
		return Value{}, false, nil
	}
	if e.Val.Kind != KindString {
		return Value{}, false, ErrWrongType
	}
	delete(s.items, key)
	return e.Val, true, nil
}

// TTLMode selects what GetEx does to the deadline.
type TTLMode uint8

const (
	TTLNone TTLMode = iota
	TTLSet
	TTLPersist
)

// GetEx returns the string under key, optionally updating its deadline.
// changed reports whether the deadline was modified.
func (ks *Keyspace) GetEx(key string, mode TTLMode, at int64) (Value, bool, bool, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if !ok {
		return Value{}, false, false, nil
	}
	if e.Val.Kind != KindString {
		return Value{}, false, false, ErrWrongType
	}

	changed := false
	switch mode {
	case TTLSet:
		e.ExpiresAt = at
		s.items[key] = e
		changed = true
	case TTLPersist:
		if e.ExpiresAt != 0 {
			e.ExpiresAt = 0
			s.items[key] = e
			changed = true
		}
	}
	return e.Val, true, changed, nil
}

// Append concatenates suffix to the string under key, creating it when
// absent. It returns the new value and the preserved deadline.
func (ks *Keyspace) Append(key string, suffix []byte) ([]byte, int64, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if ok && e.Val.Kind != KindString {
		return nil, 0, ErrWrongType
	}
	next := make([]byte, 0, len(e.Val.Data)+len(suffix))
	next = append(next, e.Val.Data...)
	next = append(next, suffix...)
	s.items[key] = Entry{Val: StringValue(next), ExpiresAt: e.ExpiresAt}
	return next, e.ExpiresAt, nil
}

// SetRange writes value at the byte offset, zero-padding as needed.
func (ks *Keyspace) SetRange(key string, offset int, value []byte) ([]byte, int64, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if ok && e.Val.Kind != KindString {
		return nil, 0, ErrWrongType
	}
	cur := e.Val.Data
	need := offset + len(value)
	next := make([]byte, max(len(cur), need))
	copy(next, cur)
	copy(next[offset:], value)
	s.items[key] = Entry{Val: StringValue(next), ExpiresAt: e.ExpiresAt}
	return next, e.ExpiresAt, nil
}

// GetRange returns the inclusive byte range [start, end] of the string
// under key, with negative offsets counting from the end.
func (ks *Keyspace) GetRange(key string, start, end int64) ([]byte, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if !ok {
		return nil, nil
	}
	if e.Val.Kind != KindString {
		return nil, ErrWrongType
	}
	return sliceRange(e.Val.Data, start, end), nil
}

func sliceRange(value []byte, start, end int64) []byte {
	if len(value) == 0 {
		return nil
	}
	length := int64(len(value))
	if start < 0 {
		start = length + start
	}
	if end < 0 {
		end = length + end
	}
	if start < 0 {
		start = 0
	}
	if end < 0 || start >= length || start > end {
		return nil
	}
	if end >= length {
		end = length - 1
	}
	out := make([]byte, end-start+1)
	copy(out, value[start:end+1])
	return out
}

// IncrBy adjusts the integer under key by delta, creating it at zero when
// absent. It returns the new value and the preserved deadline.
func (ks *Keyspace) IncrBy(key string, delta int64) (int64, int64, error) {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur int64
	e, ok := s.getLive(key, now)
	if ok {
		if e.Val.Kind != KindString {
			return 0, 0, ErrWrongType
		}
		parsed, err := strconv.ParseInt(string(e.Val.Data), 10, 64)
		if err != nil {
			return 0, 0, ErrNotInteger
		}
		cur = parsed
	}

	if (delta > 0 && cur > (1<<63-1)-delta) || (delta < 0 && cur < -(1<<63-1)-1-delta) {
		return 0, 0, ErrOverflow
	}
	next := cur + delta
	s.items[key] = Entry{
		Val:       StringValue([]byte(strconv.FormatInt(next, 10))),
		ExpiresAt: e.ExpiresAt,
	}
	return next, e.ExpiresAt, nil
}

// Del removes the given keys and returns how many existed.
func (ks *Keyspace) Del(keys ...string) int64 {
	var removed int64
	now := nowMillis()
	for _, key := range keys {
		s := ks.shardFor(key)
		s.mu.Lock()
		if _, ok := s.getLive(key, now); ok {
			delete(s.items, key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// Exists counts how many of the given keys exist, counting duplicates.
func (ks *Keyspace) Exists(keys ...string) int64 {
	var count int64
	now := nowMillis()
	for _, key := range keys {
		s := ks.shardFor(key)
		s.mu.Lock()
		if _, ok := s.getLive(key, now); ok {
			count++
		}
		s.mu.Unlock()
	}
	return count
}

// Type returns the TYPE name for key, or "none".
func (ks *Keyspace) Type(key string) string {
	v, ok := ks.Get(key)
	if !ok {
		return "none"
	}
	return v.TypeName()
}

// ExpireFlag restricts when an expiry update applies.
type ExpireFlag uint8

const (
	ExpireAlways ExpireFlag = iota
	ExpireNX                // only when no deadline is set
	ExpireXX                // only when a deadline is set
	ExpireGT                // only when the new deadline is later
	ExpireLT                // only when the new deadline is earlier
)

// ExpireAt sets the deadline of key to at (Unix ms), subject to flag.
// A deadline at or before now deletes the key. Returns whether the
// deadline was updated.
func (ks *Keyspace) ExpireAt(key string, at int64, flag ExpireFlag) bool {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if !ok {
		return false
	}

	switch flag {
	case ExpireNX:
		if e.ExpiresAt != 0 {
			return false
		}
	case ExpireXX:
		if e.ExpiresAt == 0 {
			return false
		}
	case ExpireGT:
		// A persistent key counts as infinite, so GT never applies.
		if e.ExpiresAt == 0 || at <= e.ExpiresAt {
			return false
		}
	case ExpireLT:
		if e.ExpiresAt != 0 && at >= e.ExpiresAt {
			return false
		}
	}

	if at <= now {
		delete(s.items, key)
		return true
	}
	e.ExpiresAt = at
	s.items[key] = e
	return true
}

// Persist clears the deadline of key. Returns whether a deadline existed.
func (ks *Keyspace) Persist(key string) bool {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if !ok || e.ExpiresAt == 0 {
		return false
	}
	e.ExpiresAt = 0
	s.items[key] = e
	return true
}

// PTTL returns the remaining lifetime of key in milliseconds, -1 when the
// key has no deadline and -2 when it does not exist.
func (ks *Keyspace) PTTL(key string) int64 {
	s := ks.shardFor(key)
	now := nowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLive(key, now)
	if !ok {
		return -2
	}
	if e.ExpiresAt == 0 {
		return -1
	}
	return e.ExpiresAt - now
}

// KV is one key/value pair for multi-key mutations.
type KV struct {
	Key string
	Val Value
}

// lockAll write-locks every shard covering the given keys in ascending
// index order and returns the unlock function.
func (ks *Keyspace) lockAll(keys []string) func() {
	seen := make(map[uint32]struct{}, len(keys))
	idxs := make([]uint32, 0, len(keys))
	for _, k := range keys {
		i := ks.shardIndex(k)
		if _, ok := seen[i]; !ok {
			seen[i] = struct{}{}
			idxs = append(idxs, i)
		}
	}
	sort.Slice(idxs, func(a, b int) bool { return idxs[a] < idxs[b] })
	for _, i := range idxs {
		ks.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idxs) - 1; j >= 0; j-- {
			ks.shards[idxs[j]].mu.Unlock()
		}
	}
}

// MSet stores every pair atomically, clearing TTLs.
func (ks *Keyspace) MSet(pairs []KV) {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	unlock := ks.lockAll(keys)
	defer unlock()

	for _, p := range pairs {
		ks.shardFor(p.Key).items[p.Key] = Entry{Val: p.Val}
	}
}

// MSetNX stores every pair atomically only if none of the keys exist.
func (ks *Keyspace) MSetNX(pairs []KV) bool {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	unlock := ks.lockAll(keys)
	defer unlock()

	now := nowMillis()
	for _, p := range pairs {
		if _, ok := ks.shardFor(p.Key).getLive(p.Key, now); ok {
			return false
		}
	}
	for _, p := range pairs {
		ks.shardFor(p.Key).items[p.Key] = Entry{Val: p.Val}
	}
	return true
}

// matchingKeys returns the sorted live keys matching pattern and, when
// typeFilter is non-empty, the given TYPE name.
func (ks *Keyspace) matchingKeys(pattern []byte, typeFilter string) []string {
	now := nowMillis()
	var out []string
	for _, s := range ks.shards {
		s.mu.RLock()
		for k, e := range s.items {
			if e.expired(now) {
				continue
			}
			if typeFilter != "" && e.Val.TypeName() != typeFilter {
				continue
			}
			if globMatch(pattern, []byte(k)) {
				out = append(out, k)
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Keys returns the sorted live keys matching pattern.
func (ks *Keyspace) Keys(pattern []byte) []string {
	return ks.matchingKeys(pattern, "")
}

// Scan pages through a sorted snapshot of the keys matching pattern. The
// cursor indexes into that snapshot; 0 means start, and a returned 0 means
// the iteration is complete. Keys added or removed between calls may be
// missed or duplicated, which mirrors the weak SCAN guarantee.
func (ks *Keyspace) Scan(cursor uint64, pattern []byte, count int, typeFilter string) (uint64, []string) {
	keys := ks.matchingKeys(pattern, typeFilter)

	start := int(cursor)
	if start >= len(keys) {
		return 0, nil
	}
	if count < 1 {
		count = 1
	}
	end := start + count
	if end >= len(keys) {
		return 0, keys[start:]
	}
	return uint64(end), keys[start:end]
}

// DBSize purges expired entries and returns the live key count.
func (ks *Keyspace) DBSize() int64 {
	var total int64
	now := nowMillis()
	for _, s := range ks.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.expired(now) {
				delete(s.items, k)
			}
		}
		total += int64(len(s.items))
		s.mu.Unlock()
	}
	return total
}

// Len returns the raw entry count, including not-yet-purged expired keys.
func (ks *Keyspace) Len() int {
	n := 0
	for _, s := range ks.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns key count, expiring key count, and approximate memory.
func (ks *Keyspace) Stats() (keys int, expiring int, memory int64) {
	for _, s := range ks.shards {
		s.mu.RLock()
		keys += len(s.items)
		for k, e := range s.items {
			if e.ExpiresAt != 0 {
				expiring++
			}
			memory += int64(len(k) + len(e.Val.Data) + entryOverhead)
		}
		s.mu.RUnlock()
	}
	return keys, expiring, memory
}

// MemoryUsage returns the approximate footprint of one key in bytes.
func (ks *Keyspace) MemoryUsage(key string) (int64, bool) {
	v, ok := ks.Get(key)
	if !ok {
		return 0, false
	}
	return int64(len(key) + len(v.Data) + entryOverhead), true
}

// DumpEntry is one record of a consistent keyspace iteration.
type DumpEntry struct {
	Key       string
	Val       Value
	ExpiresAt int64
}

// Dump write-locks every shard, purges expired entries, and returns the
// live contents. This is the write-excluding window backing snapshots and
// log rewrites.
func (ks *Keyspace) Dump() []DumpEntry {
	for _, s := range ks.shards {
		s.mu.Lock()
	}
	defer func() {
		for i := len(ks.shards) - 1; i >= 0; i-- {
			ks.shards[i].mu.Unlock()
		}
	}()

	now := nowMillis()
	var out []DumpEntry
	for _, s := range ks.shards {
		for k, e := range s.items {
			if e.expired(now) {
				delete(s.items, k)
				continue
			}
			out = append(out, DumpEntry{Key: k, Val: e.Val, ExpiresAt: e.ExpiresAt})
		}
	}
	return out
}

// Restore inserts an entry directly, dropping it when already expired.
// Used by snapshot load and log replay.
func (ks *Keyspace) Restore(key string, val Value, expiresAt int64) {
	if expiresAt != 0 && expiresAt <= nowMillis() {
		return
	}
	s := ks.shardFor(key)
	s.mu.Lock()
	s.items[key] = Entry{Val: val, ExpiresAt: expiresAt}
	s.mu.Unlock()
}

// PurgeSample inspects up to n random entries and deletes the expired
// ones, returning the purge count.
func (ks *Keyspace) PurgeSample(n int) int {
	if n <= 0 {
		return 0
	}
	purged := 0
	now := nowMillis()
	start := rand.IntN(len(ks.shards))
	seen := 0
	for i := 0; i < len(ks.shards) && seen < n; i++ {
		s := ks.shards[(start+i)%len(ks.shards)]
		s.mu.Lock()
		for k, e := range s.items {
			if seen >= n {
				break
			}
			seen++
			if e.expired(now) {
				delete(s.items, k)
				purged++
			}
		}
		s.mu.Unlock()
	}
	return purged
}

// RunSampler purges expired entries on a fixed cadence until ctx is done.
// onPurge, when non-nil, observes each tick's purge count.
func (ks *Keyspace) RunSampler(ctx context.Context, interval time.Duration, sampleSize int, onPurge func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := ks.PurgeSample(sampleSize)
			if onPurge != nil && n > 0 {
				onPurge(n)
			}
		}
	}
}
