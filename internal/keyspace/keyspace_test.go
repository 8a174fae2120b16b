package keyspace

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	ks := New()
	res, err := ks.Set("foo", StringValue([]byte("bar")), SetOptions{})
	require.NoError(t, err)
	assert.True(t, res.Did)

	v, ok := ks.Get("foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), v.Data)
}

func TestSetConditions(t *testing.T) {
	ks := New()

	res, err := ks.Set("k", StringValue([]byte("v1")), SetOptions{Cond: CondXX})
	require.NoError(t, err)
	assert.False(t, res.Did, "XX on a missing key must not store")

	res, err = ks.Set("k", StringValue([]byte("v1")), SetOptions{Cond: CondNX})
	require.NoError(t, err)
	assert.True(t, res.Did)

	res, err = ks.Set("k", StringValue([]byte("v2")), SetOptions{Cond: CondNX})
	require.NoError(t, err)
	assert.False(t, res.Did, "NX on an existing key must not store")

	v, _ := ks.Get("k")
	assert.Equal(t, []byte("v1"), v.Data)
}

func TestSetKeepTTL(t *testing.T) {
	ks := New()
	deadline := time.Now().UnixMilli() + 60_000

	_, err := ks.Set("k", StringValue([]byte("v1")), SetOptions{ExpiresAt: deadline})
	require.NoError(t, err)

	res, err := ks.Set("k", StringValue([]byte("v2")), SetOptions{KeepTTL: true})
	require.NoError(t, err)
	assert.Equal(t, deadline, res.ExpiresAt)

	res, err = ks.Set("k", StringValue([]byte("v3")), SetOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.ExpiresAt, "plain SET clears the TTL")
}

func TestExpiredEntryIsAbsent(t *testing.T) {
	ks := New()
	_, err := ks.Set("k", StringValue([]byte("v")), SetOptions{ExpiresAt: time.Now().UnixMilli() - 1})
	require.NoError(t, err)

	_, ok := ks.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(-2), ks.PTTL("k"))
	assert.Equal(t, int64(0), ks.Exists("k"))
}

func TestPTTLContract(t *testing.T) {
	ks := New()
	assert.Equal(t, int64(-2), ks.PTTL("missing"))

	_, err := ks.Set("k", StringValue([]byte("v")), SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ks.PTTL("k"))

	deadline := time.Now().UnixMilli() + 5000
	require.True(t, ks.ExpireAt("k", deadline, ExpireAlways))
	ttl := ks.PTTL("k")
	assert.Greater(t, ttl, int64(0))
	assert.LessOrEqual(t, ttl, int64(5000))
}

func TestExpireAtPastDeletes(t *testing.T) {
	ks := New()
	_, err := ks.Set("k", StringValue([]byte("v")), SetOptions{})
	require.NoError(t, err)

	assert.True(t, ks.ExpireAt("k", time.Now().UnixMilli(), ExpireAlways))
	_, ok := ks.Get("k")
	assert.False(t, ok)
}

func TestExpireFlags(t *testing.T) {
	ks := New()
	now := time.Now().UnixMilli()
	_, err := ks.Set("k", StringValue([]byte("v")), SetOptions{})
	require.NoError(t, err)

	// NX applies only without a deadline; GT never applies to a
	// persistent key.
	assert.False(t, ks.ExpireAt("k", now+10_000, ExpireXX))
	assert.False(t, ks.ExpireAt("k", now+10_000, ExpireGT))
	assert.True(t, ks.ExpireAt("k", now+10_000, ExpireNX))
	assert.False(t, ks.ExpireAt("k", now+20_000, ExpireNX))

	// GT/LT compare against the current deadline.
	assert.False(t, ks.ExpireAt("k", now+5_000, ExpireGT))
	assert.True(t, ks.ExpireAt("k", now+20_000, ExpireGT))
	assert.False(t, ks.ExpireAt("k", now+30_000, ExpireLT))
	assert.True(t, ks.ExpireAt("k", now+15_000, ExpireLT))
}

func TestPersist(t *testing.T) {
	ks := New()
	_, err := ks.Set("k", StringValue([]byte("v")), SetOptions{ExpiresAt: time.Now().UnixMilli() + 60_000})
	require.NoError(t, err)

	assert.True(t, ks.Persist("k"))
	assert.Equal(t, int64(-1), ks.PTTL("k"))
	assert.False(t, ks.Persist("k"), "no deadline left to clear")
}

func TestIncrByRoundTrip(t *testing.T) {
	ks := New()

	n, _, err := ks.IncrBy("n", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, _, err = ks.IncrBy("n", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIncrByErrors(t *testing.T) {
	ks := New()
	_, err := ks.Set("s", StringValue([]byte("notanint")), SetOptions{})
	require.NoError(t, err)

	_, _, err = ks.IncrBy("s", 1)
	assert.ErrorIs(t, err, ErrNotInteger)

	maxVal := strconv.FormatInt(1<<63-1, 10)
	_, err = ks.Set("m", StringValue([]byte(maxVal)), SetOptions{})
	require.NoError(t, err)
	_, _, err = ks.IncrBy("m", 1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, _, err = ks.IncrBy("m", -1)
	assert.NoError(t, err)
}

func TestIncrPreservesTTL(t *testing.T) {
	ks := New()
	deadline := time.Now().UnixMilli() + 60_000
	_, err := ks.Set("n", StringValue([]byte("41")), SetOptions{ExpiresAt: deadline})
	require.NoError(t, err)

	n, exp, err := ks.IncrBy("n", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.Equal(t, deadline, exp)
}

func TestAppendCreatesAndConcatenates(t *testing.T) {
	ks := New()

	next, _, err := ks.Append("k", []byte("Hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello"), next)

	next, _, err = ks.Append("k", []byte(" World"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello World"), next)

	// Idempotent on size for an empty suffix.
	next, _, err = ks.Append("k", nil)
	require.NoError(t, err)
	assert.Len(t, next, 11)
}

func TestSetRangeZeroPads(t *testing.T) {
	ks := New()
	next, _, err := ks.SetRange("k", 5, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 'x'}, next)
}

func TestGetRangeSemantics(t *testing.T) {
	ks := New()
	_, err := ks.Set("k", StringValue([]byte("This is a string")), SetOptions{})
	require.NoError(t, err)

	got, err := ks.GetRange("k", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("This"), got)

	got, err = ks.GetRange("k", -3, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("ing"), got)

	got, err = ks.GetRange("k", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("This is a string"), got)

	got, err = ks.GetRange("k", 100, 200)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetSetClearsTTLAndReturnsOld(t *testing.T) {
	ks := New()
	_, err := ks.Set("k", StringValue([]byte("old")), SetOptions{ExpiresAt: time.Now().UnixMilli() + 60_000})
	require.NoError(t, err)

	prev, existed, err := ks.GetSet("k", StringValue([]byte("new")))
	require.NoError(t, err)
	require.True(t, existed)
	assert.Equal(t, []byte("old"), prev.Data)
	assert.Equal(t, int64(-1), ks.PTTL("k"))
}

func TestGetDel(t *testing.T) {
	ks := New()
	_, err := ks.Set("k", StringValue([]byte("v")), SetOptions{})
	require.NoError(t, err)

	v, ok, err := ks.GetDel("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v.Data)

	_, ok, err = ks.GetDel("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrongTypeGuards(t *testing.T) {
	ks := New()
	doc, err := JSONValue([]byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = ks.Set("j", doc, SetOptions{})
	require.NoError(t, err)

	_, _, err = ks.IncrBy("j", 1)
	assert.ErrorIs(t, err, ErrWrongType)
	_, _, err = ks.Append("j", []byte("x"))
	assert.ErrorIs(t, err, ErrWrongType)
	_, err = ks.GetRange("j", 0, 1)
	assert.ErrorIs(t, err, ErrWrongType)
	_, _, err = ks.GetSet("j", StringValue([]byte("v")))
	assert.ErrorIs(t, err, ErrWrongType)
	_, _, _, err = ks.GetEx("j", TTLNone, 0)
	assert.ErrorIs(t, err, ErrWrongType)
	_, err = ks.Set("j", StringValue([]byte("v")), SetOptions{GetPrev: true})
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestMSetNXAllOrNothing(t *testing.T) {
	ks := New()
	ok := ks.MSetNX([]KV{
		{Key: "a", Val: StringValue([]byte("1"))},
		{Key: "b", Val: StringValue([]byte("2"))},
	})
	assert.True(t, ok)

	ok = ks.MSetNX([]KV{
		{Key: "b", Val: StringValue([]byte("x"))},
		{Key: "c", Val: StringValue([]byte("3"))},
	})
	assert.False(t, ok)

	_, exists := ks.Get("c")
	assert.False(t, exists, "partial MSETNX must not store anything")
}

func TestScanVisitsEveryKey(t *testing.T) {
	ks := New()
	want := map[string]bool{}
	for i := 0; i < 57; i++ {
		key := "key:" + strconv.Itoa(i)
		_, err := ks.Set(key, StringValue([]byte("v")), SetOptions{})
		require.NoError(t, err)
		want[key] = false
	}

	cursor := uint64(0)
	for {
		next, batch := ks.Scan(cursor, []byte("*"), 10, "")
		for _, k := range batch {
			want[k] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	for k, seen := range want {
		assert.True(t, seen, "key %s not visited", k)
	}
}

func TestScanMatchAndType(t *testing.T) {
	ks := New()
	_, err := ks.Set("user:1", StringValue([]byte("a")), SetOptions{})
	require.NoError(t, err)
	_, err = ks.Set("order:1", StringValue([]byte("b")), SetOptions{})
	require.NoError(t, err)
	doc, err := JSONValue([]byte(`[]`))
	require.NoError(t, err)
	_, err = ks.Set("user:2", doc, SetOptions{})
	require.NoError(t, err)

	_, keys := ks.Scan(0, []byte("user:*"), 100, "")
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	_, keys = ks.Scan(0, []byte("user:*"), 100, "string")
	assert.Equal(t, []string{"user:1"}, keys)
}

func TestKeysSorted(t *testing.T) {
	ks := New()
	for _, k := range []string{"b", "a", "c"} {
		_, err := ks.Set(k, StringValue([]byte("v")), SetOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ks.Keys([]byte("*")))
}

func TestDBSizeExcludesExpired(t *testing.T) {
	ks := New()
	_, err := ks.Set("live", StringValue([]byte("v")), SetOptions{})
	require.NoError(t, err)
	_, err = ks.Set("dead", StringValue([]byte("v")), SetOptions{ExpiresAt: time.Now().UnixMilli() - 1})
	require.NoError(t, err)

	assert.Equal(t, int64(1), ks.DBSize())
}

func TestPurgeSample(t *testing.T) {
	ks := New()
	for i := 0; i < 10; i++ {
		_, err := ks.Set("dead:"+strconv.Itoa(i), StringValue([]byte("v")),
			SetOptions{ExpiresAt: time.Now().UnixMilli() - 1})
		require.NoError(t, err)
	}

	total := 0
	for i := 0; i < 50 && total < 10; i++ {
		total += ks.PurgeSample(20)
	}
	assert.Equal(t, 10, total)
	assert.Zero(t, ks.Len())
}

func TestDumpAndRestore(t *testing.T) {
	ks := New()
	deadline := time.Now().UnixMilli() + 60_000
	_, err := ks.Set("a", StringValue([]byte("1")), SetOptions{})
	require.NoError(t, err)
	_, err = ks.Set("b", StringValue([]byte("2")), SetOptions{ExpiresAt: deadline})
	require.NoError(t, err)

	dump := ks.Dump()
	require.Len(t, dump, 2)

	restored := New()
	for _, e := range dump {
		restored.Restore(e.Key, e.Val, e.ExpiresAt)
	}
	v, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v.Data)

	ttl := restored.PTTL("b")
	assert.Greater(t, ttl, int64(0))
	assert.LessOrEqual(t, ttl, int64(60_000))
}

func TestRestoreSkipsExpired(t *testing.T) {
	ks := New()
	ks.Restore("dead", StringValue([]byte("v")), time.Now().UnixMilli()-1)
	assert.Zero(t, ks.Len())
}

func TestTypeNames(t *testing.T) {
	ks := New()
	_, err := ks.Set("s", StringValue([]byte("v")), SetOptions{})
	require.NoError(t, err)
	doc, err := JSONValue([]byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = ks.Set("j", doc, SetOptions{})
	require.NoError(t, err)

	assert.Equal(t, "string", ks.Type("s"))
	assert.Equal(t, "json", ks.Type("j"))
	assert.Equal(t, "none", ks.Type("missing"))
}

func TestJSONTypeName(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`: "object",
		`[1,2]`:   "array",
		`"s"`:     "string",
		`true`:    "boolean",
		`null`:    "null",
		`3.14`:    "number",
	}
	for raw, want := range cases {
		v, err := JSONValue([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, want, v.JSONTypeName(), "raw %s", raw)
	}

	_, err := JSONValue([]byte(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}
