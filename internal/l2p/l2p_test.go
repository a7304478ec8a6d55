package l2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreshEntriesInvalid(t *testing.T) {
	tbl := New(16)
	assert.Equal(t, 16, tbl.Len())
	for i := 0; i < 16; i++ {
		assert.False(t, tbl.Valid(i))
		_, _, ok := tbl.Lookup(i)
		assert.False(t, ok)
	}
}

func TestSetLookupRoundTrip(t *testing.T) {
	tbl := New(8)

	tbl.Set(3, 4095, 7) // both fields at their maximum
	eb, idx, ok := tbl.Lookup(3)
	assert.True(t, ok)
	assert.Equal(t, 4095, eb)
	assert.Equal(t, 7, idx)

	tbl.Set(3, 0, 0)
	eb, idx, ok = tbl.Lookup(3)
	assert.True(t, ok)
	assert.Equal(t, 0, eb)
	assert.Equal(t, 0, idx)
}

func TestClear(t *testing.T) {
	tbl := New(4)
	tbl.Set(1, 17, 5)
	tbl.Clear(1)
	assert.False(t, tbl.Valid(1))
	assert.Equal(t, uint16(0), tbl.Entry(1))
}

func TestRawEntryReplay(t *testing.T) {
	tbl := New(4)
	tbl.Set(2, 1234, 6)
	raw := tbl.Entry(2)

	replayed := New(4)
	replayed.SetEntry(2, raw)
	eb, idx, ok := replayed.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, 1234, eb)
	assert.Equal(t, 6, idx)
}

func TestFieldsDoNotBleed(t *testing.T) {
	tbl := New(2)
	tbl.Set(0, 4095, 0)
	_, idx, _ := tbl.Lookup(0)
	assert.Equal(t, 0, idx)

	tbl.Set(1, 0, 7)
	eb, _, _ := tbl.Lookup(1)
	assert.Equal(t, 0, eb)
}
