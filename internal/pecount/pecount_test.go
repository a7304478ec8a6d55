package pecount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncAndAbsolute(t *testing.T) {
	tbl := New(4)
	tbl.Inc(2)
	tbl.Inc(2)
	assert.Equal(t, 2, tbl.Get(2))
	assert.Equal(t, 0, tbl.Get(0))
	assert.Equal(t, uint32(2), tbl.Absolute(2))
}

func TestNeedsRenorm(t *testing.T) {
	tbl := New(1)
	tbl.Set(0, RenormThreshold)
	assert.False(t, tbl.NeedsRenorm(0))
	tbl.Inc(0)
	assert.True(t, tbl.NeedsRenorm(0))
}

func TestRenormalizeShiftsAndClamps(t *testing.T) {
	tbl := New(3)
	tbl.Set(0, 251)
	tbl.Set(1, 64)
	tbl.Set(2, 10)

	tbl.Renormalize(64)

	assert.Equal(t, 251-64, tbl.Get(0))
	assert.Equal(t, 0, tbl.Get(1))
	assert.Equal(t, 0, tbl.Get(2))
	assert.Equal(t, uint32(64), tbl.Offset())

	// Absolute count of a clamped block is still monotone.
	assert.Equal(t, uint32(64), tbl.Absolute(2))
}

func TestOffsetAccumulates(t *testing.T) {
	tbl := New(1)
	tbl.Set(0, 200)
	tbl.Renormalize(64)
	tbl.Set(0, 200)
	tbl.Renormalize(64)
	assert.Equal(t, uint32(128), tbl.Offset())
}

func TestSetOffsetReplay(t *testing.T) {
	tbl := New(1)
	tbl.SetOffset(4096)
	assert.Equal(t, uint32(4096), tbl.Offset())
	assert.Equal(t, uint32(4096), tbl.Absolute(0))
}
