// Package pecount maintains per-erase-block program/erase counters.
//
// Counters are 8-bit and interpreted relative to a 32-bit global offset.
// When any counter crosses RenormThreshold the whole table is shifted down
// and the shift is added to the offset, so the absolute erase count of a
// block is always Offset() + Get(block).
package pecount

// RenormThreshold is the counter value past which the table must be
// renormalized before the next increment.
const RenormThreshold = 250

// Table holds the relative counters and the global offset.
type Table struct {
	counts []uint8
	offset uint32
}

// New returns a zeroed table for n erase blocks.
func New(n int) *Table {
	return &Table{counts: make([]uint8, n)}
}

// Len returns the number of blocks covered.
func (t *Table) Len() int {
	return len(t.counts)
}

// Get returns the relative counter of eb.
func (t *Table) Get(eb int) int {
	return int(t.counts[eb])
}

// Set overwrites the relative counter of eb, for replay.
func (t *Table) Set(eb int, v uint8) {
	t.counts[eb] = v
}

// Inc bumps the counter of eb after an erase.
func (t *Table) Inc(eb int) {
	t.counts[eb]++
}

// NeedsRenorm reports whether eb's counter has crossed the threshold and
// the table must be shifted before incrementing again.
func (t *Table) NeedsRenorm(eb int) bool {
	return t.counts[eb] > RenormThreshold
}

// Renormalize subtracts shift from every counter and adds it to the global
// offset. Counters below shift clamp to zero; the information loss at the
// low tail is acceptable since such blocks are already prime wear-leveling
// targets.
func (t *Table) Renormalize(shift int) {
	for i := range t.counts {
		if int(t.counts[i]) > shift {
			t.counts[i] -= uint8(shift)
		} else {
			t.counts[i] = 0
		}
	}
	t.offset += uint32(shift)
}

// Offset returns the global counter offset.
func (t *Table) Offset() uint32 {
	return t.offset
}

// SetOffset overwrites the global offset, for replay.
func (t *Table) SetOffset(v uint32) {
	t.offset = v
}

// Absolute returns the absolute erase count of eb.
func (t *Table) Absolute(eb int) uint32 {
	return t.offset + uint32(t.counts[eb])
}
