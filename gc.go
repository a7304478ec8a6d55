package spiftl

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/norflash/spiftl/internal/ebstate"
	"github.com/norflash/spiftl/internal/geometry"
)

// gcScore ranks an erase block as a garbage collection source. Free and
// metadata blocks never score. A block whose PE age has reached maxPEDiff
// scores 10 or more (wear leveling overdue, oldest first); one approaching
// the threshold scores 9; otherwise sparsely valid blocks score highest.
func (f *FTL) gcScore(eb int) int {
	state := f.state.Get(eb)
	if state == ebstate.Meta || state == 0 {
		return 0
	}
	delta := f.highestPECount - f.pe.Get(eb)
	if delta >= geometry.MaxPEDiff {
		return 10 + delta - geometry.MaxPEDiff
	}
	if delta > geometry.MaxPEDiff*7/8 {
		return 9
	}
	return 8 - int(state)
}

// lowestEmptyEB returns the free block with the lowest PE count, or -1
// when none is free. The open write block can reach state zero through
// trims while still being appended, so it is never handed out here.
func (f *FTL) lowestEmptyEB() int {
	lowestPE := 1 << 16
	lowest := -1
	for i := 0; i < f.geo.EraseBlocks; i++ {
		if i == f.openEB {
			continue
		}
		if f.state.Get(i) == 0 && f.pe.Get(i) <= lowestPE {
			lowestPE = f.pe.Get(i)
			lowest = i
		}
	}
	return lowest
}

// eraseEB erases a block, advances its PE counter, and renormalizes the
// counter table when the 8-bit counters approach overflow.
func (f *FTL) eraseEB(eb int) error {
	if err := f.dev.EraseBlock(eb); err != nil {
		return fmt.Errorf("erasing eb %d: %w", eb, err)
	}
	if f.pe.NeedsRenorm(eb) {
		f.pe.Renormalize(geometry.MaxPEDiff)
		f.highestPECount -= geometry.MaxPEDiff
		f.log.WithField("peCountOffset", f.pe.Offset()).Debug("renormalized PE counters")
	}
	f.pe.Inc(eb)
	if f.pe.Get(eb) > f.highestPECount {
		f.highestPECount = f.pe.Get(eb)
	}
	f.state.Set(eb, 0)
	return nil
}

// collectValidLBAs relocates valid LBAs from srcEB into destEB starting at
// slot destIdx, in logical order, until the destination is full or the
// source is drained. Returns the next free slot in the destination.
//
// There is no reverse map, so the full L2P table is scanned per source
// block. That is O(flashLBAs) per round but bounded by device size, and it
// saves an L2P-sized table of RAM.
func (f *FTL) collectValidLBAs(srcEB, destEB, destIdx int) (int, error) {
	cur := destIdx
	src := f.dev.ReadEB(srcEB)
	buf := make([]byte, f.geo.WriteBufferSize)
	for i := 0; i < f.geo.FlashLBAs && cur < geometry.LBAsPerEB; i++ {
		eb, idx, ok := f.l2p.Lookup(i)
		if !ok || eb != srcEB {
			continue
		}
		f.log.WithFields(logrus.Fields{
			"lba": i, "dest": destEB, "idx": cur,
		}).Debug("relocating lba")
		for j := 0; j < geometry.LBABytes; j += len(buf) {
			copy(buf, src[geometry.LBABytes*idx+j:])
			if err := f.dev.Program(destEB, geometry.LBABytes*cur+j, buf); err != nil {
				return cur, fmt.Errorf("relocating lba %d: %w", i, err)
			}
		}
		f.state.DecValid(srcEB)
		if f.state.Get(srcEB) == 0 {
			f.emptyEBs++
		}
		f.l2p.Set(i, destEB, cur)
		f.state.IncValid(destEB)
		cur++
	}
	return cur, nil
}

// garbageCollect runs one collection round: erase the youngest free block
// as destination, then repeatedly pick the highest-scoring source and
// relocate its valid LBAs until the destination fills. The rotating cursor
// persists across calls so all blocks get visited over time. Returns the
// score of the last source collected.
func (f *FTL) garbageCollect() (int, error) {
	score := 0
	destEB := f.lowestEmptyEB()
	if destEB < 0 {
		return 0, ErrNoGCCandidate
	}
	if err := f.eraseEB(destEB); err != nil {
		return 0, err
	}
	f.emptyEBs--
	for cnt := 0; int(f.state.Get(destEB)) < geometry.LBAsPerEB && cnt < geometry.LBAsPerEB; cnt++ {
		eb := f.gcCursor
		for f.state.IsMeta(eb) || eb == destEB {
			eb = (eb + 1) % f.geo.EraseBlocks
		}
		score = f.gcScore(eb)
		for i := 1; i < f.geo.EraseBlocks && score < 8; i++ {
			cand := (eb + i) % f.geo.EraseBlocks
			if score < f.gcScore(cand) && cand != destEB {
				eb = cand
				score = f.gcScore(eb)
			}
		}
		if score <= 0 {
			// Nothing collectable while the destination is still
			// hungry: the three-block reserve has been violated.
			return 0, ErrNoGCCandidate
		}
		next, err := f.collectValidLBAs(eb, destEB, int(f.state.Get(destEB)))
		if err != nil {
			return score, err
		}
		f.state.Set(destEB, uint8(next))
		f.gcCursor = eb
	}
	return score, nil
}

// selectBestEB is the sole write-path entry to block allocation. It runs
// garbage collection until at least three blocks are free and no block
// carries extreme wear-leveling debt, then hands out the youngest free
// block, already erased.
func (f *FTL) selectBestEB() (int, error) {
	score := 0
	for f.emptyEBs < 3 || score > 10 {
		var err error
		score, err = f.garbageCollect()
		if err != nil {
			return -1, err
		}
		if err := f.metaAgeRewrite(); err != nil {
			return -1, err
		}
	}
	f.emptyEBs--
	eb := f.lowestEmptyEB()
	if eb < 0 {
		return -1, ErrNoGCCandidate
	}
	if err := f.eraseEB(eb); err != nil {
		return -1, err
	}
	f.log.WithField("eb", eb).Debug("opened erase block")
	return eb, nil
}

// metaAgeRewrite relocates any metadata block whose PE age has reached
// maxPEDiff onto the youngest free block. Blocks vacated earlier in the
// same sweep are passed over while any other block is free, so a vacated
// block does not go straight back into the meta list. Contents move
// verbatim, so the CRC seal stays valid and no re-serialization is needed.
func (f *FTL) metaAgeRewrite() error {
	var vacated []int
	for i := range f.metaEBList {
		eb := int(f.metaEBList[i])
		if eb < 0 {
			continue
		}
		if f.highestPECount-f.pe.Get(eb) < geometry.MaxPEDiff {
			continue
		}
		destEB := -1
		for j := 0; j < f.geo.EraseBlocks; j++ {
			if j != f.openEB && f.state.Get(j) == 0 && !slices.Contains(vacated, j) &&
				(destEB < 0 || f.pe.Get(j) <= f.pe.Get(destEB)) {
				destEB = j
			}
		}
		if destEB < 0 {
			destEB = f.lowestEmptyEB()
		}
		if destEB < 0 || destEB == eb {
			return ErrNoGCCandidate
		}
		if err := f.eraseEB(destEB); err != nil {
			return err
		}
		src := f.dev.ReadEB(eb)
		buf := make([]byte, f.geo.WriteBufferSize)
		for off := 0; off < geometry.EBBytes; off += len(buf) {
			copy(buf, src[off:])
			if err := f.dev.Program(destEB, off, buf); err != nil {
				return fmt.Errorf("relocating metadata eb %d: %w", eb, err)
			}
		}
		f.state.Set(eb, 0)
		vacated = append(vacated, eb)
		f.state.SetMeta(destEB)
		f.metaEBList[i] = int16(destEB)
		f.log.WithFields(logrus.Fields{
			"from": eb, "to": destEB,
		}).Debug("relocated aged-out metadata block")
	}
	return nil
}
