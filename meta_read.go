package spiftl

import (
	"github.com/sirupsen/logrus"

	"github.com/norflash/spiftl/internal/l2p"
	"github.com/norflash/spiftl/internal/metadata"
	"github.com/norflash/spiftl/internal/pecount"
)

// scanMetadata walks every erase block and buckets the ones carrying a
// sealed metadata frame under their epoch. Startup only.
func (f *FTL) scanMetadata() map[uint32][]int {
	buckets := make(map[uint32][]int)
	for i := 0; i < f.geo.EraseBlocks; i++ {
		blk := f.dev.ReadEB(i)
		epoch, index, ok := metadata.ParseHeader(blk)
		if !ok {
			continue
		}
		if !metadata.Sealed(blk) {
			f.log.WithField("eb", i).Debug("metadata signature with bad CRC, skipping")
			continue
		}
		f.log.WithFields(logrus.Fields{
			"eb": i, "epoch": epoch, "index": index,
		}).Debug("found metadata block")
		buckets[epoch] = append(buckets[epoch], i)
	}
	return buckets
}

// loadNewestEpoch restores the highest epoch that assembles and replays
// cleanly. Epochs that fail are discarded and the next-highest is tried.
func (f *FTL) loadNewestEpoch(buckets map[uint32][]int) bool {
	for len(buckets) > 0 {
		best := uint32(0)
		for epoch := range buckets {
			if epoch > best {
				best = epoch
			}
		}
		if best == 0 {
			return false
		}
		ebs := buckets[best]
		delete(buckets, best)
		if f.restoreEpoch(best, ebs) {
			return true
		}
		f.log.WithField("epoch", best).Debug("metadata epoch failed to replay, trying next")
	}
	return false
}

// metaReader walks the linearized metadata stream across the assembled
// blocks, skipping each block's framing. The assembly guarantees enough
// blocks for the whole stream, so reads cannot run past the end.
type metaReader struct {
	f     *FTL
	queue []int
	cur   []byte
	off   int
}

func (r *metaReader) byte8() uint8 {
	if r.off >= metadata.SealOffset {
		r.queue = r.queue[1:]
		r.cur = r.f.dev.ReadEB(r.queue[0])
		r.off = 0
	}
	if r.off < metadata.HeaderBytes {
		r.off = metadata.HeaderBytes
	}
	b := r.cur[r.off]
	r.off++
	return b
}

func (r *metaReader) uint16be() uint16 {
	return uint16(r.byte8())<<8 | uint16(r.byte8())
}

func (r *metaReader) uint32be() uint32 {
	v := uint32(0)
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(r.byte8())
	}
	return v
}

// restoreEpoch assembles one epoch's blocks in stream order and replays
// the payload into the tables. Aggregates are recomputed from the restored
// state rather than trusted from the snapshot.
func (f *FTL) restoreEpoch(epoch uint32, ebs []int) bool {
	need := metadata.BlocksPerCopy(f.geo)
	ordered := make([]int, 0, need)
	for idx := 0; idx < need; idx++ {
		found := -1
		for _, eb := range ebs {
			_, i, ok := metadata.ParseHeader(f.dev.ReadEB(eb))
			if ok && int(i) == idx {
				found = eb
				break
			}
		}
		if found < 0 {
			f.log.WithFields(logrus.Fields{
				"epoch": epoch, "index": idx,
			}).Debug("metadata stream block missing")
			return false
		}
		ordered = append(ordered, found)
	}

	r := &metaReader{f: f, queue: ordered, cur: f.dev.ReadEB(ordered[0])}

	var infoBuf [metadata.FTLInfoBytes]byte
	for i := range infoBuf {
		infoBuf[i] = r.byte8()
	}
	if metadata.DecodeFTLInfo(infoBuf[:]) != metadata.InfoFor(f.geo) {
		f.log.WithField("epoch", epoch).Debug("metadata geometry mismatch, skipping")
		return false
	}

	pe := pecount.New(f.geo.EraseBlocks)
	highest := 0
	for i := 0; i < f.geo.EraseBlocks; i++ {
		v := r.byte8()
		pe.Set(i, v)
		if int(v) > highest {
			highest = int(v)
		}
	}

	state := f.state
	for i := range f.metaEBList {
		f.metaEBList[i] = -1
	}
	slot := 0
	emptyEBs := 0
	for i := 0; i < state.NumBytes(); i++ {
		state.SetByte(i, r.byte8())
		for _, eb := range []int{i * 2, i*2 + 1} {
			if eb >= f.geo.EraseBlocks {
				continue
			}
			if state.IsMeta(eb) && slot < len(f.metaEBList) {
				f.metaEBList[slot] = int16(eb)
				slot++
			}
			if state.Get(eb) == 0 {
				emptyEBs++
			}
		}
	}

	table := l2p.New(f.geo.FlashLBAs)
	validLBAs := 0
	for i := 0; i < f.geo.FlashLBAs; i++ {
		table.SetEntry(i, r.uint16be())
		if table.Valid(i) {
			validLBAs++
		}
	}

	pe.SetOffset(r.uint32be())

	f.pe = pe
	f.l2p = table
	f.highestPECount = highest
	f.emptyEBs = emptyEBs
	f.validLBAs = validLBAs
	f.epoch = epoch
	f.openEB = -1
	f.openEBNextIndex = 0
	return true
}
