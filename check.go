package spiftl

import (
	"github.com/sirupsen/logrus"

	"github.com/norflash/spiftl/internal/geometry"
)

// Check re-derives every maintained aggregate from scratch and compares it
// against the bookkeeping. It returns false on any mismatch and never
// mutates state. A false result is a programming error, not a device
// condition. The open write block is not counted as empty even when trims
// have brought it to state zero, matching how Write and Trim track emptyEBs.
func (f *FTL) Check() bool {
	max := 0
	min := 1 << 16
	empty := 0
	metas := 0
	ok := true

	for i := 0; i < f.geo.EraseBlocks; i++ {
		if f.state.Get(i) == 0 && i != f.openEB {
			empty++
		}
		if f.pe.Get(i) > max {
			max = f.pe.Get(i)
		}
		if f.pe.Get(i) < min {
			min = f.pe.Get(i)
		}
		if f.state.IsMeta(i) {
			metas++
		}
	}
	if metas > f.geo.MetaEBs {
		f.log.WithFields(logrus.Fields{"metas": metas, "metaEBs": f.geo.MetaEBs}).Error("check: meta block count exceeds reservation")
		ok = false
	}
	if empty != f.emptyEBs {
		f.log.WithFields(logrus.Fields{"derived": empty, "tracked": f.emptyEBs}).Error("check: emptyEBs mismatch")
		ok = false
	}
	if max != f.highestPECount {
		f.log.WithFields(logrus.Fields{"derived": max, "tracked": f.highestPECount}).Error("check: highestPECount mismatch")
		ok = false
	}
	if max-min > geometry.MaxPEDiff+1 {
		f.log.WithFields(logrus.Fields{"max": max, "min": min}).Error("check: PE divergence exceeds bound")
		ok = false
	}

	valid := 0
	occupied := make([]uint8, f.geo.EraseBlocks)
	for lba := 0; lba < f.geo.FlashLBAs; lba++ {
		eb, idx, mapped := f.l2p.Lookup(lba)
		if !mapped {
			continue
		}
		valid++
		if f.state.IsMeta(eb) {
			f.log.WithFields(logrus.Fields{"lba": lba, "eb": eb}).Error("check: lba points at metadata block")
			ok = false
		}
		if occupied[eb]&(1<<idx) != 0 {
			f.log.WithFields(logrus.Fields{"lba": lba, "eb": eb, "idx": idx}).Error("check: crosslinked lba")
			ok = false
		}
		occupied[eb] |= 1 << idx
	}
	if valid != f.validLBAs {
		f.log.WithFields(logrus.Fields{"derived": valid, "tracked": f.validLBAs}).Error("check: validLBAs mismatch")
		ok = false
	}
	return ok
}
