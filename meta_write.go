package spiftl

import (
	"fmt"
	"hash/crc32"

	"github.com/sirupsen/logrus"

	"github.com/norflash/spiftl/internal/geometry"
	"github.com/norflash/spiftl/internal/metadata"
)

// metaWriter streams the serialized bookkeeping across the metadata blocks
// allocated for the new epoch. Blocks are consumed from the front of the
// queue; each is erased just before its first chunk is programmed and
// sealed with its CRC when full. The write buffer is one program chunk.
type metaWriter struct {
	f     *FTL
	queue []int
	wb    []byte
	off   int // byte offset within the current block
	index uint8
	crc   uint32
	epoch uint32
}

// prepareCommit validates every metadata slot, frees the ones holding a
// bad CRC or a stale epoch, refills empty slots with the youngest free
// blocks, and advances the epoch. The returned writer targets exactly the
// refilled slots, so the previous commit's blocks survive until the next
// commit frees them.
func (f *FTL) prepareCommit() (*metaWriter, error) {
	queue := make([]int, 0, f.geo.MetaEBs)

	for j := range f.metaEBList {
		eb := int(f.metaEBList[j])
		if eb < 0 {
			continue
		}
		blk := f.dev.ReadEB(eb)
		sealed := metadata.Sealed(blk)
		epoch, _, _ := metadata.ParseHeader(blk)
		if sealed && epoch >= f.epoch {
			continue
		}
		if sealed {
			// Stale but intact metadata is erased now, or old copies
			// pile up and waste time and RAM at the next bringup.
			if err := f.dev.EraseBlock(eb); err != nil {
				return nil, fmt.Errorf("erasing stale metadata eb %d: %w", eb, err)
			}
		}
		f.state.Set(eb, 0)
		f.metaEBList[j] = -1
		f.emptyEBs++
		f.log.WithField("eb", eb).Debug("freed metadata slot")
	}

	for i := range f.metaEBList {
		if f.metaEBList[i] >= 0 {
			continue
		}
		eb := f.lowestEmptyEB()
		if eb < 0 {
			return nil, ErrNoGCCandidate
		}
		queue = append(queue, eb)
		f.state.SetMeta(eb)
		f.metaEBList[i] = int16(eb)
		f.emptyEBs--
		f.log.WithField("eb", eb).Debug("allocated metadata slot")
	}

	f.epoch = (f.epoch + 1) & metadata.EpochMask
	return &metaWriter{
		f:     f,
		queue: queue,
		wb:    make([]byte, f.geo.WriteBufferSize),
		epoch: f.epoch,
	}, nil
}

func (w *metaWriter) put(b byte) error {
	f := w.f
	wbs := len(w.wb)
	if w.off == metadata.SealOffset {
		crc := w.crc
		w.wb[wbs-4] = byte(crc)
		w.wb[wbs-3] = byte(crc >> 8)
		w.wb[wbs-2] = byte(crc >> 16)
		w.wb[wbs-1] = byte(crc >> 24)
		if err := f.dev.Program(w.queue[0], geometry.EBBytes-wbs, w.wb); err != nil {
			return fmt.Errorf("sealing metadata eb %d: %w", w.queue[0], err)
		}
		w.queue = w.queue[1:]
		w.crc = 0
		w.off = 0
		w.index++
	}
	if w.off == 0 {
		for i := range w.wb {
			w.wb[i] = 0
		}
		metadata.PutHeader(w.wb, w.epoch, w.index)
		w.crc = crc32.Update(0, crc32.IEEETable, w.wb[:metadata.HeaderBytes])
		w.off = metadata.HeaderBytes
	}
	w.wb[w.off%wbs] = b
	w.crc = crc32.Update(w.crc, crc32.IEEETable, []byte{b})
	w.off++
	if w.off%wbs == 0 {
		if w.off == wbs {
			// First chunk of a block: erase the destination right
			// before programming its header.
			if err := f.eraseEB(w.queue[0]); err != nil {
				return err
			}
			f.state.SetMeta(w.queue[0])
		}
		if err := f.dev.Program(w.queue[0], w.off-wbs, w.wb); err != nil {
			return fmt.Errorf("programming metadata eb %d: %w", w.queue[0], err)
		}
		for i := range w.wb {
			w.wb[i] = 0
		}
	}
	return nil
}

func (w *metaWriter) putUint16(v uint16) error {
	if err := w.put(byte(v >> 8)); err != nil {
		return err
	}
	return w.put(byte(v))
}

func (w *metaWriter) putUint32(v uint32) error {
	for shift := 24; shift >= 0; shift -= 8 {
		if err := w.put(byte(v >> shift)); err != nil {
			return err
		}
	}
	return nil
}

// close zero-pads the stream until the current block is sealed.
func (w *metaWriter) close() error {
	for w.off > metadata.HeaderBytes+1 {
		if err := w.put(0); err != nil {
			return err
		}
	}
	return nil
}

// doPersist commits the full bookkeeping state under epoch+1. At least one
// prior consistent copy survives a crash at any point: the new copy's
// epoch is one greater, and the previous commit's blocks are only freed by
// the next commit's prepare step.
func (f *FTL) doPersist() error {
	w, err := f.prepareCommit()
	if err != nil {
		return err
	}
	f.log.WithFields(logrus.Fields{
		"epoch":  w.epoch,
		"blocks": len(w.queue),
	}).Debug("serializing metadata")

	var infoBuf [metadata.FTLInfoBytes]byte
	metadata.InfoFor(f.geo).Encode(infoBuf[:])
	for _, b := range infoBuf {
		if err := w.put(b); err != nil {
			return err
		}
	}

	for i := 0; i < f.geo.EraseBlocks; i++ {
		if err := w.put(byte(f.pe.Get(i))); err != nil {
			return err
		}
	}

	for i := 0; i < f.state.NumBytes(); i++ {
		if err := w.put(f.state.Byte(i)); err != nil {
			return err
		}
	}

	for i := 0; i < f.geo.FlashLBAs; i++ {
		if err := w.putUint16(f.l2p.Entry(i)); err != nil {
			return err
		}
	}

	if err := w.putUint32(f.pe.Offset()); err != nil {
		return err
	}

	return w.close()
}
