package spiftl

import (
	"fmt"

	"github.com/norflash/spiftl/internal/geometry"
)

// Write stores one logical block. The destination is the currently open
// erase block; opening one may trigger garbage collection and wear
// leveling. data must be exactly one logical block.
func (f *FTL) Write(lba int, data []byte) error {
	if lba < 0 || lba >= f.geo.FlashLBAs {
		return ErrOutOfRange
	}
	if len(data) != geometry.LBABytes {
		return ErrBufferSize
	}
	if f.openEB < 0 {
		eb, err := f.selectBestEB()
		if err != nil {
			return err
		}
		f.openEB = eb
	}

	wasValid := f.l2p.Valid(lba)
	if err := f.dev.Program(f.openEB, f.openEBNextIndex*geometry.LBABytes, data); err != nil {
		return fmt.Errorf("programming lba %d: %w", lba, err)
	}
	if !wasValid {
		f.validLBAs++
	}
	if oldEB, _, ok := f.l2p.Lookup(lba); ok {
		f.state.DecValid(oldEB)
		if f.state.Get(oldEB) == 0 && oldEB != f.openEB {
			f.emptyEBs++
		}
	}
	f.state.IncValid(f.openEB)
	f.l2p.Set(lba, f.openEB, f.openEBNextIndex)
	f.openEBNextIndex++
	if f.openEBNextIndex >= geometry.LBAsPerEB {
		f.openEB = -1
		f.openEBNextIndex = 0
	}
	return f.ageMetadata()
}

// Read copies one logical block into dst. Unmapped LBAs read back as
// zeros.
func (f *FTL) Read(lba int, dst []byte) error {
	if lba < 0 || lba >= f.geo.FlashLBAs {
		return ErrOutOfRange
	}
	if len(dst) != geometry.LBABytes {
		return ErrBufferSize
	}
	if eb, idx, ok := f.l2p.Lookup(lba); ok {
		if err := f.dev.Read(eb, idx*geometry.LBABytes, dst); err != nil {
			return fmt.Errorf("reading lba %d: %w", lba, err)
		}
		return nil
	}
	for i := range dst {
		dst[i] = 0
	}
	return nil
}

// Trim discards the mapping of a logical block. Trimming an unmapped LBA
// is a no-op.
func (f *FTL) Trim(lba int) error {
	if lba < 0 || lba >= f.geo.FlashLBAs {
		return ErrOutOfRange
	}
	eb, _, ok := f.l2p.Lookup(lba)
	if !ok {
		return nil
	}
	f.state.DecValid(eb)
	f.validLBAs--
	if f.state.Get(eb) == 0 && eb != f.openEB {
		f.emptyEBs++
		f.log.WithField("eb", eb).Debug("trim freed erase block")
	}
	f.l2p.Clear(lba)
	return f.ageMetadata()
}

// ageMetadata bumps the mutation counter; every 256 mutations the full
// state is persisted and aged-out metadata blocks are relocated.
func (f *FTL) ageMetadata() error {
	f.metadataAge++
	if f.metadataAge != 0 {
		return nil
	}
	if err := f.Persist(); err != nil {
		return err
	}
	return f.metaAgeRewrite()
}
