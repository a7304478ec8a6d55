package spiftl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/norflash/spiftl/internal/geometry"
	"github.com/norflash/spiftl/internal/metadata"
	"github.com/norflash/spiftl/pkg/flash/flashram"
)

// flashramGrow copies an image block-for-block into a larger device.
func flashramGrow(dev *flashram.Device, newSize int) (*flashram.Device, error) {
	bigger, err := flashram.New(newSize)
	if err != nil {
		return nil, err
	}
	for eb := 0; eb < dev.Size()/geometry.EBBytes; eb++ {
		if err := bigger.Program(eb, 0, dev.ReadEB(eb)); err != nil {
			return nil, err
		}
	}
	return bigger, nil
}

func TestPersistFraming(t *testing.T) {
	ftl, dev := newTestFTL(t, 1024*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)
	assert.NoError(t, ftl.Write(0, lbaPattern(0, 1)))
	assert.NoError(t, ftl.Persist())

	sealed := map[uint8]int{}
	for eb := 0; eb < ftl.EBCount(); eb++ {
		blk := dev.ReadEB(eb)
		epoch, index, ok := metadata.ParseHeader(blk)
		if !ok || !metadata.Sealed(blk) {
			continue
		}
		assert.Equal(t, ftl.epoch, epoch)
		sealed[index] = eb
	}

	// One full copy: framing indices 0..blocksPerCopy-1, each sealed.
	assert.Len(t, sealed, metadata.BlocksPerCopy(ftl.geo))
	for idx := 0; idx < metadata.BlocksPerCopy(ftl.geo); idx++ {
		_, found := sealed[uint8(idx)]
		assert.True(t, found, "missing stream index %d", idx)
	}

	// The stream leads with the geometry record.
	first := dev.ReadEB(sealed[0])
	info := metadata.DecodeFTLInfo(first[metadata.HeaderBytes : metadata.HeaderBytes+metadata.FTLInfoBytes])
	assert.Equal(t, metadata.InfoFor(ftl.geo), info)
}

func TestEpochAdvancesPerCommit(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)
	assert.Equal(t, uint32(metadata.InitialEpoch), ftl.epoch)

	assert.NoError(t, ftl.Persist())
	assert.Equal(t, uint32(metadata.InitialEpoch+1), ftl.epoch)

	assert.NoError(t, ftl.Persist())
	assert.Equal(t, uint32(metadata.InitialEpoch+2), ftl.epoch)
}

func TestGeometryMismatchRejectsSnapshot(t *testing.T) {
	ftl, dev := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)
	assert.NoError(t, ftl.Write(0, lbaPattern(0, 1)))
	assert.NoError(t, ftl.Persist())

	// A device with different geometry must not adopt this snapshot.
	// Splice the old image into a larger device block-for-block.
	bigger, err := flashramGrow(dev, 512*1024)
	assert.NoError(t, err)

	other, err := New(bigger, Config{Logger: quietLogger()})
	assert.NoError(t, err)
	restored, err := other.Start()
	assert.NoError(t, err)
	assert.False(t, restored, "snapshot from a 256 KiB device must be rejected")
	assert.True(t, other.Check())
}

func TestAutomaticPersistEvery256Mutations(t *testing.T) {
	ftl, dev := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	before := ftl.epoch
	for i := 0; i < 256; i++ {
		assert.NoError(t, ftl.Write(i%ftl.LBACount(), lbaPattern(i, i)))
	}
	assert.Equal(t, before+1, ftl.epoch, "aging must force a commit every 256 mutations")

	// The device restores the auto-committed state without an explicit
	// Persist call.
	reborn := restart(t, dev)
	assert.True(t, reborn.Check())
}
