package spiftl

import (
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/norflash/spiftl/pkg/flash/flashram"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestFTL(t *testing.T, size int) (*FTL, *flashram.Device) {
	t.Helper()
	dev, err := flashram.New(size)
	if err != nil {
		t.Fatalf("creating device: %v", err)
	}
	ftl, err := New(dev, Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("creating FTL: %v", err)
	}
	return ftl, dev
}

func lbaPattern(lba, generation int) []byte {
	buf := make([]byte, 512)
	copy(buf, []byte(fmt.Sprintf("lba %d gen %d", lba, generation)))
	return buf
}

func TestFreshInitFormats(t *testing.T) {
	ftl, _ := newTestFTL(t, 96*1024)

	restored, err := ftl.Start()
	assert.NoError(t, err)
	assert.False(t, restored, "blank flash must format, not restore")

	assert.Equal(t, 152, ftl.LBACount())
	assert.Equal(t, 24, ftl.EBCount())
	assert.True(t, ftl.Check())

	// Every LBA of a fresh device reads back as zeros.
	out := make([]byte, 512)
	zeros := make([]byte, 512)
	for lba := 0; lba < ftl.LBACount(); lba++ {
		assert.NoError(t, ftl.Read(lba, out))
		assert.Equal(t, zeros, out, "lba %d", lba)
	}
}

func TestFreshInit1MiB(t *testing.T) {
	ftl, _ := newTestFTL(t, 1024*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)
	assert.Equal(t, 1992, ftl.LBACount())
	assert.True(t, ftl.Check())
}

func TestWriteReadRoundTrip(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	buf := lbaPattern(0, 0)
	assert.NoError(t, ftl.Write(0, buf))

	out := make([]byte, 512)
	assert.NoError(t, ftl.Read(0, out))
	assert.Equal(t, buf, out)
	assert.True(t, ftl.Check())
}

func TestWriteOverwriteReadsNewest(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	for gen := 0; gen < 20; gen++ {
		assert.NoError(t, ftl.Write(7, lbaPattern(7, gen)))
	}
	out := make([]byte, 512)
	assert.NoError(t, ftl.Read(7, out))
	assert.Equal(t, lbaPattern(7, 19), out)
	assert.True(t, ftl.Check())
}

func TestWriteIdempotentObservably(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	buf := lbaPattern(3, 0)
	assert.NoError(t, ftl.Write(3, buf))
	assert.NoError(t, ftl.Write(3, buf))

	out := make([]byte, 512)
	assert.NoError(t, ftl.Read(3, out))
	assert.Equal(t, buf, out)
	assert.Equal(t, 1, ftl.validLBAs)
	assert.True(t, ftl.Check())
}

func TestTrimReadsZeros(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	assert.NoError(t, ftl.Write(5, lbaPattern(5, 0)))
	assert.NoError(t, ftl.Trim(5))

	out := make([]byte, 512)
	assert.NoError(t, ftl.Read(5, out))
	assert.Equal(t, make([]byte, 512), out)

	// Trim is idempotent.
	assert.NoError(t, ftl.Trim(5))
	assert.Equal(t, 0, ftl.validLBAs)
	assert.True(t, ftl.Check())
}

func TestTrimReclaimsFullBlock(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	// Fill exactly one erase block's worth of LBAs.
	for lba := 0; lba < 8; lba++ {
		assert.NoError(t, ftl.Write(lba, lbaPattern(lba, 0)))
	}
	emptyAfterWrites := ftl.emptyEBs

	for lba := 0; lba < 8; lba++ {
		assert.NoError(t, ftl.Trim(lba))
	}

	// The block's state returns to free without an erase being forced.
	assert.Equal(t, emptyAfterWrites+1, ftl.emptyEBs)
	assert.True(t, ftl.Check())
}

func TestOutOfRangeOps(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	buf := make([]byte, 512)
	assert.ErrorIs(t, ftl.Write(-1, buf), ErrOutOfRange)
	assert.ErrorIs(t, ftl.Write(ftl.LBACount(), buf), ErrOutOfRange)
	assert.ErrorIs(t, ftl.Read(ftl.LBACount(), buf), ErrOutOfRange)
	assert.ErrorIs(t, ftl.Trim(-1), ErrOutOfRange)
	assert.True(t, ftl.Check())
}

func TestBufferSizeValidated(t *testing.T) {
	ftl, _ := newTestFTL(t, 256*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	assert.ErrorIs(t, ftl.Write(0, make([]byte, 511)), ErrBufferSize)
	assert.ErrorIs(t, ftl.Read(0, make([]byte, 513)), ErrBufferSize)
}

func TestWritesBeyondCapacityForceGC(t *testing.T) {
	ftl, _ := newTestFTL(t, 96*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	// Rewrite the full logical space several times over, with a different
	// stride each generation so old blocks stay partly valid; the device
	// only survives this if garbage collection keeps reclaiming blocks.
	for gen := 0; gen < 6; gen++ {
		for i := 0; i < ftl.LBACount(); i++ {
			lba := i * (2*gen + 1) % ftl.LBACount()
			assert.NoError(t, ftl.Write(lba, lbaPattern(lba, gen)))
		}
		assert.True(t, ftl.Check(), "gen %d", gen)
	}

	out := make([]byte, 512)
	for lba := 0; lba < ftl.LBACount(); lba++ {
		assert.NoError(t, ftl.Read(lba, out))
		assert.Equal(t, lbaPattern(lba, 5), out, "lba %d", lba)
	}
}

func TestMetaBlocksReported(t *testing.T) {
	ftl, _ := newTestFTL(t, 96*1024)
	_, err := ftl.Start()
	assert.NoError(t, err)

	blocks := ftl.MetaBlocks()
	assert.Len(t, blocks, 2)
	assert.Equal(t, []int{0, 1}, blocks, "fresh format reserves the first blocks")
}

func TestDeviceTooLargeRejected(t *testing.T) {
	dev, err := flashram.New(32 * 1024 * 1024)
	assert.NoError(t, err)
	_, err = New(dev, Config{Logger: quietLogger()})
	assert.Error(t, err)
}
