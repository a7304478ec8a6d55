// Package spiftl is a flash translation layer for raw NOR flash on small
// devices. It exposes fixed-size logical blocks on top of a flash part
// whose erase granularity is much larger than its write granularity,
// remaps writes to spread wear uniformly across all erase blocks, garbage
// collects fragmented blocks, and keeps its own bookkeeping on the same
// flash so state survives power loss.
//
// An FTL instance is single-threaded and non-reentrant: callers that serve
// concurrent requests must serialize them around the instance.
package spiftl

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/norflash/spiftl/internal/ebstate"
	"github.com/norflash/spiftl/internal/geometry"
	"github.com/norflash/spiftl/internal/l2p"
	"github.com/norflash/spiftl/internal/metadata"
	"github.com/norflash/spiftl/internal/pecount"
	"github.com/norflash/spiftl/pkg/flash"
)

var (
	// ErrOutOfRange is returned for LBAs outside [0, LBACount).
	ErrOutOfRange = errors.New("spiftl: lba out of range")

	// ErrBufferSize is returned when a caller buffer is not exactly one
	// logical block.
	ErrBufferSize = errors.New("spiftl: buffer must be one logical block")

	// ErrNoGCCandidate signals garbage collection starvation. It is a
	// programming error: the three-block reserve should make it
	// impossible.
	ErrNoGCCandidate = errors.New("spiftl: no garbage collection candidate")
)

// Config carries the engine options.
type Config struct {
	// Logger receives structured diagnostics. A nil Logger defaults to
	// logrus.New().
	Logger *logrus.Logger
}

// FTL is the translation engine. It owns all its tables and assumes
// exclusive access from the moment Start returns until the instance is
// dropped.
type FTL struct {
	dev flash.Device
	geo geometry.Geometry
	log *logrus.Logger

	l2p   *l2p.Table
	state *ebstate.Table
	pe    *pecount.Table

	// metaEBList maps each metadata slot to the physical block currently
	// holding it, or -1 when the slot is empty. Slot order defines the
	// linearization of the metadata stream.
	metaEBList []int16

	highestPECount int
	emptyEBs       int
	validLBAs      int
	metadataAge    uint8
	epoch          uint32

	openEB          int // erase block currently being appended, -1 when none
	openEBNextIndex int // next LBA slot within openEB

	// gcCursor rotates across erase blocks between garbage collection
	// rounds so every block gets visited over time, even under workloads
	// that never trip the high-score wear path.
	gcCursor int
}

// New builds an engine for the given device. The device geometry is
// validated here; Start or Format must run before any I/O.
func New(dev flash.Device, conf Config) (*FTL, error) {
	geo, err := geometry.New(dev.Size(), dev.WriteBufferSize())
	if err != nil {
		return nil, fmt.Errorf("deriving geometry: %w", err)
	}
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}

	f := &FTL{
		dev:        dev,
		geo:        geo,
		log:        conf.Logger,
		l2p:        l2p.New(geo.FlashLBAs),
		state:      ebstate.New(geo.EraseBlocks),
		pe:         pecount.New(geo.EraseBlocks),
		metaEBList: make([]int16, geo.MetaEBs),
		epoch:      metadata.InitialEpoch,
		openEB:     -1,
	}
	return f, nil
}

// Start restores the newest consistent metadata snapshot from flash, or
// falls back to a fresh format when none exists. restored reports which
// path was taken.
func (f *FTL) Start() (restored bool, err error) {
	buckets := f.scanMetadata()
	if f.loadNewestEpoch(buckets) {
		f.metadataAge = 0
		f.log.WithFields(logrus.Fields{
			"epoch":     f.epoch,
			"validLBAs": f.validLBAs,
		}).Info("restored metadata from flash")
		return true, nil
	}
	return false, f.Format()
}

// Format zeroes all tables, reserves the metadata blocks, and purges any
// stale metadata signature left on flash.
func (f *FTL) Format() error {
	f.log.Info("formatting FTL")

	f.l2p = l2p.New(f.geo.FlashLBAs)
	f.state = ebstate.New(f.geo.EraseBlocks)
	f.pe = pecount.New(f.geo.EraseBlocks)
	f.highestPECount = 0
	f.validLBAs = 0
	f.emptyEBs = f.geo.EraseBlocks
	for i := 0; i < f.geo.MetaEBs; i++ {
		f.emptyEBs--
		f.state.SetMeta(i)
		f.metaEBList[i] = int16(i)
	}
	f.metadataAge = 0
	f.openEB = -1
	f.openEBNextIndex = 0

	// Blow away anything that still looks like old metadata.
	for i := 0; i < f.geo.EraseBlocks; i++ {
		if metadata.HasSignature(f.dev.ReadEB(i)) {
			f.log.WithField("eb", i).Debug("format erasing stale metadata block")
			if err := f.dev.EraseBlock(i); err != nil {
				return fmt.Errorf("purging stale metadata in eb %d: %w", i, err)
			}
		}
	}
	return nil
}

// Persist commits the current state to flash at epoch+1.
func (f *FTL) Persist() error {
	return f.doPersist()
}

// LBACount returns the number of logical blocks exposed to callers.
func (f *FTL) LBACount() int {
	return f.geo.FlashLBAs
}

// EBCount returns the number of physical erase blocks on the device.
func (f *FTL) EBCount() int {
	return f.geo.EraseBlocks
}

// PECount returns the relative erase counter of eb; add PECountOffset for
// the absolute count.
func (f *FTL) PECount(eb int) int {
	return f.pe.Get(eb)
}

// PECountOffset returns the global offset all relative counters are
// interpreted against.
func (f *FTL) PECountOffset() uint32 {
	return f.pe.Offset()
}

// MetaBlocks returns the physical blocks currently holding metadata slots,
// in slot order. Empty slots are reported as -1.
func (f *FTL) MetaBlocks() []int {
	out := make([]int, len(f.metaEBList))
	for i, eb := range f.metaEBList {
		out[i] = int(eb)
	}
	return out
}
