// Package flashbadger emulates a NOR flash part on top of BadgerDB, so a
// host-served FTL keeps its simulated flash across process restarts. Each
// erase block lives under its own key; reads are served from an in-memory
// mirror loaded at open time.
package flashbadger

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/norflash/spiftl/internal/geometry"
	"github.com/norflash/spiftl/pkg/flash"
)

var keyPrefix = []byte("eb:")

// Config carries the open options.
type Config struct {
	Path            string
	FlashBytes      int
	WriteBufferSize int
	Logger          *logrus.Logger
}

// Device is a Badger-backed flash.Device.
type Device struct {
	db     *badger.DB
	blocks []byte
	wbs    int
	log    *logrus.Logger
}

// Open loads (or creates) the emulated flash under config.Path.
func Open(config Config) (*Device, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.FlashBytes <= 0 || config.FlashBytes%geometry.EBBytes != 0 {
		return nil, fmt.Errorf("flashbadger: size %d is not a multiple of %d", config.FlashBytes, geometry.EBBytes)
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = 128
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("flashbadger: opening store: %w", err)
	}

	d := &Device{
		db:     db,
		blocks: make([]byte, config.FlashBytes),
		wbs:    config.WriteBufferSize,
		log:    config.Logger,
	}
	if err := d.loadBlocks(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) loadBlocks() error {
	loaded := 0
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			eb := int(binary.BigEndian.Uint32(item.Key()[len(keyPrefix):]))
			if (eb+1)*geometry.EBBytes > len(d.blocks) {
				continue
			}
			err := item.Value(func(v []byte) error {
				copy(d.blocks[eb*geometry.EBBytes:(eb+1)*geometry.EBBytes], v)
				return nil
			})
			if err != nil {
				return err
			}
			loaded++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flashbadger: loading blocks: %w", err)
	}
	d.log.WithField("blocks", loaded).Debug("loaded emulated flash from store")
	return nil
}

func key(eb int) []byte {
	k := make([]byte, len(keyPrefix)+4)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint32(k[len(keyPrefix):], uint32(eb))
	return k
}

func (d *Device) storeBlock(eb int) error {
	blk := d.blocks[eb*geometry.EBBytes : (eb+1)*geometry.EBBytes]
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(eb), blk)
	})
	if err != nil {
		return fmt.Errorf("flashbadger: persisting eb %d: %w", eb, err)
	}
	return nil
}

// Size implements flash.Device.
func (d *Device) Size() int {
	return len(d.blocks)
}

// WriteBufferSize implements flash.Device.
func (d *Device) WriteBufferSize() int {
	return d.wbs
}

// ReadEB implements flash.Device.
func (d *Device) ReadEB(eb int) []byte {
	return d.blocks[eb*geometry.EBBytes : (eb+1)*geometry.EBBytes]
}

// EraseBlock implements flash.Device.
func (d *Device) EraseBlock(eb int) error {
	if eb < 0 || (eb+1)*geometry.EBBytes > len(d.blocks) {
		return fmt.Errorf("flashbadger: erase of block %d out of range", eb)
	}
	blk := d.blocks[eb*geometry.EBBytes : (eb+1)*geometry.EBBytes]
	for i := range blk {
		blk[i] = 0
	}
	return d.storeBlock(eb)
}

// Program implements flash.Device.
func (d *Device) Program(eb, offset int, data []byte) error {
	if eb < 0 || (eb+1)*geometry.EBBytes > len(d.blocks) {
		return fmt.Errorf("flashbadger: program of block %d out of range", eb)
	}
	if offset < 0 || offset+len(data) > geometry.EBBytes {
		return fmt.Errorf("flashbadger: program crosses block %d at offset %d len %d", eb, offset, len(data))
	}
	copy(d.blocks[eb*geometry.EBBytes+offset:], data)
	return d.storeBlock(eb)
}

// Read implements flash.Device.
func (d *Device) Read(eb, offset int, dst []byte) error {
	if eb < 0 || (eb+1)*geometry.EBBytes > len(d.blocks) {
		return fmt.Errorf("flashbadger: read of block %d out of range", eb)
	}
	if offset < 0 || offset+len(dst) > geometry.EBBytes {
		return fmt.Errorf("flashbadger: read crosses block %d at offset %d len %d", eb, offset, len(dst))
	}
	copy(dst, d.blocks[eb*geometry.EBBytes+offset:])
	return nil
}

// Close syncs and releases the backing store.
func (d *Device) Close() error {
	if err := d.db.Sync(); err != nil {
		d.db.Close()
		return fmt.Errorf("flashbadger: syncing store: %w", err)
	}
	return d.db.Close()
}

var _ flash.Device = (*Device)(nil)
