// Package flashram emulates a NOR flash part in memory, for host-side
// testing and serving. Images can be saved to and loaded from plain files
// so emulated flash survives process restarts.
package flashram

import (
	"fmt"
	"os"

	"github.com/norflash/spiftl/internal/geometry"
	"github.com/norflash/spiftl/pkg/flash"
)

// DefaultWriteBufferSize matches the program granularity of the small SPI
// parts this emulation stands in for.
const DefaultWriteBufferSize = 128

// Device is a RAM-backed flash.Device.
type Device struct {
	buf []byte
	wbs int
}

// New returns a zeroed device of the given capacity.
func New(size int) (*Device, error) {
	return NewWithWriteBuffer(size, DefaultWriteBufferSize)
}

// NewWithWriteBuffer returns a zeroed device with a specific program
// granularity.
func NewWithWriteBuffer(size, writeBufferSize int) (*Device, error) {
	if size <= 0 || size%geometry.EBBytes != 0 {
		return nil, fmt.Errorf("flashram: size %d is not a multiple of %d", size, geometry.EBBytes)
	}
	return &Device{
		buf: make([]byte, size),
		wbs: writeBufferSize,
	}, nil
}

// Size implements flash.Device.
func (d *Device) Size() int {
	return len(d.buf)
}

// WriteBufferSize implements flash.Device.
func (d *Device) WriteBufferSize() int {
	return d.wbs
}

// ReadEB implements flash.Device.
func (d *Device) ReadEB(eb int) []byte {
	return d.buf[eb*geometry.EBBytes : (eb+1)*geometry.EBBytes]
}

// EraseBlock implements flash.Device.
func (d *Device) EraseBlock(eb int) error {
	if eb < 0 || (eb+1)*geometry.EBBytes > len(d.buf) {
		return fmt.Errorf("flashram: erase of block %d out of range", eb)
	}
	blk := d.buf[eb*geometry.EBBytes : (eb+1)*geometry.EBBytes]
	for i := range blk {
		blk[i] = 0
	}
	return nil
}

// Program implements flash.Device.
func (d *Device) Program(eb, offset int, data []byte) error {
	if eb < 0 || (eb+1)*geometry.EBBytes > len(d.buf) {
		return fmt.Errorf("flashram: program of block %d out of range", eb)
	}
	if offset < 0 || offset+len(data) > geometry.EBBytes {
		return fmt.Errorf("flashram: program crosses block %d at offset %d len %d", eb, offset, len(data))
	}
	copy(d.buf[eb*geometry.EBBytes+offset:], data)
	return nil
}

// Read implements flash.Device.
func (d *Device) Read(eb, offset int, dst []byte) error {
	if eb < 0 || (eb+1)*geometry.EBBytes > len(d.buf) {
		return fmt.Errorf("flashram: read of block %d out of range", eb)
	}
	if offset < 0 || offset+len(dst) > geometry.EBBytes {
		return fmt.Errorf("flashram: read crosses block %d at offset %d len %d", eb, offset, len(dst))
	}
	copy(dst, d.buf[eb*geometry.EBBytes+offset:])
	return nil
}

// Clone returns an independent copy of the device, useful for exercising
// recovery against a point-in-time image.
func (d *Device) Clone() *Device {
	buf := make([]byte, len(d.buf))
	copy(buf, d.buf)
	return &Device{buf: buf, wbs: d.wbs}
}

// SaveFile writes the raw image to path.
func (d *Device) SaveFile(path string) error {
	if err := os.WriteFile(path, d.buf, 0o644); err != nil {
		return fmt.Errorf("flashram: saving image: %w", err)
	}
	return nil
}

// LoadFile replaces the device contents with the image at path. The image
// must match the device capacity exactly.
func (d *Device) LoadFile(path string) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("flashram: loading image: %w", err)
	}
	if len(img) != len(d.buf) {
		return fmt.Errorf("flashram: image is %d bytes, device is %d", len(img), len(d.buf))
	}
	copy(d.buf, img)
	return nil
}

var _ flash.Device = (*Device)(nil)
