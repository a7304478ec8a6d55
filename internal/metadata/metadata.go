// Package metadata defines the on-flash framing of FTL bookkeeping blocks.
//
// Each 4096-byte metadata block carries a 12-byte header (8-byte signature,
// 3-byte little-endian epoch, 1-byte intra-epoch index), 4080 bytes of
// payload and a 4-byte CRC-32 trailer computed over the preceding 4092
// bytes. The CRC is the standard reflected 0xEDB88320 polynomial, which is
// exactly what hash/crc32's IEEE table implements.
package metadata

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/norflash/spiftl/internal/geometry"
)

const (
	// HeaderBytes is the framing prefix of every metadata block.
	HeaderBytes = 12

	// TrailerBytes holds the CRC-32 seal.
	TrailerBytes = 4

	// PayloadBytes is the usable stream capacity per block.
	PayloadBytes = geometry.EBBytes - HeaderBytes - TrailerBytes

	// SealOffset is where the payload ends and the trailer begins.
	SealOffset = geometry.EBBytes - TrailerBytes

	// EpochMask bounds the monotone commit counter to 24 bits.
	EpochMask = 1<<24 - 1

	// InitialEpoch is the first commit number of a freshly formatted
	// device. Epochs 0 and 1 are reserved as "blank flash".
	InitialEpoch = 2

	// FTLInfoBytes is the serialized size of the geometry record that
	// leads every metadata stream.
	FTLInfoBytes = 12
)

// Signature identifies a metadata block on flash.
var Signature = [8]byte{'S', 'P', 'I', 'F', 'T', 'L', '0', '1'}

// HasSignature reports whether the block begins with the metadata signature.
func HasSignature(block []byte) bool {
	return bytes.Equal(block[:8], Signature[:])
}

// PutHeader writes the 12-byte framing prefix into block.
func PutHeader(block []byte, epoch uint32, index uint8) {
	copy(block, Signature[:])
	block[8] = byte(epoch)
	block[9] = byte(epoch >> 8)
	block[10] = byte(epoch >> 16)
	block[11] = index
}

// ParseHeader extracts the epoch and intra-epoch index from a block. ok is
// false when the signature does not match.
func ParseHeader(block []byte) (epoch uint32, index uint8, ok bool) {
	if !HasSignature(block) {
		return 0, 0, false
	}
	epoch = uint32(block[8]) | uint32(block[9])<<8 | uint32(block[10])<<16
	return epoch, block[11], true
}

// BlockCRC computes the seal over the header and payload of a full block.
func BlockCRC(block []byte) uint32 {
	return crc32.Update(0, crc32.IEEETable, block[:SealOffset])
}

// PutSeal writes the CRC trailer of a full block.
func PutSeal(block []byte, crc uint32) {
	binary.LittleEndian.PutUint32(block[SealOffset:], crc)
}

// Sealed reports whether a full block's trailer matches its contents.
func Sealed(block []byte) bool {
	return binary.LittleEndian.Uint32(block[SealOffset:]) == BlockCRC(block)
}

// FTLInfo is the geometry record leading every metadata stream. A restored
// snapshot is only admitted when it matches the running configuration.
type FTLInfo struct {
	EBBytes     uint16
	LBABytes    uint16
	FlashBytes  uint32
	MetaEBBytes uint16
	FlashLBAs   uint16
}

// InfoFor derives the record for a geometry.
func InfoFor(g geometry.Geometry) FTLInfo {
	return FTLInfo{
		EBBytes:     uint16(geometry.EBBytes),
		LBABytes:    uint16(geometry.LBABytes),
		FlashBytes:  uint32(g.FlashBytes),
		MetaEBBytes: uint16(g.MetaEBBytes),
		FlashLBAs:   uint16(g.FlashLBAs),
	}
}

// Encode serializes the record little-endian into dst.
func (f FTLInfo) Encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:], f.EBBytes)
	binary.LittleEndian.PutUint16(dst[2:], f.LBABytes)
	binary.LittleEndian.PutUint32(dst[4:], f.FlashBytes)
	binary.LittleEndian.PutUint16(dst[8:], f.MetaEBBytes)
	binary.LittleEndian.PutUint16(dst[10:], f.FlashLBAs)
}

// DecodeFTLInfo parses a little-endian record from src.
func DecodeFTLInfo(src []byte) FTLInfo {
	return FTLInfo{
		EBBytes:     binary.LittleEndian.Uint16(src[0:]),
		LBABytes:    binary.LittleEndian.Uint16(src[2:]),
		FlashBytes:  binary.LittleEndian.Uint32(src[4:]),
		MetaEBBytes: binary.LittleEndian.Uint16(src[8:]),
		FlashLBAs:   binary.LittleEndian.Uint16(src[10:]),
	}
}

// StreamBytes is the total metadata stream length for a geometry: the
// FTLInfo record plus the packed tables.
func StreamBytes(g geometry.Geometry) int {
	return FTLInfoBytes + g.MetaEBBytes
}

// BlocksPerCopy is how many metadata blocks one serialized snapshot spans.
func BlocksPerCopy(g geometry.Geometry) int {
	return (StreamBytes(g) + PayloadBytes - 1) / PayloadBytes
}
