package metadata

import (
	"encoding/binary"
	"math"
)

const (
	// BlockHeaderSize is the number of bytes each block occupies in page memory ahead of its payload
	BlockHeaderSize int = 24

	// blockHeaderMagic is written at the start of every block header so that overruns from the
	// previous payload can be detected
	blockHeaderMagic uint32 = 0x7F84E666

	headerStateAllocated uint32 = 0
	headerStateFree      uint32 = 1

	noNeighborOffset uint32 = math.MaxUint32
)

// blockHeaderImage is the in-memory layout of a block header. All fields are little endian uint32.
type blockHeaderImage struct {
	Magic      uint32
	State      uint32
	Size       uint32
	Offset     uint32
	PrevOffset uint32
	NextOffset uint32
}

func (h blockHeaderImage) encode(dest []byte) {
	binary.LittleEndian.PutUint32(dest[0:], h.Magic)
	binary.LittleEndian.PutUint32(dest[4:], h.State)
	binary.LittleEndian.PutUint32(dest[8:], h.Size)
	binary.LittleEndian.PutUint32(dest[12:], h.Offset)
	binary.LittleEndian.PutUint32(dest[16:], h.PrevOffset)
	binary.LittleEndian.PutUint32(dest[20:], h.NextOffset)
}

func decodeBlockHeader(src []byte) blockHeaderImage {
	return blockHeaderImage{
		Magic:      binary.LittleEndian.Uint32(src[0:]),
		State:      binary.LittleEndian.Uint32(src[4:]),
		Size:       binary.LittleEndian.Uint32(src[8:]),
		Offset:     binary.LittleEndian.Uint32(src[12:]),
		PrevOffset: binary.LittleEndian.Uint32(src[16:]),
		NextOffset: binary.LittleEndian.Uint32(src[20:]),
	}
}
