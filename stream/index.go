// Package stream implements byte-granularity readStream/writeStream over
// an inode/continuation chain (spec.md §4.4): truncating writes,
// partial-block handling, automatic chain extension, and chain truncation
// with free-space reclamation.
package stream

import (
	"errors"
)

// ErrInvalidStreamIndex is returned when a caller-supplied offset falls
// past the end of the allocated chain (spec.md §7).
var ErrInvalidStreamIndex = errors.New("stream: invalid stream index")

// streamIndex is the decomposition of a byte offset B into a chain
// position, computed from the per-record capacities actually reported at
// decode time, never hard-coded (spec.md §4.4.1).
type streamIndex struct {
	CarrierIdx int // 0 = head inode, 1.. = continuations
	BlockOff   int // block index within that carrier's address list
	ByteOff    int // byte offset within that block
}

// decomposeOffset implements spec.md §4.4.1:
//
//	bytesPerInode = apiCapacity * blockSize
//	bytesPerCont  = apcCapacity * blockSize
//	if B < bytesPerInode:   (carrierIdx, inByte) = (0, B)
//	else:                   (carrierIdx, inByte) = (1 + (B-bytesPerInode) / bytesPerCont,
//	                                                (B-bytesPerInode) mod bytesPerCont)
//	(blkOff, byteOff) = (inByte / blockSize, inByte mod blockSize)
func decomposeOffset(b uint64, apiCapacity, apcCapacity int, blockSize uint64) streamIndex {
	bytesPerInode := uint64(apiCapacity) * blockSize
	bytesPerCont := uint64(apcCapacity) * blockSize

	var carrierIdx int
	var inByte uint64
	if b < bytesPerInode {
		carrierIdx = 0
		inByte = b
	} else {
		rel := b - bytesPerInode
		carrierIdx = 1 + int(rel/bytesPerCont)
		inByte = rel % bytesPerCont
	}
	return streamIndex{
		CarrierIdx: carrierIdx,
		BlockOff:   int(inByte / blockSize),
		ByteOff:    int(inByte % blockSize),
	}
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
