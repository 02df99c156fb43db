package stream

import (
	"fmt"

	"github.com/halfs/halfs/device"
	"github.com/halfs/halfs/inoderec"
)

// ReadStream implements spec.md §4.4.2: dereference startRef, expand the
// chain, decompose start, and accumulate bytes through the chain until
// either the chain ends or maxLen bytes have been read. If maxLen is nil,
// the tail of the last block touched is included verbatim — the caller is
// expected to use fileSize to trim it (spec.md §4.4.2 point 6).
func ReadStream(dev device.BlockDevice, startRef inoderec.InodeRef, start uint64, maxLen *uint64) ([]byte, error) {
	head, err := inoderec.DrefInode(dev, startRef)
	if err != nil {
		return nil, err
	}
	if head.BlockCount() == 0 {
		return nil, nil
	}

	// Only the window actually needed is walked (spec.md §9): we don't yet
	// know how many carriers that window spans, so first decompose the
	// start index using the head/continuation capacities, then expand
	// just enough of the chain to cover [start, start+maxLen).
	blockSize := dev.BlockSize()
	apiCap := head.Capacity()
	apcCap := inoderec.CapacityForBlockSize(blockSize, inoderec.ContOverhead)

	idx := decomposeOffset(start, apiCap, apcCap, blockSize)

	bound := 0
	if maxLen != nil {
		endIdx := decomposeOffset(start+*maxLen, apiCap, apcCap, blockSize)
		bound = endIdx.CarrierIdx + 1
	}
	chain, err := inoderec.ExpandChain(dev, head, bound)
	if err != nil {
		return nil, err
	}

	if idx.CarrierIdx >= len(chain) {
		return nil, fmt.Errorf("%w: offset %d past end of chain", ErrInvalidStreamIndex, start)
	}
	if idx.BlockOff >= chain[idx.CarrierIdx].BlockCount() {
		// allowed only when the whole file is empty
		if head.BlockCount() != 0 {
			return nil, fmt.Errorf("%w: offset %d past allocated blocks", ErrInvalidStreamIndex, start)
		}
		return nil, nil
	}

	var out []byte
	remaining := maxLen

	for ci := idx.CarrierIdx; ci < len(chain); ci++ {
		carrier := chain[ci]
		addrs := carrier.Addresses()
		startBlk := 0
		if ci == idx.CarrierIdx {
			startBlk = idx.BlockOff
		}
		for bi := startBlk; bi < len(addrs); bi++ {
			blk, err := dev.ReadBlock(addrs[bi])
			if err != nil {
				return nil, fmt.Errorf("stream: read block %d: %w", addrs[bi], err)
			}
			chunk := blk
			if ci == idx.CarrierIdx && bi == idx.BlockOff {
				chunk = chunk[idx.ByteOff:]
			}
			if remaining != nil {
				need := *remaining - uint64(len(out))
				if uint64(len(chunk)) >= need {
					out = append(out, chunk[:need]...)
					return out, nil
				}
			}
			out = append(out, chunk...)
		}
	}
	return out, nil
}
