package stream

import (
	"errors"
	"fmt"

	"github.com/halfs/halfs/blockmap"
	"github.com/halfs/halfs/device"
	"github.com/halfs/halfs/inoderec"
)

// truncationSentinel fills partial blocks and unused trailing space after a
// truncating write (spec.md §3.4). Readers do not interpret it.
const truncationSentinel byte = 0xBA

// ErrAllocFailed is returned when the allocator cannot satisfy a write's
// capacity-planning request; any blocks allocated earlier in the same call
// are rolled back before returning (spec.md §7, §5).
var ErrAllocFailed = errors.New("stream: allocation failed")

// WriteResult carries what writeStream changed, so the layer above (which
// owns fileSize and mtime, spec.md §4.4.3 point 10) can update the head
// inode without re-deriving chain internals.
type WriteResult struct {
	Chain []inoderec.Carrier // full chain after fixup/truncation, head first
}

// WriteStream implements spec.md §4.4.3. A zero-length write is a no-op.
func WriteStream(dev device.BlockDevice, bm *blockmap.BlockMap, startRef inoderec.InodeRef, start uint64, truncating bool, data []byte) (*WriteResult, error) {
	if len(data) == 0 {
		head, err := inoderec.DrefInode(dev, startRef)
		if err != nil {
			return nil, err
		}
		chain, err := inoderec.ExpandChain(dev, head, 0)
		if err != nil {
			return nil, err
		}
		return &WriteResult{Chain: chain}, nil
	}

	blockSize := dev.BlockSize()
	head, err := inoderec.DrefInode(dev, startRef)
	if err != nil {
		return nil, err
	}
	chain, err := inoderec.ExpandChain(dev, head, 0)
	if err != nil {
		return nil, err
	}

	apiCap := head.Capacity()
	apcCap := inoderec.CapacityForBlockSize(blockSize, inoderec.ContOverhead)
	idx := decomposeOffset(start, apiCap, apcCap, blockSize)
	if idx.CarrierIdx > len(chain) {
		return nil, fmt.Errorf("%w: offset %d starts more than one carrier past the chain", ErrInvalidStreamIndex, start)
	}

	// --- capacity planning (spec.md §4.4.3 step 2) ---
	existingBlocks := 0
	for ci := idx.CarrierIdx; ci < len(chain); ci++ {
		from := 0
		if ci == idx.CarrierIdx {
			from = idx.BlockOff
		}
		n := len(chain[ci].Addresses()) - from
		if n > 0 {
			existingBlocks += n
		}
	}
	var alreadyAllocated uint64
	if existingBlocks > 0 {
		alreadyAllocated = uint64(existingBlocks)*blockSize - uint64(idx.ByteOff)
	}
	dataLen := uint64(len(data))
	bytesToAlloc := uint64(0)
	if dataLen > alreadyAllocated {
		bytesToAlloc = dataLen - alreadyAllocated
	}
	blksToAlloc := ceilDiv(bytesToAlloc, blockSize)

	lastIdx := len(chain) - 1
	last := chain[lastIdx]
	availableInLast := last.Capacity() - last.BlockCount()
	if availableInLast < 0 {
		availableInLast = 0
	}
	var contsToAlloc uint64
	if blksToAlloc > uint64(availableInLast) {
		contsToAlloc = ceilDiv(blksToAlloc-uint64(availableInLast), uint64(apcCap))
	}

	// --- allocate (step 3), rolling back everything on any failure ---
	var blockGroup *blockmap.BlockGroup
	var newContAddrs []device.Address
	rollback := func() {
		if blockGroup != nil {
			_ = bm.UnallocBlocks(blockGroup)
		}
		for _, a := range newContAddrs {
			_ = bm.UnallocBlocks(&blockmap.BlockGroup{Contig: true, Base: a, Count: 1})
		}
	}

	if blksToAlloc > 0 {
		g, ok := bm.AllocBlocks(blksToAlloc)
		if !ok {
			return nil, fmt.Errorf("%w: could not allocate %d data blocks", ErrAllocFailed, blksToAlloc)
		}
		blockGroup = g
	}
	for i := uint64(0); i < contsToAlloc; i++ {
		a, ok := bm.Alloc1()
		if !ok {
			rollback()
			return nil, fmt.Errorf("%w: could not allocate continuation block", ErrAllocFailed)
		}
		newContAddrs = append(newContAddrs, a)
	}
	if err := bm.Persist(); err != nil {
		rollback()
		return nil, fmt.Errorf("stream: persist block map: %w", err)
	}

	newBlocks := blockmap.BlkRangeBG(blockGroup)
	newConts := make([]inoderec.Carrier, len(newContAddrs))
	for i, a := range newContAddrs {
		newConts[i] = inoderec.FromContinuation(inoderec.BuildEmptyContinuation(blockSize, inoderec.ContRef(a)))
	}

	// --- chain fixup (step 4): link new continuations after the last
	// carrier, spill newly allocated block addresses across the last
	// existing carrier then the new continuations until each fills to
	// capacity (the final one may be partial). ---
	working := append([]inoderec.Carrier(nil), chain...)
	working = append(working, newConts...)
	for i := lastIdx; i < len(working)-1; i++ {
		nextRef := inoderec.ContRef(working[i+1].Self())
		working[i] = working[i].WithContinuationRef(nextRef)
	}

	remaining := newBlocks
	for i := lastIdx; i < len(working) && len(remaining) > 0; i++ {
		c := working[i]
		addrs := append([]device.Address(nil), c.Addresses()...)
		space := c.Capacity() - len(addrs)
		take := space
		if take > len(remaining) {
			take = len(remaining)
		}
		if take > 0 {
			addrs = append(addrs, remaining[:take]...)
			remaining = remaining[take:]
			working[i] = c.WithAddresses(addrs)
		}
	}

	// --- build the flattened target address list for [start, start+len) ---
	type target struct {
		carrierIdx int
		blockIdx   int
		addr       device.Address
	}
	var targets []target
	for ci := idx.CarrierIdx; ci < len(working); ci++ {
		addrs := working[ci].Addresses()
		from := 0
		if ci == idx.CarrierIdx {
			from = idx.BlockOff
		}
		for bi := from; bi < len(addrs); bi++ {
			targets = append(targets, target{carrierIdx: ci, blockIdx: bi, addr: addrs[bi]})
		}
	}
	blocksNeeded := int(ceilDiv(uint64(idx.ByteOff)+dataLen, blockSize))
	if len(targets) > blocksNeeded {
		targets = targets[:blocksNeeded]
	}
	if len(targets) < blocksNeeded {
		rollback()
		return nil, fmt.Errorf("%w: capacity planning produced too few target blocks", ErrAllocFailed)
	}

	// --- first block (step 5) ---
	firstAddr := targets[0].addr
	firstOrig, err := dev.ReadBlock(firstAddr)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("stream: read first block: %w", err)
	}
	chunks := make([][]byte, len(targets))
	chunk := make([]byte, blockSize)
	copy(chunk, firstOrig[:idx.ByteOff])
	n := copy(chunk[idx.ByteOff:], data)
	if idx.ByteOff+n < int(blockSize) {
		tailStart := idx.ByteOff + n
		if truncating {
			for i := tailStart; i < int(blockSize); i++ {
				chunk[i] = truncationSentinel
			}
		} else {
			copy(chunk[tailStart:], firstOrig[tailStart:])
		}
	}
	chunks[0] = chunk
	consumed := n

	// --- middle/tail blocks (step 6) ---
	for i := 1; i < len(targets); i++ {
		c := make([]byte, blockSize)
		remainingData := data[consumed:]
		take := len(remainingData)
		if take > int(blockSize) {
			take = int(blockSize)
		}
		copy(c, remainingData[:take])
		consumed += take
		if take < int(blockSize) {
			if truncating {
				for j := take; j < int(blockSize); j++ {
					c[j] = truncationSentinel
				}
			} else {
				orig, err := dev.ReadBlock(targets[i].addr)
				if err != nil {
					rollback()
					return nil, fmt.Errorf("stream: read block %d: %w", targets[i].addr, err)
				}
				copy(c[take:], orig[take:])
			}
		}
		chunks[i] = c
	}

	// --- write data (step 7) ---
	for i, t := range targets {
		if err := dev.WriteBlock(t.addr, chunks[i]); err != nil {
			rollback()
			return nil, fmt.Errorf("stream: write block %d: %w", t.addr, err)
		}
	}

	terminalIdx := targets[len(targets)-1].carrierIdx

	// --- truncation pass (step 8) ---
	if truncating {
		endIdx := decomposeOffset(start+dataLen-1, apiCap, apcCap, blockSize)
		terminalIdx = endIdx.CarrierIdx
		if terminalIdx >= len(working) {
			terminalIdx = len(working) - 1
		}
		terminal := working[terminalIdx]
		addrs := terminal.Addresses()
		if endIdx.BlockOff+1 < len(addrs) {
			dropped := append([]device.Address(nil), addrs[endIdx.BlockOff+1:]...)
			if len(dropped) > 0 {
				if err := bm.UnallocBlocks(blockmap.BlockGroupFromAddrs(dropped)); err != nil {
					return nil, fmt.Errorf("stream: free dropped blocks: %w", err)
				}
			}
			addrs = addrs[:endIdx.BlockOff+1]
		}
		terminal = terminal.WithAddresses(addrs)
		terminal = terminal.WithContinuationRef(inoderec.NilContRef)
		working[terminalIdx] = terminal

		// discard and free every carrier beyond the new terminal, including
		// the continuation blocks themselves (spec.md §4.4.3 step 8).
		discarded := working[terminalIdx+1:]
		for _, d := range discarded {
			if len(d.Addresses()) > 0 {
				if err := bm.UnallocBlocks(blockmap.BlockGroupFromAddrs(d.Addresses())); err != nil {
					return nil, fmt.Errorf("stream: free discarded carrier data: %w", err)
				}
			}
			if err := bm.UnallocBlocks(&blockmap.BlockGroup{Contig: true, Base: d.Self(), Count: 1}); err != nil {
				return nil, fmt.Errorf("stream: free discarded carrier block: %w", err)
			}
		}
		working = working[:terminalIdx+1]
	}

	// --- persist carriers (step 9): every carrier from sCarrier through
	// the (possibly new) terminator, inclusive. The head inode is always
	// rewritten too, since fixup can relink its Continuation field even
	// when the write itself starts further down the chain.
	if idx.CarrierIdx > 0 {
		if err := inoderec.WriteCarrier(dev, working[0]); err != nil {
			return nil, fmt.Errorf("stream: persist head: %w", err)
		}
	}
	for i := idx.CarrierIdx; i < len(working); i++ {
		if err := inoderec.WriteCarrier(dev, working[i]); err != nil {
			return nil, fmt.Errorf("stream: persist carrier: %w", err)
		}
	}
	if err := dev.Flush(); err != nil {
		return nil, fmt.Errorf("stream: flush: %w", err)
	}

	return &WriteResult{Chain: working}, nil
}
