// Package blockmap implements the Halfs free-space allocator (spec.md
// §3.2, §4.2): a bit array and an ordered free-extent tree kept in sync,
// supporting contiguous and discontiguous allocation and coalescing
// release.
package blockmap

import (
	"encoding/binary"
	"fmt"

	"github.com/halfs/halfs/device"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDoubleFree is returned by UnallocBlocks when asked to free a block
	// that is already free — a programming error per spec.md §4.2.
	ErrDoubleFree = fmt.Errorf("blockmap: double free")
	// ErrCorrupt is returned by ReadBlockMap when the persisted map fails
	// its invariants.
	ErrCorrupt = fmt.Errorf("blockmap: corrupt on-disk block map")
)

const headerMagic uint32 = 0x48414c46 // "HALF"

// BlockMap owns the two redundant free-space views described in spec.md
// §3.2: a used/free bitset and an ordered set of free extents.
type BlockMap struct {
	dev            device.BlockDevice
	bits           *bitset
	free           *extentSet
	numFree        uint64
	reservedBlocks uint64 // blocks permanently used by the map's own storage
	headerBlocks   uint64 // how many blocks the persisted header+bitmap occupy
}

// BlockGroup is the result of an allocation: either one contiguous extent
// or a list of them (spec.md §4.2, GLOSSARY).
type BlockGroup struct {
	Contig bool
	Base   device.Address // valid when Contig
	Count  uint64         // valid when Contig
	Parts  []extentRange  // valid when !Contig
}

type extentRange struct {
	Base  device.Address
	Count uint64
}

// headerBlockCount returns how many blocks the block map's own persistent
// header+bitmap occupies, given a device block size and block count.
func headerBlockCount(blockSize, numBlocks uint64) uint64 {
	const headerBytes = 28 // magic (4) + numBlocks + numFree + reservedBlocks, each 8 bytes
	bitmapBytes := (numBlocks + 7) / 8
	totalBytes := uint64(headerBytes) + bitmapBytes
	blocks := (totalBytes + blockSize - 1) / blockSize
	if blocks == 0 {
		blocks = 1
	}
	return blocks
}

// NewBlockMap constructs an empty map sized to dev, persists its initial
// state at block 1 (block 0 is the superblock, out of scope here), marks
// its own blocks used, and returns a handle. Grounded on the
// header+body writes of filesystem/ext4's writeSuperblock/writeGDT.
func NewBlockMap(dev device.BlockDevice) (*BlockMap, error) {
	numBlocks := dev.NumBlocks()
	hdrBlocks := headerBlockCount(dev.BlockSize(), numBlocks)
	reserved := hdrBlocks + 1 // +1 for the superblock at address 0

	bm := &BlockMap{
		dev:            dev,
		bits:           newBitset(numBlocks),
		free:           newExtentSet(),
		reservedBlocks: reserved,
		headerBlocks:   hdrBlocks,
	}

	for i := uint64(0); i < reserved; i++ {
		if err := bm.bits.markUsed(i); err != nil {
			return nil, err
		}
	}
	if reserved < numBlocks {
		bm.free.insert(device.Address(reserved), numBlocks-reserved)
	}
	bm.numFree = bm.free.totalFree()

	if err := bm.persist(); err != nil {
		return nil, err
	}
	return bm, nil
}

// ReadBlockMap loads a persisted map from dev, reconstructing the free
// extent tree from the bit array, and fails with ErrCorrupt if the
// on-disk invariants (spec.md §3.2) do not hold.
func ReadBlockMap(dev device.BlockDevice) (*BlockMap, error) {
	numBlocks := dev.NumBlocks()
	hdrBlocks := headerBlockCount(dev.BlockSize(), numBlocks)

	raw, err := readSpan(dev, 1, hdrBlocks)
	if err != nil {
		return nil, fmt.Errorf("blockmap: read header: %w", err)
	}
	if len(raw) < 28 {
		return nil, ErrCorrupt
	}
	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != headerMagic {
		logrus.WithField("magic", magic).Warn("blockmap: bad header magic")
		return nil, ErrCorrupt
	}
	persistedNumBlocks := binary.BigEndian.Uint64(raw[4:12])
	persistedNumFree := binary.BigEndian.Uint64(raw[12:20])
	reserved := binary.BigEndian.Uint64(raw[20:28])
	if persistedNumBlocks != numBlocks {
		return nil, fmt.Errorf("%w: device has %d blocks, map was built for %d", ErrCorrupt, numBlocks, persistedNumBlocks)
	}

	bitmapBytes := raw[28:]
	needed := (numBlocks + 7) / 8
	if uint64(len(bitmapBytes)) < needed {
		return nil, ErrCorrupt
	}
	bits := bitsetFromBytes(bitmapBytes[:needed])

	free := newExtentSet()
	var run uint64
	var runStart uint64
	flush := func(end uint64) {
		if run > 0 {
			free.insert(device.Address(runStart), run)
			run = 0
		}
		_ = end
	}
	for i := uint64(0); i < numBlocks; i++ {
		used, err := bits.isUsed(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if used {
			flush(i)
			continue
		}
		if run == 0 {
			runStart = i
		}
		run++
	}
	flush(numBlocks)

	bm := &BlockMap{
		dev:            dev,
		bits:           bits,
		free:           free,
		reservedBlocks: reserved,
		headerBlocks:   hdrBlocks,
		numFree:        free.totalFree(),
	}
	if bm.numFree != persistedNumFree {
		return nil, fmt.Errorf("%w: numFree mismatch: bitmap implies %d, header says %d", ErrCorrupt, bm.numFree, persistedNumFree)
	}
	if bm.numFree != numBlocks-bits.popcount() {
		return nil, fmt.Errorf("%w: numFree does not equal popcount of free bits", ErrCorrupt)
	}
	return bm, nil
}

// NumFree returns the number of currently free blocks.
func (bm *BlockMap) NumFree() uint64 { return bm.numFree }

// ReservedBlocks returns the number of blocks permanently used by the
// block map's own persistent storage (plus the superblock).
func (bm *BlockMap) ReservedBlocks() uint64 { return bm.reservedBlocks }

// Alloc1 allocates a single block by taking the first block of the first
// free extent (shrinking it), returning (addr, true), or (0, false) if
// numFree == 0 (spec.md §4.2).
func (bm *BlockMap) Alloc1() (device.Address, bool) {
	if bm.numFree == 0 || len(bm.free.byBase) == 0 {
		return 0, false
	}
	e := bm.free.byBase[0]
	bm.free.removeFront(0, 1)
	_ = bm.bits.markUsed(uint64(e.Base))
	bm.numFree--
	return e.Base, true
}

// AllocBlocks allocates n blocks, preferring the smallest free extent that
// satisfies n contiguously; if none exists, it concatenates extents from
// smallest upward until n is reached (spec.md §4.2). Returns (nil, false)
// if there is not enough free space in total.
func (bm *BlockMap) AllocBlocks(n uint64) (*BlockGroup, bool) {
	if n == 0 {
		return &BlockGroup{Contig: true, Count: 0}, true
	}
	if n > bm.numFree {
		return nil, false
	}

	if idx := bm.free.smallestFit(n); idx >= 0 {
		base := bm.free.byBase[idx].Base
		bm.free.removeFront(idx, n)
		bm.markRangeUsed(base, n)
		bm.numFree -= n
		return &BlockGroup{Contig: true, Base: base, Count: n}, true
	}

	// discontiguous fallback: smallest-upward concatenation
	order := bm.free.bySizeAscending()
	remaining := n
	var parts []extentRange
	var consumed []int // indices into byBase to remove
	for _, idx := range order {
		if remaining == 0 {
			break
		}
		e := bm.free.byBase[idx]
		take := e.Length
		if take > remaining {
			take = remaining
		}
		parts = append(parts, extentRange{Base: e.Base, Count: take})
		bm.markRangeUsed(e.Base, take)
		remaining -= take
		if take == e.Length {
			consumed = append(consumed, idx)
		} else {
			bm.free.byBase[idx] = extent{Base: device.Address(uint64(e.Base) + take), Length: e.Length - take}
		}
	}
	// remove fully-consumed extents, highest index first to keep indices valid
	// (consumed is in size order, so sort it by index, descending, first)
	for i := 1; i < len(consumed); i++ {
		for j := i; j > 0 && consumed[j] > consumed[j-1]; j-- {
			consumed[j], consumed[j-1] = consumed[j-1], consumed[j]
		}
	}
	for i := 0; i < len(consumed); i++ {
		idx := consumed[i]
		bm.free.byBase = append(bm.free.byBase[:idx], bm.free.byBase[idx+1:]...)
	}
	if remaining != 0 {
		// should not happen since n <= bm.numFree was checked, but guard anyway
		for _, p := range parts {
			bm.markRangeFree(p.Base, p.Count)
		}
		return nil, false
	}
	bm.numFree -= n
	return &BlockGroup{Contig: false, Parts: parts}, true
}

// UnallocBlocks returns every block in group to the free set, merging with
// adjacent extents and clearing the corresponding bits. Freeing an
// already-free block is a programming error and returns ErrDoubleFree;
// no other mutation happens on that call (spec.md §4.2).
func (bm *BlockMap) UnallocBlocks(group *BlockGroup) error {
	if group == nil {
		return nil
	}
	ranges := group.Parts
	if group.Contig {
		if group.Count == 0 {
			return nil
		}
		ranges = []extentRange{{Base: group.Base, Count: group.Count}}
	}
	// verify every block is currently used before mutating anything
	for _, r := range ranges {
		for i := uint64(0); i < r.Count; i++ {
			loc := uint64(r.Base) + i
			used, err := bm.bits.isUsed(loc)
			if err != nil {
				return fmt.Errorf("blockmap: unalloc: %w", err)
			}
			if !used {
				return fmt.Errorf("%w: block %d is already free", ErrDoubleFree, loc)
			}
		}
	}
	for _, r := range ranges {
		bm.markRangeFree(r.Base, r.Count)
		bm.free.insert(r.Base, r.Count)
		bm.numFree += r.Count
	}
	return bm.persist()
}

// BlockGroupFromAddrs builds a BlockGroup suitable for UnallocBlocks out of
// an arbitrary address list (e.g. addresses dropped from a carrier during
// truncation), coalescing adjacent addresses into runs so UnallocBlocks
// does less work. The input order does not need to be sorted.
func BlockGroupFromAddrs(addrs []device.Address) *BlockGroup {
	if len(addrs) == 0 {
		return &BlockGroup{Contig: true, Count: 0}
	}
	sorted := append([]device.Address(nil), addrs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	var parts []extentRange
	runBase := sorted[0]
	runLen := uint64(1)
	for i := 1; i < len(sorted); i++ {
		if uint64(sorted[i]) == uint64(runBase)+runLen {
			runLen++
			continue
		}
		parts = append(parts, extentRange{Base: runBase, Count: runLen})
		runBase = sorted[i]
		runLen = 1
	}
	parts = append(parts, extentRange{Base: runBase, Count: runLen})
	if len(parts) == 1 {
		return &BlockGroup{Contig: true, Base: parts[0].Base, Count: parts[0].Count}
	}
	return &BlockGroup{Contig: false, Parts: parts}
}

// BlkRangeBG enumerates every address covered by group, in allocation
// order, for the stream layer to distribute across carriers.
func BlkRangeBG(group *BlockGroup) []device.Address {
	if group == nil {
		return nil
	}
	if group.Contig {
		addrs := make([]device.Address, group.Count)
		for i := uint64(0); i < group.Count; i++ {
			addrs[i] = device.Address(uint64(group.Base) + i)
		}
		return addrs
	}
	var addrs []device.Address
	for _, p := range group.Parts {
		for i := uint64(0); i < p.Count; i++ {
			addrs = append(addrs, device.Address(uint64(p.Base)+i))
		}
	}
	return addrs
}

func (bm *BlockMap) markRangeUsed(base device.Address, n uint64) {
	for i := uint64(0); i < n; i++ {
		_ = bm.bits.markUsed(uint64(base) + i)
	}
}

func (bm *BlockMap) markRangeFree(base device.Address, n uint64) {
	for i := uint64(0); i < n; i++ {
		_ = bm.bits.markFree(uint64(base) + i)
	}
}

// Persist writes the block map's header and bitmap to the device and
// flushes it. Callers that mutate the map (other than through
// UnallocBlocks, which persists itself) must call Persist before any
// carrier write that adopts newly allocated blocks (spec.md §5).
func (bm *BlockMap) Persist() error { return bm.persist() }

func (bm *BlockMap) persist() error {
	header := make([]byte, 28)
	binary.BigEndian.PutUint32(header[0:4], headerMagic)
	binary.BigEndian.PutUint64(header[4:12], bm.dev.NumBlocks())
	binary.BigEndian.PutUint64(header[12:20], bm.numFree)
	binary.BigEndian.PutUint64(header[20:28], bm.reservedBlocks)

	payload := append(header, bm.bits.toBytes()...)
	return writeSpan(bm.dev, 1, bm.headerBlocks, payload)
}

func readSpan(dev device.BlockDevice, start, count uint64) ([]byte, error) {
	bs := dev.BlockSize()
	out := make([]byte, 0, bs*count)
	for i := uint64(0); i < count; i++ {
		blk, err := dev.ReadBlock(device.Address(start + i))
		if err != nil {
			return nil, err
		}
		out = append(out, blk...)
	}
	return out, nil
}

func writeSpan(dev device.BlockDevice, start, count uint64, payload []byte) error {
	bs := dev.BlockSize()
	needed := bs * count
	if uint64(len(payload)) > needed {
		return fmt.Errorf("blockmap: payload %d bytes exceeds %d reserved header blocks (%d bytes)", len(payload), count, needed)
	}
	padded := make([]byte, needed)
	copy(padded, payload)
	for i := uint64(0); i < count; i++ {
		blk := padded[i*bs : (i+1)*bs]
		if err := dev.WriteBlock(device.Address(start+i), blk); err != nil {
			return err
		}
	}
	return dev.Flush()
}
