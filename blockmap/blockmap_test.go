package blockmap

import (
	"testing"

	"github.com/halfs/halfs/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, numBlocks uint64) device.BlockDevice {
	t.Helper()
	return device.NewMemDevice(512, numBlocks)
}

func TestNewBlockMapReservesOwnBlocks(t *testing.T) {
	dev := newTestDevice(t, 512)
	bm, err := NewBlockMap(dev)
	require.NoError(t, err)

	require.Equal(t, dev.NumBlocks()-bm.ReservedBlocks(), bm.NumFree())
}

func TestReadBlockMapRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 512)
	bm, err := NewBlockMap(dev)
	require.NoError(t, err)

	group, ok := bm.AllocBlocks(10)
	require.True(t, ok)
	require.NoError(t, bm.Persist())

	reloaded, err := ReadBlockMap(dev)
	require.NoError(t, err)
	assert.Equal(t, bm.NumFree(), reloaded.NumFree())

	// the blocks we allocated must show up as used in the reloaded map
	addrs := BlkRangeBG(group)
	for _, a := range addrs {
		used, err := reloaded.bits.isUsed(uint64(a))
		require.NoError(t, err)
		assert.True(t, used)
	}
}

func TestAlloc1ExhaustionReturnsFalse(t *testing.T) {
	dev := newTestDevice(t, 64)
	bm, err := NewBlockMap(dev)
	require.NoError(t, err)

	var got []device.Address
	for {
		addr, ok := bm.Alloc1()
		if !ok {
			break
		}
		got = append(got, addr)
	}
	assert.Equal(t, uint64(0), bm.NumFree())

	_, ok := bm.Alloc1()
	assert.False(t, ok)

	// no duplicates among everything we allocated
	seen := make(map[device.Address]bool)
	for _, a := range got {
		assert.False(t, seen[a], "address %d allocated twice", a)
		seen[a] = true
	}
}

func TestAllocUnallocSymmetry(t *testing.T) {
	dev := newTestDevice(t, 512)
	bm, err := NewBlockMap(dev)
	require.NoError(t, err)

	before := bm.NumFree()

	g1, ok := bm.AllocBlocks(5)
	require.True(t, ok)
	g2, ok := bm.AllocBlocks(3)
	require.True(t, ok)

	require.NoError(t, bm.UnallocBlocks(g2))
	require.NoError(t, bm.UnallocBlocks(g1))

	assert.Equal(t, before, bm.NumFree())
	// exactly one free extent remains, covering the whole data region
	require.Len(t, bm.free.byBase, 1)
}

func TestUnallocDoubleFreeFails(t *testing.T) {
	dev := newTestDevice(t, 64)
	bm, err := NewBlockMap(dev)
	require.NoError(t, err)

	g, ok := bm.AllocBlocks(4)
	require.True(t, ok)
	require.NoError(t, bm.UnallocBlocks(g))

	err = bm.UnallocBlocks(g)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestAllocBlocksNoDuplicateAddresses(t *testing.T) {
	dev := newTestDevice(t, 256)
	bm, err := NewBlockMap(dev)
	require.NoError(t, err)

	g1, ok := bm.AllocBlocks(20)
	require.True(t, ok)
	g2, ok := bm.AllocBlocks(30)
	require.True(t, ok)

	seen := make(map[device.Address]bool)
	for _, a := range append(BlkRangeBG(g1), BlkRangeBG(g2)...) {
		assert.False(t, seen[a])
		seen[a] = true
	}
}

func TestAllocBlocksDiscontiguousFallback(t *testing.T) {
	dev := newTestDevice(t, 64)
	bm, err := NewBlockMap(dev)
	require.NoError(t, err)

	// fragment the free space so that no single contiguous run is big
	// enough for a later larger request.
	reserved := bm.ReservedBlocks()
	first := device.Address(reserved)

	// manually used-mark every second block across the whole free region
	// to force fragmentation, then request more than any single remaining
	// run.
	for i := uint64(0); i < dev.NumBlocks()-reserved; i += 2 {
		bm.markRangeUsed(device.Address(uint64(first)+i), 1)
		bm.numFree--
	}
	bm.free = newExtentSet()
	// rebuild free extents from the bitset (mirrors ReadBlockMap's logic)
	var run, runStart uint64
	for i := uint64(0); i < dev.NumBlocks(); i++ {
		used, _ := bm.bits.isUsed(i)
		if used {
			if run > 0 {
				bm.free.insert(device.Address(runStart), run)
				run = 0
			}
			continue
		}
		if run == 0 {
			runStart = i
		}
		run++
	}
	if run > 0 {
		bm.free.insert(device.Address(runStart), run)
	}

	group, ok := bm.AllocBlocks(15)
	require.True(t, ok)
	assert.False(t, group.Contig)
	assert.Len(t, BlkRangeBG(group), 15)
}
