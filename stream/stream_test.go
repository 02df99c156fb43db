package stream

import (
	"math/rand"
	"testing"
	"time"

	"github.com/halfs/halfs/blockmap"
	"github.com/halfs/halfs/device"
	"github.com/halfs/halfs/inoderec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T, blockSize uint64, numBlocks uint64) (device.BlockDevice, *blockmap.BlockMap, inoderec.InodeRef) {
	t.Helper()
	dev := device.NewMemDevice(blockSize, numBlocks)
	bm, err := blockmap.NewBlockMap(dev)
	require.NoError(t, err)

	addr, ok := bm.Alloc1()
	require.True(t, ok)
	require.NoError(t, bm.Persist())

	in := inoderec.BuildEmptyInode(blockSize, inoderec.InodeRef(addr), inoderec.NilInodeRef, 0, 0, time.Now())
	require.NoError(t, inoderec.WriteCarrier(dev, inoderec.FromInode(in)))
	return dev, bm, inoderec.InodeRef(addr)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dev, bm, head := newFixture(t, 512, 256)

	src := rand.New(rand.NewSource(1))
	data := make([]byte, 3*512+17)
	src.Read(data)

	res, err := WriteStream(dev, bm, head, 0, false, data)
	require.NoError(t, err)
	require.NotEmpty(t, res.Chain)

	n := uint64(len(data))
	got, err := ReadStream(dev, head, 0, &n)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOverwriteSubrangePreservesSurroundingBytes(t *testing.T) {
	dev, bm, head := newFixture(t, 512, 256)

	full := make([]byte, 4*512)
	for i := range full {
		full[i] = byte(i % 251)
	}
	_, err := WriteStream(dev, bm, head, 0, false, full)
	require.NoError(t, err)

	patch := []byte{0xFF, 0xFE, 0xFD, 0xFC, 0xFB}
	_, err = WriteStream(dev, bm, head, 600, false, patch)
	require.NoError(t, err)

	n := uint64(len(full))
	got, err := ReadStream(dev, head, 0, &n)
	require.NoError(t, err)

	want := append([]byte(nil), full...)
	copy(want[600:], patch)
	assert.Equal(t, want, got)
}

func TestTruncatingWriteFillsSentinelAndFreesBlocks(t *testing.T) {
	dev, bm, head := newFixture(t, 512, 64)

	full := make([]byte, 5*512)
	for i := range full {
		full[i] = 0x11
	}
	_, err := WriteStream(dev, bm, head, 0, false, full)
	require.NoError(t, err)
	freeBefore := bm.NumFree()

	short := []byte{1, 2, 3, 4}
	res, err := WriteStream(dev, bm, head, 0, true, short)
	require.NoError(t, err)

	freeAfter := bm.NumFree()
	assert.Greater(t, freeAfter, freeBefore, "truncating write should release the dropped tail blocks")

	require.Len(t, res.Chain, 1)
	headCarrier := res.Chain[0]
	require.Equal(t, 1, headCarrier.BlockCount())

	addr := headCarrier.Addresses()[0]
	raw, err := dev.ReadBlock(addr)
	require.NoError(t, err)
	assert.Equal(t, short, raw[:len(short)])
	for _, b := range raw[len(short):] {
		assert.Equal(t, truncationSentinel, b)
	}
}

func TestWriteAllocationExhaustionLeavesBlockMapUnchanged(t *testing.T) {
	dev, bm, head := newFixture(t, 512, 8)
	freeBefore := bm.NumFree()

	tooBig := make([]byte, 64*512)
	_, err := WriteStream(dev, bm, head, 0, false, tooBig)
	require.ErrorIs(t, err, ErrAllocFailed)
	assert.Equal(t, freeBefore, bm.NumFree(), "a failed write must not leak allocated blocks")
}

func TestWriteExtendsChainAcrossContinuations(t *testing.T) {
	dev, bm, head := newFixture(t, 512, 4096)

	apiCap := inoderec.CapacityForBlockSize(512, inoderec.InodeOverhead)
	data := make([]byte, (apiCap+10)*512)
	for i := range data {
		data[i] = byte(i)
	}
	res, err := WriteStream(dev, bm, head, 0, false, data)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(res.Chain), 2)

	n := uint64(len(data))
	got, err := ReadStream(dev, head, 0, &n)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
