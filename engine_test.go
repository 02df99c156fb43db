package halfs

import (
	"testing"
	"time"

	"github.com/halfs/halfs/device"
	"github.com/halfs/halfs/inoderec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, numBlocks uint64) *Engine {
	t.Helper()
	dev := device.NewMemDevice(512, numBlocks)
	clock := NewStepClock(time.Unix(1_700_000_000, 0), time.Second)
	eng, err := NewEngine(dev, NewNoopLock(), clock)
	require.NoError(t, err)
	return eng
}

func TestCreateInodeThenStat(t *testing.T) {
	eng := newTestEngine(t, 64)

	ref, err := eng.CreateInode(inoderec.NilInodeRef, 42, 7)
	require.NoError(t, err)
	assert.NotEqual(t, inoderec.NilInodeRef, ref)

	in, err := eng.Stat(ref)
	require.NoError(t, err)
	assert.EqualValues(t, 42, in.UID)
	assert.EqualValues(t, 7, in.GID)
	assert.EqualValues(t, 0, in.Size)
}

func TestWriteFileUpdatesSizeAndMTime(t *testing.T) {
	eng := newTestEngine(t, 64)
	ref, err := eng.CreateInode(inoderec.NilInodeRef, 0, 0)
	require.NoError(t, err)

	before, err := eng.Stat(ref)
	require.NoError(t, err)

	data := []byte("hello halfs")
	require.NoError(t, eng.WriteFile(ref, 0, false, data))

	after, err := eng.Stat(ref)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), after.Size)
	assert.True(t, after.MTime.After(before.MTime))

	got, err := eng.ReadFile(ref, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteFileAppendGrowsSize(t *testing.T) {
	eng := newTestEngine(t, 64)
	ref, err := eng.CreateInode(inoderec.NilInodeRef, 0, 0)
	require.NoError(t, err)

	require.NoError(t, eng.WriteFile(ref, 0, false, []byte("0123456789")))
	require.NoError(t, eng.WriteFile(ref, 10, false, []byte("abcde")))

	in, err := eng.Stat(ref)
	require.NoError(t, err)
	assert.EqualValues(t, 15, in.Size)

	got, err := eng.ReadFile(ref, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcde"), got)
}

func TestWriteFileTruncatingShrinksSize(t *testing.T) {
	eng := newTestEngine(t, 64)
	ref, err := eng.CreateInode(inoderec.NilInodeRef, 0, 0)
	require.NoError(t, err)

	require.NoError(t, eng.WriteFile(ref, 0, false, []byte("0123456789")))
	require.NoError(t, eng.WriteFile(ref, 0, true, []byte("ab")))

	in, err := eng.Stat(ref)
	require.NoError(t, err)
	assert.EqualValues(t, 2, in.Size)

	got, err := eng.ReadFile(ref, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)
}

func TestReadFilePastEndOfFileIsEmpty(t *testing.T) {
	eng := newTestEngine(t, 64)
	ref, err := eng.CreateInode(inoderec.NilInodeRef, 0, 0)
	require.NoError(t, err)
	require.NoError(t, eng.WriteFile(ref, 0, false, []byte("abc")))

	got, err := eng.ReadFile(ref, 100, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOpenEngineRoundTripsBlockMap(t *testing.T) {
	dev := device.NewMemDevice(512, 64)
	eng, err := NewEngine(dev, NewNoopLock(), NewRealClock())
	require.NoError(t, err)

	ref, err := eng.CreateInode(inoderec.NilInodeRef, 0, 0)
	require.NoError(t, err)
	require.NoError(t, eng.WriteFile(ref, 0, false, []byte("persisted")))
	freeAfterWrite := eng.NumFree()

	reopened, err := OpenEngine(dev, NewNoopLock(), NewRealClock())
	require.NoError(t, err)
	assert.Equal(t, freeAfterWrite, reopened.NumFree())

	got, err := reopened.ReadFile(ref, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}
