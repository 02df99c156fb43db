package halfs

import (
	"fmt"

	"github.com/halfs/halfs/blockmap"
	"github.com/halfs/halfs/device"
	"github.com/halfs/halfs/inoderec"
	"github.com/halfs/halfs/stream"
	"github.com/sirupsen/logrus"
)

// Engine wires the block map, the inode/continuation layer, and the stream
// layer behind the single engine-wide lock spec.md §5 calls for. It is the
// library surface callers at the directory/file layer are expected to
// drive; that layer itself (mkdir, openFile, mount, permission checks) is
// out of scope (spec.md §1).
type Engine struct {
	dev   device.BlockDevice
	bm    *blockmap.BlockMap
	lock  Lock
	clock Clock

	log *logrus.Entry
}

// NewEngine formats dev with a fresh, empty block map and returns a handle.
// Use this only against a device that has never held a Halfs filesystem.
func NewEngine(dev device.BlockDevice, lock Lock, clock Clock) (*Engine, error) {
	bm, err := blockmap.NewBlockMap(dev)
	if err != nil {
		return nil, fmt.Errorf("halfs: format: %w", err)
	}
	return newEngine(dev, bm, lock, clock), nil
}

// OpenEngine loads a previously formatted device's block map and returns a
// handle, failing with ErrCorruptBlockMap if its invariants do not hold.
func OpenEngine(dev device.BlockDevice, lock Lock, clock Clock) (*Engine, error) {
	bm, err := blockmap.ReadBlockMap(dev)
	if err != nil {
		return nil, fmt.Errorf("halfs: open: %w", err)
	}
	return newEngine(dev, bm, lock, clock), nil
}

func newEngine(dev device.BlockDevice, bm *blockmap.BlockMap, lock Lock, clock Clock) *Engine {
	if lock == nil {
		lock = NewMutexLock()
	}
	if clock == nil {
		clock = NewRealClock()
	}
	return &Engine{
		dev:   dev,
		bm:    bm,
		lock:  lock,
		clock: clock,
		log:   logrus.WithField("component", "halfs.Engine"),
	}
}

// NumFree returns the block map's current free-block count.
func (e *Engine) NumFree() uint64 { return e.bm.NumFree() }

// CreateInode allocates a block, writes a fresh empty inode with the given
// parent/owner, and returns its reference (spec.md §4.3 buildEmptyInode +
// buildEmptyInodeEnc, applied through the engine's allocator).
func (e *Engine) CreateInode(parent inoderec.InodeRef, uid, gid uint32) (inoderec.InodeRef, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	addr, ok := e.bm.Alloc1()
	if !ok {
		return inoderec.NilInodeRef, fmt.Errorf("%w: no free blocks for new inode", ErrAllocFailed)
	}
	if err := e.bm.Persist(); err != nil {
		_ = e.bm.UnallocBlocks(&blockmap.BlockGroup{Contig: true, Base: addr, Count: 1})
		return inoderec.NilInodeRef, fmt.Errorf("halfs: persist block map: %w", err)
	}

	self := inoderec.InodeRef(addr)
	in := inoderec.BuildEmptyInode(e.dev.BlockSize(), self, parent, uid, gid, e.clock.Now())
	if err := inoderec.WriteCarrier(e.dev, inoderec.FromInode(in)); err != nil {
		return inoderec.NilInodeRef, fmt.Errorf("halfs: write new inode: %w", err)
	}
	if err := e.dev.Flush(); err != nil {
		return inoderec.NilInodeRef, fmt.Errorf("halfs: flush: %w", err)
	}
	e.log.WithField("inode", uint64(self)).Debug("created inode")
	return self, nil
}

// Stat dereferences ref and returns a copy of its head inode metadata.
func (e *Engine) Stat(ref inoderec.InodeRef) (*inoderec.Inode, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	carrier, err := inoderec.DrefInode(e.dev, ref)
	if err != nil {
		return nil, err
	}
	in, _ := carrier.AsInode()
	cp := *in
	return &cp, nil
}

// ReadFile reads up to maxLen bytes starting at start from ref's stream,
// clamped to the inode's recorded file size when maxLen is nil (spec.md
// §4.4.2 point 6, whose trimming responsibility this engine assumes on
// behalf of callers that only know the head inode).
func (e *Engine) ReadFile(ref inoderec.InodeRef, start uint64, maxLen *uint64) ([]byte, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	carrier, err := inoderec.DrefInode(e.dev, ref)
	if err != nil {
		return nil, err
	}
	in, _ := carrier.AsInode()
	if start >= in.Size {
		return nil, nil
	}

	effLen := in.Size - start
	if maxLen != nil && *maxLen < effLen {
		effLen = *maxLen
	}
	return stream.ReadStream(e.dev, ref, start, &effLen)
}

// WriteFile writes data at start into ref's stream, then updates the head
// inode's Size and MTime (spec.md §4.4.3 point 10, the layer-above
// responsibility stream.WriteStream itself does not take on).
func (e *Engine) WriteFile(ref inoderec.InodeRef, start uint64, truncating bool, data []byte) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	res, err := stream.WriteStream(e.dev, e.bm, ref, start, truncating, data)
	if err != nil {
		return err
	}
	if len(res.Chain) == 0 {
		return nil
	}
	head, ok := res.Chain[0].AsInode()
	if !ok {
		return fmt.Errorf("%w: chain head is not an inode", ErrDecodeFailInode)
	}

	newSize := head.Size
	end := start + uint64(len(data))
	switch {
	case truncating:
		newSize = end
	case end > newSize:
		newSize = end
	}

	updated := head.WithSize(newSize).WithMTime(e.clock.Now())
	if err := inoderec.WriteCarrier(e.dev, inoderec.FromInode(updated)); err != nil {
		return fmt.Errorf("halfs: persist updated inode metadata: %w", err)
	}
	return e.dev.Flush()
}
