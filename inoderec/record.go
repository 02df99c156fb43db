// Package inoderec implements the Halfs Inode/Continuation record layer
// (spec.md §3.3, §4.1, §4.3): persisted layout, encode/decode, minimum-size
// computation, and address capacity, plus the Carrier abstraction the
// stream layer walks chains through.
package inoderec

import (
	"errors"
	"time"

	"github.com/halfs/halfs/device"
)

// InodeRef is the block address of a primary inode block. ContRef is the
// block address of a continuation block. Both are distinct named types
// over device.Address (not aliases) so the stream layer cannot
// accidentally dereference one as the other (spec.md §3.1).
type InodeRef device.Address
type ContRef device.Address

// NilInodeRef / NilContRef are the terminating sentinels: address 0,
// reserved for the superblock (spec.md §3.1).
const (
	NilInodeRef InodeRef = 0
	NilContRef  ContRef  = 0
)

// Minimum block-list capacities, fixed regardless of device block size
// (spec.md §3.3). A device whose derived Capacity falls below these for
// its record kind cannot host a usable filesystem.
const (
	MinInodeBlocks = 48
	MinContBlocks  = 56
)

var (
	// ErrDecodeFailInode / ErrDecodeFailCont / ErrDecodeFailCarrier signal a
	// magic-marker mismatch or structural inconsistency on read (spec.md §7).
	ErrDecodeFailInode   = errors.New("inoderec: decode failed: inode")
	ErrDecodeFailCont    = errors.New("inoderec: decode failed: continuation")
	ErrDecodeFailCarrier = errors.New("inoderec: decode failed: block carrier")
)

// Inode is the metadata-bearing head record of a file's block chain
// (spec.md §3.3).
type Inode struct {
	Self         InodeRef
	Parent       InodeRef // nil for root and for non-head chain members
	Continuation ContRef  // nil terminates the chain
	Size         uint64   // file size in bytes
	CTime        time.Time
	MTime        time.Time // invariant: MTime >= CTime
	UID          uint32
	GID          uint32
	Addresses    []device.Address // length == BlockCount

	// capacity is transient: recomputed at decode from the device block
	// size, never persisted (spec.md §3.3, §9 "Transient fields").
	capacity int
}

// Continuation is a metadata-lean successor record extending a file's
// block list (spec.md §3.3).
type Continuation struct {
	Self      ContRef
	Next      ContRef
	Addresses []device.Address

	capacity int
}

// BlockCount returns the number of addresses actually in use (spec.md §3.3:
// k).
func (in *Inode) BlockCount() int { return len(in.Addresses) }

// Capacity returns the maximum number of addresses this inode can hold at
// its device's block size.
func (in *Inode) Capacity() int { return in.capacity }

func (c *Continuation) BlockCount() int { return len(c.Addresses) }
func (c *Continuation) Capacity() int   { return c.capacity }

// InodeOverhead / ContOverhead are the fixed non-address-list byte costs
// of each record's serialized form (tag + magics + metadata + reserved +
// padding), derived once from the concrete layout in codec.go. capacity =
// (blockSize - overhead) / 8 (spec.md §3.3).
const (
	InodeOverhead = 117 + paddingLength
	ContOverhead  = 53 + paddingLength
)

// CapacityForBlockSize returns the address-list capacity an Inode or
// Continuation record has on a device with the given block size.
func CapacityForBlockSize(blockSize uint64, overhead int) int {
	if blockSize <= uint64(overhead) {
		return 0
	}
	return int((blockSize - uint64(overhead)) / 8)
}

// BuildEmptyInode constructs an in-memory Inode carrying no blocks yet.
// It allocates nothing on the device (spec.md §4.3).
func BuildEmptyInode(blockSize uint64, self, parent InodeRef, uid, gid uint32, now time.Time) *Inode {
	return &Inode{
		Self:     self,
		Parent:   parent,
		Size:     0,
		CTime:    now,
		MTime:    now,
		UID:      uid,
		GID:      gid,
		capacity: CapacityForBlockSize(blockSize, InodeOverhead),
	}
}

// BuildEmptyInodeEnc builds an empty inode and immediately serializes it
// to exactly one block.
func BuildEmptyInodeEnc(blockSize uint64, self, parent InodeRef, uid, gid uint32, now time.Time) ([]byte, *Inode) {
	in := BuildEmptyInode(blockSize, self, parent, uid, gid, now)
	return EncodeInode(in, blockSize), in
}

// BuildEmptyContinuation constructs an in-memory Continuation with no
// blocks and no successor.
func BuildEmptyContinuation(blockSize uint64, self ContRef) *Continuation {
	return &Continuation{
		Self:     self,
		capacity: CapacityForBlockSize(blockSize, ContOverhead),
	}
}

// WithAddresses returns a copy of in with its address list and implied
// block count replaced (carriers are immutable values, spec.md §5).
func (in *Inode) WithAddresses(addrs []device.Address) *Inode {
	cp := *in
	cp.Addresses = append([]device.Address(nil), addrs...)
	return &cp
}

func (c *Continuation) WithAddresses(addrs []device.Address) *Continuation {
	cp := *c
	cp.Addresses = append([]device.Address(nil), addrs...)
	return &cp
}

// WithContinuation returns a copy of in with its continuation ref replaced.
func (in *Inode) WithContinuation(ref ContRef) *Inode {
	cp := *in
	cp.Continuation = ref
	return &cp
}

func (c *Continuation) WithNext(ref ContRef) *Continuation {
	cp := *c
	cp.Next = ref
	return &cp
}

// WithSize returns a copy of in with its file size replaced.
func (in *Inode) WithSize(size uint64) *Inode {
	cp := *in
	cp.Size = size
	return &cp
}

// WithMTime returns a copy of in with its modification time replaced.
func (in *Inode) WithMTime(t time.Time) *Inode {
	cp := *in
	cp.MTime = t
	return &cp
}
