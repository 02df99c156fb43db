package inoderec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/halfs/halfs/device"
)

// EncodeInode serializes in to exactly blockSize bytes, padding the
// block-list region with NilInodeRef-equivalent (zero) addresses up to
// capacity, per spec.md §4.1 and §6.3. Layout (big-endian), grounded on
// the fixed-offset encode/decode style of filesystem/ext4/inode.go:
//
//	[0]       tag
//	[1:9]     magic[0]
//	[9:17]    self
//	[17:25]   parent
//	[25:33]   continuation ref
//	[33:41]   magic[1]
//	[41:49]   file size
//	[49:57]   ctime seconds    [57:61] ctime nanos
//	[61:69]   mtime seconds    [69:73] mtime nanos
//	[73:81]   magic[2]
//	[81:85]   uid              [85:89] gid
//	[89:93]   block count (k)
//	[93:101]  magic[3]
//	[101:117] reserved (zero)
//	[117:..]  address list, padded to capacity
//	[..:+7]   padding sentinel
func EncodeInode(in *Inode, blockSize uint64) []byte {
	capacity := CapacityForBlockSize(blockSize, InodeOverhead)
	b := make([]byte, blockSize)

	b[0] = byte(tagInode)
	copy(b[1:9], inodeMagic[0][:])
	binary.BigEndian.PutUint64(b[9:17], uint64(in.Self))
	binary.BigEndian.PutUint64(b[17:25], uint64(in.Parent))
	binary.BigEndian.PutUint64(b[25:33], uint64(in.Continuation))
	copy(b[33:41], inodeMagic[1][:])
	binary.BigEndian.PutUint64(b[41:49], in.Size)
	binary.BigEndian.PutUint64(b[49:57], uint64(in.CTime.Unix()))
	binary.BigEndian.PutUint32(b[57:61], uint32(in.CTime.Nanosecond()))
	binary.BigEndian.PutUint64(b[61:69], uint64(in.MTime.Unix()))
	binary.BigEndian.PutUint32(b[69:73], uint32(in.MTime.Nanosecond()))
	copy(b[73:81], inodeMagic[2][:])
	binary.BigEndian.PutUint32(b[81:85], in.UID)
	binary.BigEndian.PutUint32(b[85:89], in.GID)
	binary.BigEndian.PutUint32(b[89:93], uint32(len(in.Addresses)))
	copy(b[93:101], inodeMagic[3][:])
	// 101:117 reserved, already zero

	listOff := 117
	for i, a := range in.Addresses {
		binary.BigEndian.PutUint64(b[listOff+i*8:listOff+i*8+8], uint64(a))
	}
	// remaining slots up to capacity already zero (NilAddress)

	padOff := listOff + capacity*8
	fillPadding(b[padOff : padOff+paddingLength])
	return b
}

// DecodeInode is retired as a public entry point per spec.md §9's Open
// Question resolution: all decoding routes through DecodeCarrier, which
// dispatches on the leading tag byte.
func decodeInode(b []byte, blockSize uint64) (*Inode, error) {
	capacity := CapacityForBlockSize(blockSize, InodeOverhead)
	listOff := 117
	padOff := listOff + capacity*8
	if len(b) < padOff+paddingLength {
		return nil, fmt.Errorf("%w: block too short", ErrDecodeFailInode)
	}
	if b[0] != byte(tagInode) {
		return nil, fmt.Errorf("%w: wrong tag", ErrDecodeFailInode)
	}
	if string(b[1:9]) != string(inodeMagic[0][:]) ||
		string(b[33:41]) != string(inodeMagic[1][:]) ||
		string(b[73:81]) != string(inodeMagic[2][:]) ||
		string(b[93:101]) != string(inodeMagic[3][:]) {
		return nil, fmt.Errorf("%w: magic mismatch", ErrDecodeFailInode)
	}
	if !checkPadding(b[padOff : padOff+paddingLength]) {
		return nil, fmt.Errorf("%w: padding sentinel mismatch", ErrDecodeFailInode)
	}

	self := InodeRef(binary.BigEndian.Uint64(b[9:17]))
	parent := InodeRef(binary.BigEndian.Uint64(b[17:25]))
	cont := ContRef(binary.BigEndian.Uint64(b[25:33]))
	size := binary.BigEndian.Uint64(b[41:49])
	ctimeSec := int64(binary.BigEndian.Uint64(b[49:57]))
	ctimeNano := int64(binary.BigEndian.Uint32(b[57:61]))
	mtimeSec := int64(binary.BigEndian.Uint64(b[61:69]))
	mtimeNano := int64(binary.BigEndian.Uint32(b[69:73]))
	uid := binary.BigEndian.Uint32(b[81:85])
	gid := binary.BigEndian.Uint32(b[85:89])
	k := binary.BigEndian.Uint32(b[89:93])

	if int(k) > capacity {
		return nil, fmt.Errorf("%w: block count %d exceeds capacity %d", ErrDecodeFailInode, k, capacity)
	}

	addrs := make([]device.Address, k)
	for i := range addrs {
		addrs[i] = device.Address(binary.BigEndian.Uint64(b[listOff+i*8 : listOff+i*8+8]))
	}

	return &Inode{
		Self:         self,
		Parent:       parent,
		Continuation: cont,
		Size:         size,
		CTime:        time.Unix(ctimeSec, ctimeNano).UTC(),
		MTime:        time.Unix(mtimeSec, mtimeNano).UTC(),
		UID:          uid,
		GID:          gid,
		Addresses:    addrs,
		capacity:     capacity,
	}, nil
}

// EncodeContinuation serializes c to exactly blockSize bytes. Layout:
//
//	[0]      tag
//	[1:9]    magic[0]
//	[9:17]   self
//	[17:25]  next continuation ref
//	[25:33]  magic[1]
//	[33:37]  block count (k)
//	[37:45]  magic[2]
//	[45:53]  magic[3]
//	[53:..]  address list, padded to capacity
//	[..:+7]  padding sentinel
func EncodeContinuation(c *Continuation, blockSize uint64) []byte {
	capacity := CapacityForBlockSize(blockSize, ContOverhead)
	b := make([]byte, blockSize)

	b[0] = byte(tagCont)
	copy(b[1:9], contMagic[0][:])
	binary.BigEndian.PutUint64(b[9:17], uint64(c.Self))
	binary.BigEndian.PutUint64(b[17:25], uint64(c.Next))
	copy(b[25:33], contMagic[1][:])
	binary.BigEndian.PutUint32(b[33:37], uint32(len(c.Addresses)))
	copy(b[37:45], contMagic[2][:])
	copy(b[45:53], contMagic[3][:])

	listOff := 53
	for i, a := range c.Addresses {
		binary.BigEndian.PutUint64(b[listOff+i*8:listOff+i*8+8], uint64(a))
	}
	padOff := listOff + capacity*8
	fillPadding(b[padOff : padOff+paddingLength])
	return b
}

func decodeContinuation(b []byte, blockSize uint64) (*Continuation, error) {
	capacity := CapacityForBlockSize(blockSize, ContOverhead)
	listOff := 53
	padOff := listOff + capacity*8
	if len(b) < padOff+paddingLength {
		return nil, fmt.Errorf("%w: block too short", ErrDecodeFailCont)
	}
	if b[0] != byte(tagCont) {
		return nil, fmt.Errorf("%w: wrong tag", ErrDecodeFailCont)
	}
	if string(b[1:9]) != string(contMagic[0][:]) ||
		string(b[25:33]) != string(contMagic[1][:]) ||
		string(b[37:45]) != string(contMagic[2][:]) ||
		string(b[45:53]) != string(contMagic[3][:]) {
		return nil, fmt.Errorf("%w: magic mismatch", ErrDecodeFailCont)
	}
	if !checkPadding(b[padOff : padOff+paddingLength]) {
		return nil, fmt.Errorf("%w: padding sentinel mismatch", ErrDecodeFailCont)
	}

	self := ContRef(binary.BigEndian.Uint64(b[9:17]))
	next := ContRef(binary.BigEndian.Uint64(b[17:25]))
	k := binary.BigEndian.Uint32(b[33:37])
	if int(k) > capacity {
		return nil, fmt.Errorf("%w: block count %d exceeds capacity %d", ErrDecodeFailCont, k, capacity)
	}

	addrs := make([]device.Address, k)
	for i := range addrs {
		addrs[i] = device.Address(binary.BigEndian.Uint64(b[listOff+i*8 : listOff+i*8+8]))
	}
	return &Continuation{Self: self, Next: next, Addresses: addrs, capacity: capacity}, nil
}
