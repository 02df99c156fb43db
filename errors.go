// Package halfs implements the Halfs block-structured hierarchical storage
// engine: a free-space block map, an inode/continuation record layer, and a
// byte-granular stream layer, wired together behind a single Engine.
package halfs

import (
	"errors"

	"github.com/halfs/halfs/blockmap"
	"github.com/halfs/halfs/inoderec"
	"github.com/halfs/halfs/stream"
)

// Sentinel errors re-exported at the engine boundary so callers only need
// to import one package to errors.Is against any failure the storage stack
// can produce.
var (
	ErrAllocFailed        = stream.ErrAllocFailed
	ErrDoubleFree         = blockmap.ErrDoubleFree
	ErrInvalidStreamIndex = stream.ErrInvalidStreamIndex
	ErrDecodeFailInode    = inoderec.ErrDecodeFailInode
	ErrDecodeFailCont     = inoderec.ErrDecodeFailCont
	ErrDecodeFailCarrier  = inoderec.ErrDecodeFailCarrier
	ErrCorruptBlockMap    = blockmap.ErrCorrupt
	ErrCorruptChain       = inoderec.ErrCorruptChain

	// ErrNotFound names the "inode not found" condition. No Engine
	// operation returns it: an InodeRef that does not resolve to a live
	// inode (a stale or zero reference) fails with a decode error such as
	// ErrDecodeFailCarrier or ErrDecodeFailInode instead.
	ErrNotFound = errors.New("halfs: inode not found")
)
