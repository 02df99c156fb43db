package inoderec

import (
	"errors"
	"fmt"

	"github.com/halfs/halfs/device"
)

// ErrCorruptChain signals a cycle detected while expanding a continuation
// chain, or a chain length exceeding device capacity (spec.md §7).
var ErrCorruptChain = errors.New("inoderec: corrupt chain")

// DrefInode reads the block at ref, decodes it, and returns the carrier.
// Capacity is repopulated from dev's block size since it is never
// persisted (spec.md §4.3).
func DrefInode(dev device.BlockDevice, ref InodeRef) (Carrier, error) {
	raw, err := dev.ReadBlock(device.Address(ref))
	if err != nil {
		return Carrier{}, fmt.Errorf("inoderec: read inode %d: %w", ref, err)
	}
	c, err := DecodeCarrier(raw, dev.BlockSize())
	if err != nil {
		return Carrier{}, err
	}
	if c.Kind() != CarrierKindInode {
		return Carrier{}, fmt.Errorf("%w: block %d is not an inode", ErrDecodeFailInode, ref)
	}
	return c, nil
}

// DrefCont reads the block at ref, decodes it, and returns the carrier.
func DrefCont(dev device.BlockDevice, ref ContRef) (Carrier, error) {
	raw, err := dev.ReadBlock(device.Address(ref))
	if err != nil {
		return Carrier{}, fmt.Errorf("inoderec: read continuation %d: %w", ref, err)
	}
	c, err := DecodeCarrier(raw, dev.BlockSize())
	if err != nil {
		return Carrier{}, err
	}
	if c.Kind() != CarrierKindCont {
		return Carrier{}, fmt.Errorf("%w: block %d is not a continuation", ErrDecodeFailCont, ref)
	}
	return c, nil
}

// WriteCarrier serializes c and writes it at its own address.
func WriteCarrier(dev device.BlockDevice, c Carrier) error {
	return dev.WriteBlock(c.Self(), c.Encode(dev.BlockSize()))
}

// ExpandChain returns the full list of carriers starting at head,
// following Continuation links until nil. It detects cycles: a chain
// longer than the device's block count is reported as ErrCorruptChain
// (spec.md §4.3).
//
// maxCarriers, if > 0, bounds how many carriers are walked before
// returning early with the partial list — the windowed-walk optimization
// spec.md §9 calls for, so callers that only need a prefix of a long
// chain (the stream layer's read/write window) don't pay for a full walk.
// Cycle/overflow detection still applies at the unbounded, full-chain
// granularity: a bounded call that hits the device's block-count ceiling
// before exhausting its bound still fails with ErrCorruptChain.
func ExpandChain(dev device.BlockDevice, head Carrier, maxCarriers int) ([]Carrier, error) {
	chain := []Carrier{head}
	limit := dev.NumBlocks()
	next := head.ContinuationRef()
	for next != NilContRef {
		if maxCarriers > 0 && len(chain) >= maxCarriers {
			return chain, nil
		}
		if uint64(len(chain)) > limit {
			return nil, ErrCorruptChain
		}
		c, err := DrefCont(dev, next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
		next = c.ContinuationRef()
	}
	return chain, nil
}
