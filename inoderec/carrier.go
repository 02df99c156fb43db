package inoderec

import (
	"fmt"

	"github.com/halfs/halfs/device"
)

// CarrierKind discriminates which record shape a Carrier wraps.
type CarrierKind int

const (
	CarrierKindInode CarrierKind = iota
	CarrierKindCont
)

// Carrier is a uniform view over Inode and Continuation records, the
// abstraction the stream layer walks chains through (spec.md §4.3,
// GLOSSARY). Per spec.md §9's steer away from the original's
// closure-based existential, this is a small tagged union rather than an
// interface-of-closures: a sum type with two accessor-only shapes.
// Carriers are treated as immutable values; every mutator returns a new
// Carrier (spec.md §5).
type Carrier struct {
	kind CarrierKind
	in   *Inode
	cont *Continuation
}

func FromInode(in *Inode) Carrier        { return Carrier{kind: CarrierKindInode, in: in} }
func FromContinuation(c *Continuation) Carrier { return Carrier{kind: CarrierKindCont, cont: c} }

func (c Carrier) Kind() CarrierKind { return c.kind }

// Self returns this carrier's own block address.
func (c Carrier) Self() device.Address {
	if c.kind == CarrierKindInode {
		return device.Address(c.in.Self)
	}
	return device.Address(c.cont.Self)
}

// ContinuationRef returns the next link in the chain, or NilContRef at the
// end.
func (c Carrier) ContinuationRef() ContRef {
	if c.kind == CarrierKindInode {
		return c.in.Continuation
	}
	return c.cont.Next
}

func (c Carrier) BlockCount() int {
	if c.kind == CarrierKindInode {
		return c.in.BlockCount()
	}
	return c.cont.BlockCount()
}

func (c Carrier) Capacity() int {
	if c.kind == CarrierKindInode {
		return c.in.Capacity()
	}
	return c.cont.Capacity()
}

func (c Carrier) Addresses() []device.Address {
	if c.kind == CarrierKindInode {
		return c.in.Addresses
	}
	return c.cont.Addresses
}

// AsInode returns the wrapped Inode and true, or (nil, false) if this
// carrier wraps a Continuation.
func (c Carrier) AsInode() (*Inode, bool) {
	if c.kind == CarrierKindInode {
		return c.in, true
	}
	return nil, false
}

// AsContinuation returns the wrapped Continuation and true, or (nil,
// false) if this carrier wraps an Inode.
func (c Carrier) AsContinuation() (*Continuation, bool) {
	if c.kind == CarrierKindCont {
		return c.cont, true
	}
	return nil, false
}

// WithAddresses returns a copy of this carrier with its address list (and
// implied block count) replaced.
func (c Carrier) WithAddresses(addrs []device.Address) Carrier {
	if c.kind == CarrierKindInode {
		return FromInode(c.in.WithAddresses(addrs))
	}
	return FromContinuation(c.cont.WithAddresses(addrs))
}

// WithContinuationRef returns a copy of this carrier with its outgoing
// chain link replaced.
func (c Carrier) WithContinuationRef(ref ContRef) Carrier {
	if c.kind == CarrierKindInode {
		return FromInode(c.in.WithContinuation(ref))
	}
	return FromContinuation(c.cont.WithNext(ref))
}

// Encode serializes this carrier to exactly blockSize bytes.
func (c Carrier) Encode(blockSize uint64) []byte {
	if c.kind == CarrierKindInode {
		return EncodeInode(c.in, blockSize)
	}
	return EncodeContinuation(c.cont, blockSize)
}

// DecodeCarrier decodes a raw block into a Carrier, dispatching on the
// leading tag byte. This is the sole public decode entry point; per
// spec.md §9's Open Question resolution, separate DecodeInode/DecodeCont
// functions are not exposed.
func DecodeCarrier(b []byte, blockSize uint64) (Carrier, error) {
	if len(b) == 0 {
		return Carrier{}, fmt.Errorf("%w: empty block", ErrDecodeFailCarrier)
	}
	switch tag(b[0]) {
	case tagInode:
		in, err := decodeInode(b, blockSize)
		if err != nil {
			return Carrier{}, err
		}
		return FromInode(in), nil
	case tagCont:
		c, err := decodeContinuation(b, blockSize)
		if err != nil {
			return Carrier{}, err
		}
		return FromContinuation(c), nil
	default:
		return Carrier{}, fmt.Errorf("%w: unrecognized tag %#x", ErrDecodeFailCarrier, b[0])
	}
}
