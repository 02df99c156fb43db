package inoderec

import (
	"testing"
	"time"

	"github.com/halfs/halfs/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityAtCanonicalBlockSize(t *testing.T) {
	assert.Equal(t, MinInodeBlocks, CapacityForBlockSize(512, InodeOverhead))
	assert.Equal(t, MinContBlocks, CapacityForBlockSize(512, ContOverhead))
}

func TestInodeRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 123456000).UTC()
	in := BuildEmptyInode(512, InodeRef(5), InodeRef(1), 1000, 1000, now)
	in = in.WithAddresses([]device.Address{10, 11, 12})

	raw := EncodeInode(in, 512)
	assert.Len(t, raw, 512)

	decoded, err := decodeInode(raw, 512)
	require.NoError(t, err)

	assert.Equal(t, in.Self, decoded.Self)
	assert.Equal(t, in.Parent, decoded.Parent)
	assert.Equal(t, in.Continuation, decoded.Continuation)
	assert.Equal(t, in.Size, decoded.Size)
	assert.Equal(t, in.UID, decoded.UID)
	assert.Equal(t, in.GID, decoded.GID)
	assert.Equal(t, in.Addresses, decoded.Addresses)
	assert.Equal(t, in.CTime.Unix(), decoded.CTime.Unix())
	assert.Equal(t, in.MTime.Unix(), decoded.MTime.Unix())
	assert.Equal(t, CapacityForBlockSize(512, InodeOverhead), decoded.Capacity())
}

func TestContinuationRoundTrip(t *testing.T) {
	c := BuildEmptyContinuation(512, ContRef(20))
	c = c.WithAddresses([]device.Address{100, 101})
	c = c.WithNext(ContRef(30))

	raw := EncodeContinuation(c, 512)
	assert.Len(t, raw, 512)

	decoded, err := decodeContinuation(raw, 512)
	require.NoError(t, err)
	assert.Equal(t, c.Self, decoded.Self)
	assert.Equal(t, c.Next, decoded.Next)
	assert.Equal(t, c.Addresses, decoded.Addresses)
	assert.Equal(t, CapacityForBlockSize(512, ContOverhead), decoded.Capacity())
}

func TestDecodeCarrierDispatches(t *testing.T) {
	in := BuildEmptyInode(512, InodeRef(1), NilInodeRef, 0, 0, time.Now())
	raw := EncodeInode(in, 512)
	carrier, err := DecodeCarrier(raw, 512)
	require.NoError(t, err)
	assert.Equal(t, CarrierKindInode, carrier.Kind())

	c := BuildEmptyContinuation(512, ContRef(2))
	raw2 := EncodeContinuation(c, 512)
	carrier2, err := DecodeCarrier(raw2, 512)
	require.NoError(t, err)
	assert.Equal(t, CarrierKindCont, carrier2.Kind())
}

func TestDecodeFailsOnZeroedMagic(t *testing.T) {
	in := BuildEmptyInode(512, InodeRef(1), NilInodeRef, 0, 0, time.Now())
	raw := EncodeInode(in, 512)
	// zero the second magic marker
	for i := 33; i < 41; i++ {
		raw[i] = 0
	}
	_, err := decodeInode(raw, 512)
	assert.ErrorIs(t, err, ErrDecodeFailInode)
}

func TestDecodeFailsOnCorruptPadding(t *testing.T) {
	c := BuildEmptyContinuation(512, ContRef(1))
	raw := EncodeContinuation(c, 512)
	// the padding region starts right after the capacity-sized address list
	padOff := 53 + CapacityForBlockSize(512, ContOverhead)*8
	raw[padOff+paddingLength-1] = 0x00
	_, err := decodeContinuation(raw, 512)
	assert.ErrorIs(t, err, ErrDecodeFailCont)
}

func TestContinuationCapacityExceedsInodeCapacity(t *testing.T) {
	assert.Greater(t,
		CapacityForBlockSize(4096, ContOverhead),
		CapacityForBlockSize(4096, InodeOverhead))
}
