package sdcard

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gosdmmc/sdspi/pkg/sdproto"
	"github.com/gosdmmc/sdspi/pkg/transport/virtual"
)

func newHighCapacitySD(t *testing.T, csd [16]byte) (*SD, *virtual.Bus) {
	t.Helper()
	vb := virtual.New()
	ep := vb.Endpoint()
	bus := New(ep.Transfer, ep.Select, ep.Clock)

	vb.QueueRx(0x00) // SendCSD R1
	vb.QueueRx(sdproto.TokenStart)
	vb.QueueRx(csd[:]...)
	vb.QueueRx(0x00, 0x00) // discarded CRC

	sd, err := Init(bus, sdproto.HighCapacity())
	assert.NoError(t, err)
	return sd, vb
}

// csdV2 builds a minimal version-2 CSD register encoding the given
// device size, for tests that only care about the top-two-bit version
// tag and the V2 device-size field.
func csdV2(deviceSize uint32) [16]byte {
	var buf [16]byte
	// Top two bits of byte 0 (bit 127/126) select version 1 (CSDVersion2).
	buf[0] = 0x40
	// Device size occupies bits [69:48]: byte 9 carries its low 8 bits,
	// byte 8 the next 8, and the low 6 bits of byte 7 the top 6 — buf[15]
	// is bit 0 of the 128-bit big-endian register.
	buf[9] = byte(deviceSize)
	buf[8] = byte(deviceSize >> 8)
	buf[7] = byte(deviceSize>>16) & 0x3F
	return buf
}

// TestSingleBlockRead exercises a single-block read: ReadSingleBlock is
// issued, the token wait skips a few idle bytes, and the payload plus its
// trailing CRC are clocked in correctly.
func TestSingleBlockRead(t *testing.T) {
	sd, vb := newHighCapacitySD(t, csdV2(7499))

	var payload [BlockSize]byte
	for i := range payload {
		payload[i] = 0xAB
	}
	vb.QueueRx(0x00) // ReadSingleBlock R1
	vb.QueueIdle(3)
	vb.QueueRx(sdproto.TokenStart)
	vb.QueueRx(payload[:]...)
	vb.QueueRx(0x00, 0x00) // discarded CRC

	var block Block
	err := sd.Read(42, []*Block{&block})
	assert.NoError(t, err)
	assert.Equal(t, payload, block)

	tx := vb.Transmitted()
	cmdFrame := sdproto.ReadSingleBlock(42).Encode()
	assert.True(t, bytes.Contains(tx, cmdFrame[:]))
}

// TestMultiBlockWriteStandardCapacity exercises a two-block write on a
// standard-capacity card: WriteMultipleBlock is issued with a byte-offset
// address, and each block's write-response byte is checked in turn.
func TestMultiBlockWriteStandardCapacity(t *testing.T) {
	vb := virtual.New()
	ep := vb.Endpoint()
	bus := New(ep.Transfer, ep.Select, ep.Clock)

	vb.QueueRx(0x00)
	vb.QueueRx(sdproto.TokenStart)
	var csd [16]byte
	csd[0] = 0x00 // version 1 tag, harmless zero CSD for this test
	vb.QueueRx(csd[:]...)
	vb.QueueRx(0x00, 0x00)

	sd, err := Init(bus, sdproto.StandardCapacity(2))
	assert.NoError(t, err)

	vb.QueueRx(0x00) // WriteMultipleBlock R1
	vb.QueueRx(0x05, 0xFF) // block 1 write-response: Accepted, then busy released
	vb.QueueRx(0x05, 0xFF) // block 2 write-response: Accepted, then busy released

	var blocks [2]Block
	refs := []*Block{&blocks[0], &blocks[1]}
	err = sd.Write(7, refs)
	assert.NoError(t, err)

	tx := vb.Transmitted()
	cmdFrame := sdproto.WriteMultipleBlock(7 * BlockSize).Encode()
	assert.True(t, bytes.Contains(tx, cmdFrame[:]))
}

// TestReadTimeout exercises a card that never asserts a non-idle byte
// during the data-phase token wait, so the read must time out rather than
// block forever.
func TestReadTimeout(t *testing.T) {
	sd, vb := newHighCapacitySD(t, csdV2(1))

	vb.QueueRx(0x00) // ReadSingleBlock R1
	// No token ever arrives: every polled byte stays 0xFF (virtual bus
	// default), so PollToken spins until its deadline.

	var block Block
	start := vb.Endpoint().Clock.Now()
	err := sd.Read(0, []*Block{&block})
	elapsed := vb.Endpoint().Clock.Now().Sub(start)

	assert.ErrorIs(t, err, sdproto.NewError(sdproto.KindTimeout))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

// TestCSDv2Capacity checks the CSDv2 capacity formula: device-size=7499
// yields (7499+1)*1024 = 7,680,000 blocks.
func TestCSDv2Capacity(t *testing.T) {
	sd, _ := newHighCapacitySD(t, csdV2(7499))
	assert.Equal(t, uint64(7_680_000), sd.NumBlocks())
	assert.Equal(t, uint(9), sd.BlockSizeShift())
}

func TestZeroLengthReadWriteIsNoop(t *testing.T) {
	sd, vb := newHighCapacitySD(t, csdV2(1))
	before := len(vb.Transmitted())

	assert.NoError(t, sd.Read(0, nil))
	assert.NoError(t, sd.Write(0, nil))
	assert.Equal(t, before, len(vb.Transmitted()))
}

func TestRoundTripWriteThenRead(t *testing.T) {
	sd, vb := newHighCapacitySD(t, csdV2(1))

	var written Block
	for i := range written {
		written[i] = byte(i)
	}

	vb.QueueRx(0x00) // WriteBlock R1
	vb.QueueRx(0x05) // write-response Accepted

	err := sd.Write(3, []*Block{&written})
	assert.NoError(t, err)

	vb.QueueRx(0x00) // ReadSingleBlock R1
	vb.QueueRx(sdproto.TokenStart)
	vb.QueueRx(written[:]...)
	vb.QueueRx(0x00, 0x00)

	var readBack Block
	err = sd.Read(3, []*Block{&readBack})
	assert.NoError(t, err)
	assert.Equal(t, written, readBack)
}
