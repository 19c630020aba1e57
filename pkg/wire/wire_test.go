package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gosdmmc/sdspi/pkg/sdproto"
	"github.com/gosdmmc/sdspi/pkg/transport/virtual"
)

func TestSendCommandFramesAndParsesR1(t *testing.T) {
	bus := virtual.New()
	bus.QueueRx(0x01) // InIdleState only
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	resp, err := e.SendCommand(sdproto.GoIdleState())
	assert.NoError(t, err)
	assert.True(t, resp.R1.InIdleState())

	tx := bus.Transmitted()
	assert.Equal(t, []byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x95}, tx[:6])
}

func TestSendCommandHonorsNcrWindow(t *testing.T) {
	bus := virtual.New()
	bus.QueueIdle(Ncr - 1)
	bus.QueueRx(0x00)
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	_, err := e.SendCommand(sdproto.GoIdleState())
	assert.NoError(t, err)
}

func TestSendCommandNoResponseAfterNcrCandidates(t *testing.T) {
	bus := virtual.New()
	bus.QueueIdle(Ncr)
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	_, err := e.SendCommand(sdproto.GoIdleState())
	assert.ErrorIs(t, err, sdproto.NewError(sdproto.KindNoResponse))
}

func TestSendCommandFatalR1Bit(t *testing.T) {
	bus := virtual.New()
	bus.QueueRx(byte(1 << 3)) // CommandCRCError
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	_, err := e.SendCommand(sdproto.SendIfCond(sdproto.CanonicalInterfaceCondition()))
	assert.ErrorIs(t, err, sdproto.NewError(sdproto.KindCommand))
}

func TestSendCommandReadsTrailingBytes(t *testing.T) {
	bus := virtual.New()
	bus.QueueRx(0x01, 0x00, 0x00, 0x01, 0xAA)
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	resp, err := e.SendCommand(sdproto.SendIfCond(sdproto.CanonicalInterfaceCondition()))
	assert.NoError(t, err)
	assert.True(t, resp.R7().VoltageAccepted())
	assert.Equal(t, byte(0xAA), resp.R7().CheckPattern())
}

func TestSendCommandStopTransmissionDiscardsStuffByte(t *testing.T) {
	bus := virtual.New()
	bus.QueueRx(0x42, 0x00) // stuff byte, then R1
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	_, err := e.SendCommand(sdproto.StopTransmission())
	assert.NoError(t, err)
}

func TestWaitTimesOutWhenBusyLineNeverReleases(t *testing.T) {
	bus := virtual.New()
	// The virtual bus advances its fake clock by 1ms per transferred byte;
	// queueing 200 non-idle (busy) bytes spans more than the 100ms
	// deadline, the way a real card holding the line busy the whole
	// window would.
	busy := make([]byte, 200)
	for i := range busy {
		busy[i] = 0x00
	}
	bus.QueueRx(busy...)
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	err := e.Wait(100 * time.Millisecond)
	assert.ErrorIs(t, err, sdproto.NewError(sdproto.KindTimeout))
}

func TestPollTokenDecodesStartBlock(t *testing.T) {
	bus := virtual.New()
	bus.QueueIdle(3)
	bus.QueueRx(sdproto.TokenStart)
	e := New(bus.Endpoint().Transfer, bus.Endpoint().Select, bus.Endpoint().Clock)

	tok, b, err := e.PollToken(100 * time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, sdproto.TokenStartBlock, tok)
	assert.Equal(t, sdproto.TokenStart, b)
}
