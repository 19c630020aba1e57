// Package wire is the lowest driver layer: it owns the chip-select line,
// the byte-exchange primitive, and a monotonic clock, and offers a typed
// SendCommand that frames a six-byte command packet and parses the
// response header. The protocol layers above this package exchange bytes
// with the card only through it.
package wire

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gosdmmc/sdspi/pkg/sdproto"
	"github.com/gosdmmc/sdspi/pkg/transport"
)

// Ncr is the maximum number of candidate bytes polled while waiting for a
// command's R1 response, per spec (0-8 for SD, 1-8 for MMC, capped at 9 to
// cover both).
const Ncr = 9

// Endpoint wraps the three always-available host capabilities into the
// wire layer's view of the bus, the thin client that owns framing and
// leaves backend selection to the caller.
type Endpoint struct {
	transfer transport.ByteTransfer
	cs       transport.ChipSelect
	clock    transport.Clock
}

// New builds an Endpoint from the three always-available host
// capabilities.
func New(transfer transport.ByteTransfer, cs transport.ChipSelect, clock transport.Clock) *Endpoint {
	return &Endpoint{transfer: transfer, cs: cs, clock: clock}
}

// Select asserts chip-select (active low).
func (e *Endpoint) Select() error {
	if err := e.cs.SetLow(); err != nil {
		return sdproto.NewBusError(err)
	}
	return nil
}

// Deselect deasserts chip-select.
func (e *Endpoint) Deselect() error {
	if err := e.cs.SetHigh(); err != nil {
		return sdproto.NewBusError(err)
	}
	return nil
}

// Tx pushes bytes onto the wire; the receive buffer is discarded.
func (e *Endpoint) Tx(b []byte) error {
	if err := e.transfer.Transfer(b, nil); err != nil {
		return sdproto.NewBusError(err)
	}
	return nil
}

// Rx clocks in len(buf) bytes while transmitting idle 0xFF filler.
func (e *Endpoint) Rx(buf []byte) error {
	if err := e.transfer.Transfer(nil, buf); err != nil {
		return sdproto.NewBusError(err)
	}
	return nil
}

// Wait clocks single bytes until a 0xFF idle byte is observed or timeout
// elapses.
func (e *Endpoint) Wait(timeout time.Duration) error {
	deadline := e.clock.Now().Add(timeout)
	var b [1]byte
	for {
		if err := e.Rx(b[:]); err != nil {
			return err
		}
		if b[0] == 0xFF {
			return nil
		}
		if !e.clock.Now().Before(deadline) {
			return sdproto.NewError(sdproto.KindTimeout)
		}
	}
}

// PollToken clocks single bytes until a recognized data-phase token or
// error descriptor appears, ignoring both the 0xFF idle filler and any
// unrecognized non-idle byte, all within one shared deadline.
func (e *Endpoint) PollToken(timeout time.Duration) (sdproto.Token, byte, error) {
	deadline := e.clock.Now().Add(timeout)
	var b [1]byte
	for {
		if err := e.Rx(b[:]); err != nil {
			return 0, 0, err
		}
		if tok := sdproto.DecodeToken(b[0]); tok != sdproto.TokenNotToken && tok != sdproto.TokenIdle {
			return tok, b[0], nil
		}
		if !e.clock.Now().Before(deadline) {
			return 0, 0, sdproto.NewError(sdproto.KindTimeout)
		}
	}
}

// SendCommand frames cmd onto the wire, polls for R1 within the Ncr
// window, checks the fatal status bits, and reads any declared trailing
// response bytes.
func (e *Endpoint) SendCommand(cmd sdproto.Command) (sdproto.Response, error) {
	frame := cmd.Encode()
	log.Debugf("[TX] CMD%d arg=%#x frame=% X", cmd.Index(), cmd.Arg(), frame)

	if err := e.Tx(frame[:]); err != nil {
		return sdproto.Response{}, err
	}

	if cmd.IsStopTransmission() {
		var stuff [1]byte
		if err := e.Rx(stuff[:]); err != nil {
			return sdproto.Response{}, err
		}
	}

	r1, err := e.pollR1()
	if err != nil {
		return sdproto.Response{}, err
	}
	log.Debugf("[RX] R1=%#x", byte(r1))

	if r1Err := r1.Error(); r1Err != sdproto.R1ErrorNone {
		log.Warnf("[RX] CMD%d fatal status: %s", cmd.Index(), r1Err)
		return sdproto.Response{}, sdproto.NewCommandError(r1Err)
	}

	trailing := cmd.RespSize()
	if trailing == 0 {
		return sdproto.Response{R1: r1}, nil
	}

	buf := make([]byte, trailing)
	if err := e.Rx(buf); err != nil {
		return sdproto.Response{}, err
	}

	var ext uint32
	for _, b := range buf {
		ext = ext<<8 | uint32(b)
	}
	return sdproto.Response{R1: r1, Ext: ext}, nil
}

// pollR1 consumes up to Ncr candidate bytes looking for a valid R1 (bit 7
// clear).
func (e *Endpoint) pollR1() (sdproto.R1, error) {
	var b [1]byte
	for i := 0; i < Ncr; i++ {
		if err := e.Rx(b[:]); err != nil {
			return 0, err
		}
		if sdproto.Valid(b[0]) {
			return sdproto.R1(b[0]), nil
		}
	}
	return 0, sdproto.NewError(sdproto.KindNoResponse)
}
