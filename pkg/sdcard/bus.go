// Package sdcard is the public driver surface: Bus performs power-up and
// capacity negotiation, SD wraps a Bus plus the decoded CSD into a block
// device offering Read/Write by logical block address.
package sdcard

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/gosdmmc/sdspi/pkg/sdproto"
	"github.com/gosdmmc/sdspi/pkg/transport"
	"github.com/gosdmmc/sdspi/pkg/wire"
)

// BlockSize is the fixed block length this driver's public API reads and
// writes.
const BlockSize = 512

const (
	goIdleAttempts  = 32
	goIdleDelayMs   = 10
	opCondAttempts  = 100
	opCondDelayMs   = 10
	idleClockBytes  = 10 // 80 clocks, satisfies the >=74-cycle requirement
)

// Bus owns the wire endpoint and performs power-up/capacity negotiation.
// It is not internally concurrent: a caller must not invoke two operations
// against the same Bus concurrently.
type Bus struct {
	wire *wire.Endpoint
}

// New builds a Bus from the three always-available host capabilities.
func New(transfer transport.ByteTransfer, cs transport.ChipSelect, clock transport.Clock) *Bus {
	return &Bus{wire: wire.New(transfer, cs, clock)}
}

// Spi runs f against the Bus's underlying wire endpoint, an escape hatch
// for callers that need to reconfigure the transport (e.g. raise the
// clock rate after Init succeeds).
func (b *Bus) Spi(f func(*wire.Endpoint) error) error {
	return f(b.wire)
}

// Init brings the card from power-on to a known capacity class, per the
// SD SPI-mode handshake. The caller's transport must already be clocked
// within the 100-400kHz negotiation window.
func (b *Bus) Init(delay transport.Delay) (kind sdproto.CardKind, err error) {
	if err := b.powerUpClocks(); err != nil {
		return sdproto.CardKind{}, err
	}

	if err := b.wire.Select(); err != nil {
		return sdproto.CardKind{}, err
	}
	defer func() {
		err = errors.Join(err, b.release())
	}()

	if err := b.goIdle(delay); err != nil {
		return sdproto.CardKind{}, err
	}

	isV2, err := b.probeInterfaceCondition()
	if err != nil {
		return sdproto.CardKind{}, err
	}

	if err := b.sendOpCondLoop(isV2, delay); err != nil {
		return sdproto.CardKind{}, err
	}

	if !isV2 {
		kind := sdproto.StandardCapacity(1)
		log.Infof("[sdcard] init complete: %v", kind)
		return kind, nil
	}

	resp, err := b.wire.SendCommand(sdproto.App(sdproto.ReadOCR()))
	if err != nil {
		return sdproto.CardKind{}, err
	}

	kind = sdproto.StandardCapacity(2)
	if resp.R3().HighCapacity() {
		kind = sdproto.HighCapacity()
	}
	log.Infof("[sdcard] init complete: %v", kind)
	return kind, nil
}

// powerUpClocks supplies at least 74 idle clock cycles with chip-select
// inactive, the startup requirement before addressing the card.
func (b *Bus) powerUpClocks() error {
	idle := make([]byte, idleClockBytes)
	for i := range idle {
		idle[i] = 0xFF
	}
	return b.wire.Tx(idle)
}

// goIdle retries CMD0 until the card reports InIdleState, up to
// goIdleAttempts times.
func (b *Bus) goIdle(delay transport.Delay) error {
	for i := 0; i < goIdleAttempts; i++ {
		log.Debugf("[sdcard] GoIdleState attempt %d/%d", i+1, goIdleAttempts)
		resp, err := b.wire.SendCommand(sdproto.GoIdleState())
		switch {
		case err == nil && resp.R1.InIdleState():
			return nil
		case err == nil:
			// Responded but not idle yet; retry.
		case sdproto.IsRetryable(err):
			// NoResponse or Command(_): retryable per spec.
		default:
			return err
		}
		delay.DelayMs(goIdleDelayMs)
	}
	return sdproto.NewError(sdproto.KindNoResponse)
}

// probeInterfaceCondition sends CMD8 and reports whether the card is v2+.
func (b *Bus) probeInterfaceCondition() (bool, error) {
	resp, err := b.wire.SendCommand(sdproto.SendIfCond(sdproto.CanonicalInterfaceCondition()))
	if err != nil {
		return false, err
	}

	if resp.R1.IllegalCommand() {
		return false, nil
	}

	r7 := resp.R7()
	if !r7.VoltageAccepted() || r7.CheckPattern() != sdproto.CanonicalInterfaceCondition().CheckPattern {
		return false, sdproto.NewError(sdproto.KindGeneric)
	}
	return true, nil
}

// sendOpCondLoop runs ACMD41 until the card leaves idle state.
func (b *Bus) sendOpCondLoop(hcs bool, delay transport.Delay) error {
	for i := 0; i < opCondAttempts; i++ {
		log.Debugf("[sdcard] SDSendOpCond attempt %d/%d", i+1, opCondAttempts)
		if _, err := b.wire.SendCommand(sdproto.AppCommandPrefix(0)); err != nil {
			return err
		}
		resp, err := b.wire.SendCommand(sdproto.App(sdproto.SDSendOpCond(hcs)))
		if err != nil {
			return err
		}
		if !resp.R1.InIdleState() {
			return nil
		}
		delay.DelayMs(opCondDelayMs)
	}
	return sdproto.NewError(sdproto.KindGeneric)
}

// release deasserts chip-select and clocks one extra idle byte so the
// card releases the data line.
func (b *Bus) release() error {
	if err := b.wire.Deselect(); err != nil {
		return err
	}
	return b.wire.Tx([]byte{0xFF})
}
