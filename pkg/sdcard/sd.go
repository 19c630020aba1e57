package sdcard

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gosdmmc/sdspi/pkg/sdproto"
)

const (
	readTokenDeadline = 100 * time.Millisecond
	stopBusyDeadline  = 100 * time.Millisecond
	writeProgramDelay = 250 * time.Millisecond
	multiStopDeadline = 250 * time.Millisecond
)

// Block is a single 512-byte unit exchanged with the card. The public
// Read/Write API iterates a finite, known-length sequence of these to
// avoid hidden allocation and allow zero-copy scatter-gather.
type Block = [BlockSize]byte

// SD wraps a Bus plus the card's discovered kind and Card-Specific-Data
// register into a block-device handle. It is constructed only after a
// successful Init; there is no uninitialized-handle state. It is not
// internally concurrent: a caller must not invoke two operations against
// the same SD concurrently.
type SD struct {
	bus  *Bus
	kind sdproto.CardKind
	csd  sdproto.CSD
}

// Init reads the card's CSD register and constructs the handle. kind must
// come from a prior successful Bus.Init.
func Init(bus *Bus, kind sdproto.CardKind) (*SD, error) {
	sd := &SD{bus: bus, kind: kind}

	csd, err := sd.readCSD()
	if err != nil {
		return nil, err
	}
	sd.csd = csd

	log.Debugf("[sdcard] ready: kind=%v blocks=%d block_size_shift=%d", kind, csd.NumBlocks(), csd.BlockSizeShift())
	return sd, nil
}

// Bus runs f against the underlying Bus, the escape hatch SD exposes
// alongside Bus.Spi for callers that need to drop to wire-level access
// (e.g. reconfiguring clock speed).
func (sd *SD) Bus(f func(*Bus) error) error {
	return f(sd.bus)
}

// NumBlocks returns the card's total block count.
func (sd *SD) NumBlocks() uint64 { return sd.csd.NumBlocks() }

// BlockSizeShift returns the shift such that 1<<BlockSizeShift is the
// card's native block size in bytes.
func (sd *SD) BlockSizeShift() uint { return sd.csd.BlockSizeShift() }

// address translates a logical block address into the value sent on the
// wire: verbatim for high-capacity cards, byte offset for standard
// capacity (legacy cards address in bytes). Standard-capacity cards top
// out at 2GB, below the 4GB (2^32 / 512 blocks) a 32-bit byte address
// reaches, so lba*512 never overflows a real
// card's addressable range even though the multiplication wraps silently
// for an out-of-range lba.
func (sd *SD) address(lba uint32) uint32 {
	if sd.kind.IsHighCapacity() {
		return lba
	}
	return lba * BlockSize
}

// clockIdle transmits n filler bytes, the timing breathing room the
// protocol requires before releasing and re-asserting chip-select.
func (sd *SD) clockIdle(n int) error {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xFF
	}
	return sd.bus.wire.Tx(buf)
}

// withSession runs f with chip-select asserted, guaranteeing deassertion
// plus a trailing release byte on every exit path (the scoped-acquisition
// "after" hook).
func (sd *SD) withSession(f func() error) error {
	if err := sd.clockIdle(5); err != nil {
		return err
	}
	if err := sd.bus.wire.Select(); err != nil {
		return err
	}

	opErr := f()
	releaseErr := sd.bus.release()
	return errors.Join(opErr, releaseErr)
}

// readCSD reads CMD9's 16-byte trailing block and decodes it.
func (sd *SD) readCSD() (sdproto.CSD, error) {
	var buf [16]byte

	err := sd.withSession(func() error {
		if _, err := sd.bus.wire.SendCommand(sdproto.SendCSD(0)); err != nil {
			return err
		}
		return sd.readDataBlock(buf[:])
	})
	if err != nil {
		return sdproto.CSD{}, err
	}

	return sdproto.DecodeCSD(buf)
}

// readDataBlock polls for the start token within readTokenDeadline (an
// unrecognized non-idle byte is not itself fatal — polling continues
// until a token is recognized or the deadline elapses), then clocks
// buf's length of payload plus two discarded CRC bytes.
func (sd *SD) readDataBlock(buf []byte) error {
	tok, b, err := sd.bus.wire.PollToken(readTokenDeadline)
	if err != nil {
		return err
	}

	if tok != sdproto.TokenStartBlock {
		return sdproto.NewTransferError(sdproto.DecodeTokenError(b))
	}

	if err := sd.bus.wire.Rx(buf); err != nil {
		return err
	}
	var crc [2]byte
	return sd.bus.wire.Rx(crc[:])
}

// Read fills each block in blocks starting at lba, using CMD17 for a
// single block or CMD18 plus CMD12 for more than one.
func (sd *SD) Read(lba uint32, blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	return sd.withSession(func() error {
		cmd := sdproto.ReadSingleBlock(sd.address(lba))
		if len(blocks) > 1 {
			cmd = sdproto.ReadMultipleBlock(sd.address(lba))
		}
		if _, err := sd.bus.wire.SendCommand(cmd); err != nil {
			return err
		}

		for _, block := range blocks {
			if err := sd.readDataBlock(block[:]); err != nil {
				return err
			}
		}

		if len(blocks) > 1 {
			if _, err := sd.bus.wire.SendCommand(sdproto.StopTransmission()); err != nil {
				return err
			}
			if err := sd.bus.wire.Wait(stopBusyDeadline); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeDataBlock emits the start token, payload, two zero CRC bytes, then
// parses the card's write-response byte.
func (sd *SD) writeDataBlock(token byte, block *Block) error {
	frame := make([]byte, 0, 1+BlockSize+2)
	frame = append(frame, token)
	frame = append(frame, block[:]...)
	frame = append(frame, 0, 0)

	if err := sd.bus.wire.Tx(frame); err != nil {
		return err
	}

	var respByte [1]byte
	if err := sd.bus.wire.Rx(respByte[:]); err != nil {
		return err
	}

	switch sdproto.DecodeWriteResponse(respByte[0]) {
	case sdproto.WriteResponseAccepted:
		// proceed
	case sdproto.WriteResponseCRCError, sdproto.WriteResponseWriteError:
		return sdproto.NewTransferError(sdproto.TokenErrorGeneric)
	default:
		return sdproto.NewError(sdproto.KindGeneric)
	}

	return sd.bus.wire.Wait(writeProgramDelay)
}

// Write writes each block in blocks starting at lba, using CMD24 for a
// single block or CMD25 plus a stop token for more than one.
func (sd *SD) Write(lba uint32, blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	return sd.withSession(func() error {
		cmd := sdproto.WriteBlock(sd.address(lba))
		token := sdproto.TokenStart
		if len(blocks) > 1 {
			cmd = sdproto.WriteMultipleBlock(sd.address(lba))
			token = sdproto.TokenStartWriteMultipleBlock
		}
		if _, err := sd.bus.wire.SendCommand(cmd); err != nil {
			return err
		}

		for _, block := range blocks {
			if err := sd.writeDataBlock(token, block); err != nil {
				return err
			}
		}

		if len(blocks) > 1 {
			if err := sd.bus.wire.Tx([]byte{sdproto.TokenStopWriteMultipleBlock, 0xFF}); err != nil {
				return err
			}
			if err := sd.bus.wire.Wait(multiStopDeadline); err != nil {
				return err
			}
		}
		return nil
	})
}
