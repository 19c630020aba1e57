package sdproto

import (
	"encoding/binary"

	"github.com/gosdmmc/sdspi/internal/crc7"
)

// Command indices used by this driver.
const (
	idxGoIdleState        = 0
	idxSendIfCond         = 8
	idxSendCSD            = 9
	idxStopTransmission   = 12
	idxReadSingleBlock    = 17
	idxReadMultipleBlock  = 18
	idxWriteBlock         = 24
	idxWriteMultipleBlock = 25
	idxAppCommandPrefix   = 55

	idxAppSDSendOpCond = 41
	idxAppReadOCR      = 58
)

// InterfaceCondition is the argument of CMD8 (SEND_IF_COND).
type InterfaceCondition struct {
	// PCIe1V2 advertises 1.2V PCIe availability support (bit 15).
	PCIe1V2 bool
	// PCIeAvailability advertises PCIe availability (bit 14).
	PCIeAvailability bool
	// VoltageSupplied must be true for this driver's canonical request.
	VoltageSupplied bool
	// CheckPattern is echoed verbatim by a compliant card.
	CheckPattern byte
}

// CanonicalInterfaceCondition is the condition this driver always sends:
// voltage-supplied set, check pattern 0xAA.
func CanonicalInterfaceCondition() InterfaceCondition {
	return InterfaceCondition{VoltageSupplied: true, CheckPattern: 0xAA}
}

func (c InterfaceCondition) arg() uint32 {
	var arg uint32

	if c.PCIe1V2 {
		arg |= 1 << 15
	}
	if c.PCIeAvailability {
		arg |= 1 << 14
	}
	if c.VoltageSupplied {
		arg |= 1 << 8
	}

	arg |= uint32(c.CheckPattern)
	return arg
}

// AppCommand enumerates the commands this driver sends through App:
// SDSendOpCond, which the initialization sequence precedes with CMD55, and
// ReadOCR, which it sends without a CMD55 prefix.
type AppCommand struct {
	index    uint32
	arg      uint32
	respSize int
}

// SDSendOpCond builds ACMD41, the SD initialization command. hcs advertises
// Host-Capacity-Support and is set only for v2+ probing.
func SDSendOpCond(hcs bool) AppCommand {
	var arg uint32
	if hcs {
		arg = 1 << 30
	}
	return AppCommand{index: idxAppSDSendOpCond, arg: arg, respSize: 0}
}

// ReadOCR builds command 58, which reads the Operating Conditions Register.
func ReadOCR() AppCommand {
	return AppCommand{index: idxAppReadOCR, arg: 0, respSize: 4}
}

// Command is a single SD command frame: an index, a 32-bit argument, and
// the number of trailing response bytes the caller expects (0, 1, or 4).
type Command struct {
	index    uint32
	arg      uint32
	respSize int
}

// GoIdleState builds CMD0, which resets the card to idle state.
func GoIdleState() Command {
	return Command{index: idxGoIdleState}
}

// SendIfCond builds CMD8, which probes interface voltage and echoes a
// check pattern on v2+ cards.
func SendIfCond(cond InterfaceCondition) Command {
	return Command{index: idxSendIfCond, arg: cond.arg(), respSize: 4}
}

// SendCSD builds CMD9, which reads the Card-Specific-Data register.
func SendCSD(rca uint32) Command {
	return Command{index: idxSendCSD, arg: rca}
}

// StopTransmission builds CMD12, which ends a multi-block transfer.
func StopTransmission() Command {
	return Command{index: idxStopTransmission}
}

// ReadSingleBlock builds CMD17.
func ReadSingleBlock(addr uint32) Command {
	return Command{index: idxReadSingleBlock, arg: addr}
}

// ReadMultipleBlock builds CMD18.
func ReadMultipleBlock(addr uint32) Command {
	return Command{index: idxReadMultipleBlock, arg: addr}
}

// WriteBlock builds CMD24.
func WriteBlock(addr uint32) Command {
	return Command{index: idxWriteBlock, arg: addr}
}

// WriteMultipleBlock builds CMD25.
func WriteMultipleBlock(addr uint32) Command {
	return Command{index: idxWriteMultipleBlock, arg: addr}
}

// AppCommandPrefix builds CMD55, which precedes SDSendOpCond.
func AppCommandPrefix(rca uint32) Command {
	return Command{index: idxAppCommandPrefix, arg: rca}
}

// App wraps an AppCommand as a Command that can be passed to the wire
// layer.
func App(cmd AppCommand) Command {
	return Command{index: cmd.index, arg: cmd.arg, respSize: cmd.respSize}
}

// Index returns the command index (bits 0..5 of the start byte).
func (c Command) Index() uint32 { return c.index }

// Arg returns the 32-bit command argument.
func (c Command) Arg() uint32 { return c.arg }

// RespSize returns the number of trailing response bytes this command
// declares (0, 1, or 4).
func (c Command) RespSize() int { return c.respSize }

// IsStopTransmission reports whether c is CMD12. The wire layer reads and
// discards one stuff byte before polling for R1 only for this command.
func (c Command) IsStopTransmission() bool { return c.index == idxStopTransmission }

// Encode returns the six-byte wire frame for cmd: start byte, four
// big-endian argument bytes, and a CRC-7 byte with the end bit set.
func (c Command) Encode() [6]byte {
	var frame [6]byte

	frame[0] = 0x40 | byte(c.index)
	binary.BigEndian.PutUint32(frame[1:5], c.arg)
	frame[5] = crc7.Compute(frame[:5])<<1 | 1

	return frame
}
