package sdproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeToken(t *testing.T) {
	assert.Equal(t, TokenStartBlock, DecodeToken(0xFE))
	assert.Equal(t, TokenStartMultiWrite, DecodeToken(0xFC))
	assert.Equal(t, TokenStopMultiWrite, DecodeToken(0xFD))
	assert.Equal(t, TokenIdle, DecodeToken(0xFF))
}

func TestDecodeTokenError(t *testing.T) {
	assert.Equal(t, TokenErrorGeneric, DecodeTokenError(0x01))
	assert.Equal(t, TokenErrorCC, DecodeTokenError(0x02))
	assert.Equal(t, TokenErrorCardECC, DecodeTokenError(0x04))
	assert.Equal(t, TokenErrorOutOfRange, DecodeTokenError(0x08))
	assert.Equal(t, TokenErrorCardLocked, DecodeTokenError(0x10))
}

func TestDecodeWriteResponse(t *testing.T) {
	assert.Equal(t, WriteResponseAccepted, DecodeWriteResponse(0b00000101))
	assert.Equal(t, WriteResponseCRCError, DecodeWriteResponse(0b00001011))
	assert.Equal(t, WriteResponseWriteError, DecodeWriteResponse(0b00001101))
	assert.Equal(t, WriteResponseInvalid, DecodeWriteResponse(0x00))
}

func TestR1ErrorLowestBit(t *testing.T) {
	// bit3 CRC, bit4 erase sequence, bit5 address, bit6 parameter.
	assert.Equal(t, R1ErrorCommandCRC, R1(1<<3).Error())
	assert.Equal(t, R1ErrorEraseSequence, R1(1<<4).Error())
	assert.Equal(t, R1ErrorAddress, R1(1<<5).Error())
	assert.Equal(t, R1ErrorParameter, R1(1<<6).Error())
	// multi-bit: lowest set bit wins.
	assert.Equal(t, R1ErrorCommandCRC, R1(1<<3|1<<6).Error())
	assert.Equal(t, R1ErrorNone, R1(0).Error())
}
