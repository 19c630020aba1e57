package sdproto

// CSDVersion identifies the Card-Specific-Data register layout, selected by
// the top two bits of the 128-bit register.
type CSDVersion int

const (
	CSDVersion1 CSDVersion = iota
	CSDVersion2
	CSDVersion3
)

// NumBlocks is the (device-size, multiplier) pair used by CSDVersion1 to
// derive a block count; CSDVersion2/3 fold the multiplier into a fixed
// 1024 factor and carry a Multiplier of 9.
type NumBlocks struct {
	DeviceSize uint64
	Multiplier uint64
}

// BlockCount converts the pair to a 64-bit block count using the CSDv1
// formula (device_size + 1) * 2^(multiplier + 1); callers for v2/v3 pass
// Multiplier such that the exponent yields the fixed *1024 factor (see
// newNumBlocksV2).
func (n NumBlocks) BlockCount() uint64 {
	return (n.DeviceSize + 1) << (n.Multiplier + 1)
}

// newNumBlocksV2 encodes the v2/v3 formula, block_count = (device_size+1)*1024,
// as the same shift-based BlockCount so both versions share one code path.
func newNumBlocksV2(deviceSize uint64) NumBlocks {
	// 1024 == 2^10, and BlockCount shifts by (multiplier+1), so
	// multiplier 9 yields a left shift of 10.
	return NumBlocks{DeviceSize: deviceSize, Multiplier: 9}
}

// CSD is the decoded Card-Specific-Data register.
type CSD struct {
	Version        CSDVersion
	numBlocks      NumBlocks
	blockSizeShift uint
}

// NumBlocks returns the card's block count.
func (c CSD) NumBlocks() uint64 {
	return c.numBlocks.BlockCount()
}

// BlockSizeShift returns the shift such that 1<<BlockSizeShift is the
// native read block size in bytes (always 9, i.e. 512, for v2/v3; CSDv1
// reports it directly from READ_BL_LEN).
func (c CSD) BlockSizeShift() uint {
	return c.blockSizeShift
}

// bitsAt extracts the inclusive bit range [lo, hi] of buf, interpreted as a
// 128-bit big-endian integer (bit 0 is the LSB of buf[15]), and returns it
// right-aligned.
func bitsAt(buf [16]byte, hi, lo int) uint64 {
	var val uint64

	for pos := lo; pos <= hi; pos++ {
		byteIndex := 15 - pos/8
		bitIndex := uint(pos % 8)
		bit := (buf[byteIndex] >> bitIndex) & 1
		val |= uint64(bit) << uint(pos-lo)
	}

	return val
}

// DecodeCSD interprets buf as a 128-bit big-endian CSD register and
// dispatches on the top two bits to the version-specific decoder.
func DecodeCSD(buf [16]byte) (CSD, error) {
	switch ver := bitsAt(buf, 127, 126); ver {
	case 0:
		return decodeCSDv1(buf), nil
	case 1:
		return decodeCSDv2(buf), nil
	case 2:
		// Best-effort: the published SD spec defines versions 1 and 2
		// only, v3 (SDUC) framing is vendor-specific.
		return decodeCSDv3(buf), nil
	default:
		return CSD{}, NewError(KindGeneric)
	}
}

func decodeCSDv1(buf [16]byte) CSD {
	deviceSize := bitsAt(buf, 73, 62)
	multiplier := bitsAt(buf, 49, 47)
	readBlLen := bitsAt(buf, 83, 80)

	return CSD{
		Version:        CSDVersion1,
		numBlocks:      NumBlocks{DeviceSize: deviceSize, Multiplier: multiplier},
		blockSizeShift: uint(readBlLen),
	}
}

func decodeCSDv2(buf [16]byte) CSD {
	deviceSize := bitsAt(buf, 69, 48)

	return CSD{
		Version:        CSDVersion2,
		numBlocks:      newNumBlocksV2(deviceSize),
		blockSizeShift: 9,
	}
}

func decodeCSDv3(buf [16]byte) CSD {
	deviceSize := bitsAt(buf, 75, 48)

	return CSD{
		Version:        CSDVersion3,
		numBlocks:      newNumBlocksV2(deviceSize),
		blockSizeShift: 9,
	}
}
