package sdproto

// CardKind identifies the capacity class negotiated during initialization.
type CardKind struct {
	highCapacity bool
	version      int
}

// StandardCapacity builds a legacy SDSC card kind, tagged with the SD
// physical-layer spec version (1 or 2) negotiated via CMD8.
func StandardCapacity(version int) CardKind {
	return CardKind{highCapacity: false, version: version}
}

// HighCapacity builds an SDHC/SDXC card kind.
func HighCapacity() CardKind {
	return CardKind{highCapacity: true}
}

// IsHighCapacity reports whether the card is SDHC/SDXC.
func (k CardKind) IsHighCapacity() bool {
	return k.highCapacity
}

// Version returns the negotiated SD physical-layer spec version (1 or 2)
// for a standard-capacity card. It is meaningless for high-capacity cards.
func (k CardKind) Version() int {
	return k.version
}

// String implements fmt.Stringer.
func (k CardKind) String() string {
	if k.highCapacity {
		return "SDHC/SDXC"
	}
	if k.version == 1 {
		return "SDSC (v1)"
	}
	return "SDSC (v2)"
}
