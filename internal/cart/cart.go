package cart

// Cartridge defines the minimal interface the Bus needs for ROM/RAM banking.
// Implementations can be ROM-only or MBC variants. Addresses are CPU addresses.
type Cartridge interface {
	// Read returns a byte for ROM (0x0000–0x7FFF) and external RAM (0xA000–0xBFFF).
	Read(addr uint16) byte
	// Write handles MBC control writes (0x0000–0x7FFF) and external RAM writes (0xA000–0xBFFF).
	Write(addr uint16, value byte)
	// SaveState/LoadState serialize internal banking registers and external RAM for save states.
	SaveState() []byte
	LoadState(data []byte)
}

// BatteryBacked is an optional interface for cartridges with external RAM to be persisted.
// Implementations should return a copy of RAM bytes (may be empty if no RAM), and accept data to load.
type BatteryBacked interface {
	SaveRAM() []byte
	LoadRAM(data []byte)
}

// RTCBacked is an optional interface for cartridges exposing a real-time-clock
// register latch (MBC3). The MBC3 clock catches up from the host wall clock
// on access, and reads go through the documented latch protocol.
type RTCBacked interface {
	LatchClock()
	ReadRTC(reg byte) byte
	WriteRTC(reg byte, value byte)
}

// NewCartridge picks an implementation based on the ROM header's cart-type
// byte. Unrecognized mapper bytes still return a usable ROM-only fallback
// alongside an *UnsupportedMapperError; callers that must honor "the session
// does not start" (cmd/gbcore, internal/emu.Machine) check the error and stop
// instead of using the fallback.
func NewCartridge(rom []byte) (Cartridge, error) {
	h, err := ParseHeader(rom)
	if err != nil {
		return NewROMOnly(rom), nil
	}
	switch h.Family() {
	case MapperROMOnly:
		return NewROMOnly(rom), nil
	case MapperMBC1:
		return NewMBC1(rom, h.RAMSizeBytes), nil
	case MapperMBC3:
		return NewMBC3(rom, h.RAMSizeBytes), nil
	case MapperMBC5:
		return NewMBC5(rom, h.RAMSizeBytes), nil
	default: // MapperMBC2 and MapperUnknown both lack a banking implementation
		return NewROMOnly(rom), &UnsupportedMapperError{Code: h.CartType}
	}
}
