package cart

// romBankSize is a single ROM bank's size; ROMOnly carts are exactly two
// banks (32KB total, cart-type 0x00) and never bank-switch.
const romBankSize = 16 * 1024

// ROMOnly is the no-MBC cartridge: the full ROM is mapped flat at
// 0x0000-0x7FFF and there is no external RAM, so 0xA000-0xBFFF always reads
// as open bus. It's also the fallback NewCartridge hands back for a
// recognized-but-unimplemented or malformed header, so callers that ignore
// the accompanying error still get something that behaves like a cartridge.
type ROMOnly struct {
	rom []byte
}

func NewROMOnly(rom []byte) *ROMOnly {
	return &ROMOnly{rom: rom}
}

func (c *ROMOnly) Read(addr uint16) byte {
	if addr < 0x8000 {
		if int(addr) < len(c.rom) {
			return c.rom[addr]
		}
		return 0xFF
	}
	return 0xFF // 0xA000-0xBFFF and anything else: no external RAM
}

// Write is a no-op: there's no bank register to latch and no RAM to store into.
func (c *ROMOnly) Write(addr uint16, value byte) {}

func (c *ROMOnly) SaveState() []byte   { return nil }
func (c *ROMOnly) LoadState(data []byte) {}
