package ppu

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC timing, and the BG/window/sprite
// pixel pipeline. It exposes CPU-facing Read/Write for VRAM/OAM and PPU IO
// regs, and a 160x144 framebuffer of 2-bit shade indices consumed once per
// frame by internal/emu.Machine.
type PPU struct {
	// memory
	vram [0x2000]byte // 0x8000–0x9FFF
	oam  [0xA0]byte   // 0xFE00–0xFE9F

	// regs
	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot int // dots within current line [0..455]

	req InterruptRequester

	renderedLine int // last LY rendered into the framebuffer this frame; -1 if none yet
	windowLine   int // WLY: only increments on lines where the window was actually drawn
	winActive    bool

	framebuffer [144][160]byte
	frameReady  bool

	lineRegs [144]LineRegs
}

// LineRegs captures per-line rendering state useful for debugging and tests,
// snapshotted at the moment a scanline is composited.
type LineRegs struct {
	WinLine byte
}

// LineRegs returns the captured rendering state for scanline y (0..143).
func (p *PPU) LineRegs(y int) LineRegs {
	if y < 0 || y >= 144 {
		return LineRegs{}
	}
	return p.lineRegs[y]
}

func New(req InterruptRequester) *PPU { return &PPU{req: req, renderedLine: -1} }

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if p.VRAMBlocked() {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if p.OAMBlocked() {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		// On DMG, bit7 reads as 1; bit6..3 are enables; bit2 coincidence; bit1..0 mode
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

// VRAMBlocked reports whether the CPU cannot currently see VRAM (mode 3).
func (p *PPU) VRAMBlocked() bool { return (p.stat & 0x03) == 3 }

// OAMBlocked reports whether the CPU cannot currently see OAM (modes 2, 3).
func (p *PPU) OAMBlocked() bool { m := p.stat & 0x03; return m == 2 || m == 3 }

// PeekVRAM/PeekOAM bypass the PPU-exclusive access window; used by Bus when
// configured for BlockOff or BlockLastRead.
func (p *PPU) PeekVRAM(addr uint16) byte { return p.vram[addr-0x8000] }
func (p *PPU) PeekOAM(addr uint16) byte  { return p.oam[addr-0xFE00] }

// PokeVRAM/PokeOAM bypass the PPU-exclusive access window for writes.
func (p *PPU) PokeVRAM(addr uint16, v byte) { p.vram[addr-0x8000] = v }
func (p *PPU) PokeOAM(addr uint16, v byte)  { p.oam[addr-0xFE00] = v }

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if p.VRAMBlocked() {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if p.OAMBlocked() {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			// Turning LCD off resets LY/mode
			p.ly = 0
			p.dot = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			// Turning LCD on: start at LY=0, mode 2 (OAM)
			p.ly = 0
			p.dot = 0
			p.setMode(2)
			p.updateLYC()
			p.renderedLine = -1
			p.windowLine = 0
			p.winActive = false
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	}
}

// Tick advances PPU state by the given number of dots (CPU cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off
			continue
		}
		p.dot++
		// Mode scheduling
		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		p.setMode(mode)

		if mode == 3 && p.ly < 144 && p.renderedLine != int(p.ly) {
			p.renderScanline()
			p.renderedLine = int(p.ly)
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				// Enter VBlank
				p.frameReady = true
				p.renderedLine = -1
				p.windowLine = 0
				p.winActive = false
				if p.req != nil {
					p.req(0)
				} // VBlank IF
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				} // STAT VBlank
			} else if p.ly > 153 {
				p.ly = 0
			}
			p.updateLYC()
			// Set mode for new line start (dot=0)
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0: // HBlank
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2: // OAM
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// rawVRAM lets the standalone fetcher/scanline helpers read VRAM directly,
// bypassing the CPU-visibility gating (the renderer runs internally, not on
// behalf of the CPU).
type rawVRAM struct{ p *PPU }

func (r rawVRAM) Read(addr uint16) byte { return r.p.vram[addr-0x8000] }

func applyPalette(pal, idx byte) byte { return (pal >> (idx * 2)) & 0x03 }

type spriteEntry struct {
	y, x, tile, flags byte
	oamIndex          int
}

// scanOAM selects up to 10 sprites visible on scanline ly, ordered by X then
// OAM index (DMG priority: lower X wins; ties broken by lower OAM index).
func (p *PPU) scanOAM(ly byte) []spriteEntry {
	tall := (p.lcdc & 0x04) != 0
	height := byte(8)
	if tall {
		height = 16
	}
	var found []spriteEntry
	for i := 0; i < 40 && len(found) < 10; i++ {
		base := i * 4
		sy := p.oam[base]
		sx := p.oam[base+1]
		tile := p.oam[base+2]
		flags := p.oam[base+3]
		top := int(sy) - 16
		if int(ly) < top || int(ly) >= top+int(height) {
			continue
		}
		found = append(found, spriteEntry{y: sy, x: sx, tile: tile, flags: flags, oamIndex: i})
	}
	sort.SliceStable(found, func(a, b int) bool { return found[a].x < found[b].x })
	return found
}

// renderScanline composites BG, window, and sprites for the current LY into
// the framebuffer, following the DMG priority rules.
func (p *PPU) renderScanline() {
	ly := p.ly
	vr := rawVRAM{p}

	var bgIdx [160]byte
	if p.lcdc&0x01 != 0 {
		mapBase := uint16(0x9800)
		if p.lcdc&0x08 != 0 {
			mapBase = 0x9C00
		}
		tileData8000 := p.lcdc&0x10 != 0
		bgIdx = RenderBGScanlineUsingFetcher(vr, mapBase, tileData8000, p.scx, p.scy, ly)

		windowEnabled := p.lcdc&0x20 != 0
		if windowEnabled && p.wy <= ly && p.wx <= 166 {
			p.winActive = true
		}
		if p.winActive && windowEnabled {
			winMapBase := uint16(0x9800)
			if p.lcdc&0x40 != 0 {
				winMapBase = 0x9C00
			}
			wxStart := int(p.wx) - 7
			winLine := byte(p.windowLine)
			winRow := RenderWindowScanlineUsingFetcher(vr, winMapBase, tileData8000, wxStart, winLine)
			for x := wxStart; x < 160; x++ {
				if x < 0 {
					continue
				}
				bgIdx[x] = winRow[x]
			}
			p.lineRegs[ly].WinLine = winLine
			p.windowLine++
		}
	}

	var out [160]byte
	for x := 0; x < 160; x++ {
		out[x] = applyPalette(p.bgp, bgIdx[x])
	}

	if p.lcdc&0x02 != 0 {
		tall := (p.lcdc & 0x04) != 0
		var composed []Sprite
		for _, s := range p.scanOAM(ly) {
			composed = append(composed, expandSprite(s, tall)...)
		}
		spriteLayer := ComposeSpriteLine(vr, composed, ly, bgIdx, false)
		for x := 0; x < 160; x++ {
			if spriteLayer[x] == 0 {
				continue
			}
			ci := spriteLayer[x] & 0x03
			pal := p.obp0
			if spriteLayer[x]&0x04 != 0 {
				pal = p.obp1
			}
			out[x] = applyPalette(pal, ci)
		}
	}

	p.framebuffer[ly] = out
}

// FrameReady reports whether a complete frame has been composited since the
// last ConsumeFrame call.
func (p *PPU) FrameReady() bool { return p.frameReady }

// ConsumeFrame returns the current framebuffer (2-bit shade indices, row
// major, 144 rows of 160 pixels) and clears the ready flag.
func (p *PPU) ConsumeFrame() *[144][160]byte {
	p.frameReady = false
	return &p.framebuffer
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }
func (p *PPU) LY() byte   { return p.ly }

type ppuState struct {
	VRAM        [0x2000]byte
	OAM         [0xA0]byte
	LCDC, STAT  byte
	SCY, SCX    byte
	LY, LYC     byte
	BGP         byte
	OBP0, OBP1  byte
	WY, WX      byte
	Dot         int
	WindowLine  int
	WinActive   bool
	Framebuffer [144][160]byte
}

func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	s := ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		Dot: p.dot, WindowLine: p.windowLine, WinActive: p.winActive,
		Framebuffer: p.framebuffer,
	}
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	if len(data) == 0 {
		return
	}
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.dot, p.windowLine, p.winActive = s.Dot, s.WindowLine, s.WinActive
	p.framebuffer = s.Framebuffer
	p.renderedLine = -1
}
