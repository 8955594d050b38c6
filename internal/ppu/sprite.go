package ppu

import "sort"

// Sprite is an already-resolved, screen-relative sprite row descriptor: X/Y
// are the sprite's top-left screen coordinates (OAM's stored Y-16/X-8 already
// applied), not raw OAM bytes. 8x16 sprites are represented by the caller as
// two 8-row Sprite halves (see expandSprite).
type Sprite struct {
	X, Y, Tile, Attr byte
	OAMIndex         int
}

// ComposeSpriteLine renders the sprite-only layer for scanline ly: for each
// of 160 columns it returns 0 if no sprite pixel is visible there, or the
// sprite's raw color index (1-3) packed with the OBP palette selector in bit
// 2, so pixel 0 unambiguously means "nothing drawn". DMG sprite priority
// applies: lower X wins ties, then lower OAM index; a sprite with the
// BG-over-OBJ attribute bit set yields to a nonzero bgci pixel.
//
// useCGB is accepted but ignored; there is no Game Boy Color rendering.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, useCGB bool) [160]byte {
	_ = useCGB

	ordered := make([]Sprite, len(sprites))
	copy(ordered, sprites)
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].X != ordered[b].X {
			return ordered[a].X < ordered[b].X
		}
		return ordered[a].OAMIndex < ordered[b].OAMIndex
	})

	const height = 8
	var out [160]byte
	// Draw lowest priority first so higher-priority sprites (lower X, then
	// lower OAM index) end up composited on top.
	for i := len(ordered) - 1; i >= 0; i-- {
		s := ordered[i]
		row := (int(ly) - int(s.Y)) & 0xFF
		if row >= height {
			continue
		}
		yFlip := s.Attr&0x40 != 0
		xFlip := s.Attr&0x20 != 0
		effRow := row
		if yFlip {
			effRow = height - 1 - row
		}
		base := 0x8000 + uint16(s.Tile)*16 + uint16(effRow)*2
		lo := mem.Read(base)
		hi := mem.Read(base + 1)
		palBit := byte(0)
		if s.Attr&0x10 != 0 {
			palBit = 1
		}
		bgPriority := s.Attr&0x80 != 0
		for col := 0; col < 8; col++ {
			screenX := (int(s.X) + col) & 0xFF
			if screenX >= 160 {
				continue
			}
			bit := col
			if !xFlip {
				bit = 7 - col
			}
			ci := ((hi>>uint(bit))&1)<<1 | ((lo >> uint(bit)) & 1)
			if ci == 0 {
				continue
			}
			if bgPriority && bgci[screenX] != 0 {
				continue
			}
			out[screenX] = ci | (palBit << 2)
		}
	}
	return out
}

// expandSprite resolves one OAM entry into one (8x8) or two (8x16) Sprite
// halves with Y-flip already accounted for in tile selection, so each half
// can be composed as a plain 8-row sprite.
func expandSprite(s spriteEntry, tall bool) []Sprite {
	x := byte(int(s.x) - 8)
	y := byte(int(s.y) - 16)
	if !tall {
		return []Sprite{{X: x, Y: y, Tile: s.tile, Attr: s.flags, OAMIndex: s.oamIndex}}
	}
	tile := s.tile &^ 0x01
	topTile, botTile := tile, tile+1
	if s.flags&0x40 != 0 { // Y-flip swaps which physical tile is on top
		topTile, botTile = tile+1, tile
	}
	top := Sprite{X: x, Y: y, Tile: topTile, Attr: s.flags, OAMIndex: s.oamIndex}
	bot := Sprite{X: x, Y: byte(int(y) + 8), Tile: botTile, Attr: s.flags, OAMIndex: s.oamIndex}
	return []Sprite{top, bot}
}
