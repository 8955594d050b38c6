package ppu

// tilesPerRow is the BG/window map's width and height in tiles.
const tilesPerRow = 32

// fetchRow drives the fetcher/FIFO pair across a span of the 160-pixel
// output row, starting from tileX/fineY in the given tilemap and refilling
// the FIFO with the next tile in the row each time it runs dry. Window
// rendering uses this loop; RenderBGScanlineUsingFetcher runs its own copy
// because it also discards the first tile's leading scx%8 pixels.
func fetchRow(mem VRAMReader, mapBase uint16, tileData8000 bool, tileX uint16, mapY uint16, fineY byte, out *[160]byte, from, to int) {
	var q fifo
	f := newBGFetcher(mem, &q)
	reload := func() {
		tileIndexAddr := mapBase + mapY*tilesPerRow + tileX
		f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
		f.Fetch()
	}
	reload()
	for x := from; x < to; x++ {
		if q.Len() == 0 {
			tileX = (tileX + 1) % tilesPerRow
			reload()
		}
		px, _ := q.Pop()
		if x >= 0 {
			out[x] = px
		}
	}
}

// RenderBGScanlineUsingFetcher renders 160 BG pixels for the given LY using
// the isolated fetcher.
// Inputs:
// - mem: VRAM reader
// - mapBase: 0x9800 or 0x9C00
// - tileData8000: true -> 0x8000 addressing; false -> 0x8800 signed addressing
// - scx, scy: scroll registers
// - ly: current scanline (0..143)
// Output: 160 color indices (0..3)
func RenderBGScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, scx, scy, ly byte) [160]byte {
	var out [160]byte

	bgY := uint16(ly) + uint16(scy)
	fineY := byte(bgY & 7)
	mapY := (bgY >> 3) & (tilesPerRow - 1)

	startX := uint16(scx)
	tileX := (startX >> 3) & (tilesPerRow - 1)
	fineX := int(startX & 7)

	// The first tile's leading scx%8 pixels are fetched then discarded so
	// the visible row starts mid-tile when scx isn't a multiple of 8.
	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(mapBase, tileData8000, mapBase+mapY*tilesPerRow+tileX, fineY)
	f.Fetch()
	for i := 0; i < fineX; i++ {
		_, _ = q.Pop()
	}
	for x := 0; x < 160; x++ {
		if q.Len() == 0 {
			tileX = (tileX + 1) % tilesPerRow
			f.Configure(mapBase, tileData8000, mapBase+mapY*tilesPerRow+tileX, fineY)
			f.Fetch()
		}
		px, _ := q.Pop()
		out[x] = px
	}
	return out
}

// RenderWindowScanlineUsingFetcher renders the window layer for a scanline
// using the fetcher. It fills pixels starting at wxStart (WX-7) using
// winLine as the vertical line within the window. Pixels before wxStart are
// left as 0 (BG color index 0) so callers can blend.
func RenderWindowScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, wxStart int, winLine byte) [160]byte {
	var out [160]byte
	if wxStart >= 160 {
		return out
	}
	if wxStart < 0 {
		wxStart = 0
	}
	mapY := (uint16(winLine) >> 3) & (tilesPerRow - 1)
	fineY := winLine & 7
	fetchRow(mem, mapBase, tileData8000, 0, mapY, fineY, &out, wxStart, 160)
	return out
}
