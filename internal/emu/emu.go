package emu

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/retrodmg/gbcore/internal/bus"
	"github.com/retrodmg/gbcore/internal/cart"
	"github.com/retrodmg/gbcore/internal/cpu"
)

// Buttons is the coarse joypad input state that SetButtons hands to the Bus.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// mask packs Buttons into a plain "pressed" bitmask; Bus.SetJoypadState
// resolves it against JOYP's select lines itself.
func (b Buttons) mask() byte {
	var m byte
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	if b.Right {
		m |= bus.JoypRight
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	return m
}

// Machine orchestrates Bus/CPU/PPU by whole frames: StepFrame runs CPU.Step
// (which ticks Bus/PPU/Timer internally) until the PPU reports a completed
// frame, then resolves the PPU's 2-bit framebuffer to RGBA.
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	bootROM []byte
	romPath string
	header  *cart.Header

	rgba   []byte // 160*144*4, RGBA8888
	shades [4][4]byte

	buttons Buttons

	paused      bool
	breakpoints map[uint16]bool
}

// New creates a Machine with no cartridge loaded; LoadCartridge or
// LoadROMFromFile must be called before StepFrame does anything useful.
func New(cfg Config) *Machine {
	m := &Machine{
		cfg:         cfg,
		rgba:        make([]byte, 160*144*4),
		breakpoints: make(map[uint16]bool),
	}
	m.shades = [4][4]byte{
		{255, 255, 255, 255},
		{170, 170, 170, 255},
		{85, 85, 85, 255},
		{0, 0, 0, 255},
	}
	return m
}

// SetBootROM stages a DMG boot ROM image to be mapped at power-on by the
// next LoadCartridge/LoadROMFromFile call.
func (m *Machine) SetBootROM(data []byte) {
	if len(data) >= 0x100 {
		m.bootROM = append([]byte(nil), data[:0x100]...)
	} else {
		m.bootROM = nil
	}
}

// LoadCartridge powers on a fresh Bus/CPU pair for rom, overlaying boot (or
// the previously staged boot ROM via SetBootROM) if present. An unsupported
// mapper byte stops the session per spec.md §7: the returned error is always
// the one NewCartridge reports, even though it also hands back a usable
// ROM-only fallback a caller could choose to ignore.
func (m *Machine) LoadCartridge(rom, boot []byte) error {
	c, err := cart.NewCartridge(rom)
	if err != nil {
		return err
	}
	h, _ := cart.ParseHeader(rom)
	m.header = h

	b := bus.NewWithCartridge(c)
	if len(boot) >= 0x100 {
		b.SetBootROM(boot)
	} else if m.bootROM != nil {
		b.SetBootROM(m.bootROM)
	}
	m.bus = b
	m.cpu = cpu.New(b)
	if len(boot) >= 0x100 || m.bootROM != nil {
		m.cpu.SetPC(0x0000)
	} else {
		m.cpu.ResetNoBoot()
		m.cpu.SetPC(0x0100)
	}
	m.paused = false
	return nil
}

// LoadROMFromFile reads path and loads it via LoadCartridge, additionally
// recording the path so ROMPath/ROMTitle and save-state/battery file
// placement have somewhere to anchor.
func (m *Machine) LoadROMFromFile(path string) error {
	rom, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(rom, nil); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the path LoadROMFromFile last loaded, or "" if the current
// cartridge was loaded via LoadCartridge directly (e.g. from an in-memory
// ROM with no backing file).
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header title, or "" with no ROM loaded.
func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// LoadBattery restores external cartridge RAM from a prior SaveBattery dump.
// Reports false if the current cartridge has no battery-backed RAM.
func (m *Machine) LoadBattery(data []byte) bool {
	if m.bus == nil {
		return false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns a copy of external cartridge RAM. Reports false if the
// current cartridge has no battery-backed RAM.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.bus == nil {
		return nil, false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	return bb.SaveRAM(), true
}

// SetButtons latches the pressed-button state sampled by the joypad
// register on the next bus access.
func (m *Machine) SetButtons(b Buttons) {
	m.buttons = b
	if m.bus != nil {
		m.bus.SetJoypadState(b.mask())
	}
}

// SetSerialWriter routes bytes written through the serial port (SB/SC) to w,
// used by cmd/cpurunner and the Blargg test harness to observe pass/fail
// output without a physical link cable.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// SetUseFetcherBG is accepted for UI/CLI compatibility with the rendering
// toggle exposed in Config; the fetcher/FIFO scanline path is the only BG
// renderer wired into the PPU, so this only records the preference rather
// than switching between two code paths.
func (m *Machine) SetUseFetcherBG(v bool) { m.cfg.UseFetcherBG = v }

// SetPaused gates the automatic per-frame CPU drive inside StepFrame. It
// does not affect StepOne, which always executes exactly one instruction.
func (m *Machine) SetPaused(v bool) { m.paused = v }

// Paused reports the current debugger-pause state.
func (m *Machine) Paused() bool { return m.paused }

// SetBreakpoint arms or disarms a PC-match breakpoint. When StepFrame's
// drive loop reaches an armed address it pauses the Machine and returns
// with a partially rendered frame.
func (m *Machine) SetBreakpoint(addr uint16, enabled bool) {
	if enabled {
		m.breakpoints[addr] = true
	} else {
		delete(m.breakpoints, addr)
	}
}

// StepOne executes exactly one CPU instruction regardless of the paused
// flag, for single-instruction debugger stepping.
func (m *Machine) StepOne() {
	if m.cpu == nil {
		return
	}
	m.cpu.Step()
}

// StepFrame drives CPU.Step (which ticks Bus/PPU/Timer internally) until the
// PPU reports a completed frame, or until one frame's worth of T-cycles
// (70224) has run, which is what ends the loop while the LCD is off; then it
// resolves the framebuffer to RGBA. A no-op while paused or with no cartridge
// loaded. Stops early, leaving the Machine paused, if the CPU reaches an
// armed breakpoint mid-frame.
func (m *Machine) StepFrame() {
	if m.paused || m.cpu == nil {
		return
	}
	p := m.bus.PPU()
	for cycles := 0; cycles < 70224; {
		cycles += m.cpu.Step()
		if len(m.breakpoints) > 0 && m.breakpoints[m.cpu.PC] {
			m.paused = true
			break
		}
		if p.FrameReady() {
			break
		}
	}
	m.renderFrame()
}

// StepFrameNoRender drives one frame's worth of CPU/Bus/PPU execution (up to
// the next completed frame, or 70224 T-cycles while the LCD is off) without
// touching the RGBA output buffer, for headless throughput (the Blargg
// harness only cares about serial output).
func (m *Machine) StepFrameNoRender() {
	if m.paused || m.cpu == nil {
		return
	}
	p := m.bus.PPU()
	for cycles := 0; cycles < 70224; {
		cycles += m.cpu.Step()
		if len(m.breakpoints) > 0 && m.breakpoints[m.cpu.PC] {
			m.paused = true
			break
		}
		if p.FrameReady() {
			p.ConsumeFrame()
			break
		}
	}
}

// renderFrame resolves the PPU's completed 2-bit-index framebuffer into the
// RGBA output buffer through the current shade palette.
func (m *Machine) renderFrame() {
	fb := m.bus.PPU().ConsumeFrame()
	if fb == nil {
		return
	}
	i := 0
	for y := 0; y < 144; y++ {
		row := fb[y]
		for x := 0; x < 160; x++ {
			copy(m.rgba[i:i+4], m.shades[row[x]&0x03][:])
			i += 4
		}
	}
}

// Framebuffer returns the current RGBA8888 160x144 frame, suitable for
// ebiten.Image.WritePixels or PNG encoding.
func (m *Machine) Framebuffer() []byte { return m.rgba }

// ResetPostBoot reboots the currently loaded ROM straight into DMG
// post-boot register/PC state, skipping the boot ROM even if one is staged.
func (m *Machine) ResetPostBoot() {
	if m.bus == nil {
		return
	}
	m.bus.SetBootROM(nil)
	m.cpu = cpu.New(m.bus)
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	m.paused = false
}

// ResetWithBoot reboots the currently loaded ROM from address 0x0000,
// replaying the staged boot ROM if SetBootROM provided one.
func (m *Machine) ResetWithBoot() {
	if m.bus == nil {
		return
	}
	if m.bootROM != nil {
		m.bus.SetBootROM(m.bootROM)
	}
	m.cpu = cpu.New(m.bus)
	m.cpu.SetPC(0x0000)
	m.paused = false
}

// --- APU passthroughs for the ebiten audio pipeline (internal/ui) ---

// APUBufferedStereo returns the number of stereo frames currently buffered.
func (m *Machine) APUBufferedStereo() int {
	if m.bus == nil {
		return 0
	}
	return m.bus.APU().StereoAvailable()
}

// APUPullStereo pulls up to max buffered stereo frames, interleaved
// [L0,R0,L1,R1,...].
func (m *Machine) APUPullStereo(max int) []int16 {
	if m.bus == nil {
		return nil
	}
	return m.bus.APU().PullStereo(max)
}

// APUClearAudioLatency drops all buffered audio, used on pause/menu/ROM-load
// transitions so playback doesn't resume from stale samples.
func (m *Machine) APUClearAudioLatency() {
	if m.bus != nil {
		m.bus.APU().ClearBuffered()
	}
}

// APUCapBufferedStereo trims the buffer to at most max frames.
func (m *Machine) APUCapBufferedStereo(max int) {
	if m.bus != nil {
		m.bus.APU().CapBuffered(max)
	}
}

// --- Save states ---

type machineState struct {
	A, F             byte
	B, C, D, E, H, L byte
	SP, PC           uint16
	BusState         []byte
	RomPath          string
	HeaderTitle      string
}

// SaveState serializes CPU registers plus Bus (which in turn serializes
// PPU/Cart/APU state) via gob, the teacher's existing save-state mechanism.
func (m *Machine) SaveState() []byte {
	if m.bus == nil || m.cpu == nil {
		return nil
	}
	s := machineState{
		A: m.cpu.A, F: m.cpu.F,
		B: m.cpu.B, C: m.cpu.C, D: m.cpu.D, E: m.cpu.E, H: m.cpu.H, L: m.cpu.L,
		SP: m.cpu.SP, PC: m.cpu.PC,
		BusState: m.bus.SaveState(),
		RomPath:  m.romPath,
	}
	if m.header != nil {
		s.HeaderTitle = m.header.Title
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil
	}
	return buf.Bytes()
}

// LoadState restores a snapshot produced by SaveState into the currently
// loaded cartridge's Bus/CPU. The cartridge itself must already be loaded
// (save-state format stability across versions/ROMs is an explicit
// Non-goal).
func (m *Machine) LoadState(data []byte) error {
	if m.bus == nil || m.cpu == nil {
		return os.ErrInvalid
	}
	var s machineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	m.cpu.A, m.cpu.F = s.A, s.F
	m.cpu.B, m.cpu.C, m.cpu.D, m.cpu.E, m.cpu.H, m.cpu.L = s.B, s.C, s.D, s.E, s.H, s.L
	m.cpu.SP, m.cpu.PC = s.SP, s.PC
	m.bus.LoadState(s.BusState)
	return nil
}

// SaveStateToFile writes SaveState's output to path.
func (m *Machine) SaveStateToFile(path string) error {
	data := m.SaveState()
	if data == nil {
		return os.ErrInvalid
	}
	return os.WriteFile(path, data, 0644)
}

// LoadStateFromFile reads path and applies it via LoadState.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}
