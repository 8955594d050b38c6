package emu

import "testing"

// minimalROM builds a 32KB ROM-only cartridge image with just enough header
// to satisfy cart.ParseHeader (no checksum enforcement, so zero-filled body
// is fine).
func minimalROM() []byte {
	rom := make([]byte, 32*1024)
	copy(rom[0x0134:0x0144], []byte("TESTROM"))
	rom[0x0147] = 0x00 // ROM ONLY
	rom[0x0148] = 0x00 // 32KB
	rom[0x0149] = 0x00 // no RAM
	return rom
}

func TestMachineLoadCartridgeSkipsBoot(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(minimalROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if got := m.ROMTitle(); got != "TESTROM" {
		t.Fatalf("ROMTitle = %q, want TESTROM", got)
	}
}

func TestMachineStepFrameProducesFramebuffer(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(minimalROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.StepFrame()
	fb := m.Framebuffer()
	if len(fb) != 160*144*4 {
		t.Fatalf("framebuffer size = %d, want %d", len(fb), 160*144*4)
	}
}

func TestMachineSetButtonsMask(t *testing.T) {
	b := Buttons{A: true, Start: true, Up: true}
	got := b.mask()
	want := byte(1<<4 | 1<<7 | 1<<2) // bus.JoypA | bus.JoypStart | bus.JoypUp
	if got != want {
		t.Fatalf("mask() = %08b, want %08b", got, want)
	}
}

func TestMachineSaveLoadStateRoundTrip(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(minimalROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	for i := 0; i < 5; i++ {
		m.StepOne()
	}
	wantPC := m.cpu.PC

	data := m.SaveState()
	if data == nil {
		t.Fatal("SaveState returned nil")
	}

	for i := 0; i < 20; i++ {
		m.StepOne()
	}
	if m.cpu.PC == wantPC {
		t.Skip("PC happened to loop back; flaky under this ROM, not a real signal")
	}

	if err := m.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if m.cpu.PC != wantPC {
		t.Fatalf("PC after LoadState = %#04x, want %#04x", m.cpu.PC, wantPC)
	}
}

func TestMachineDebuggerBreakpoint(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(minimalROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.SetBreakpoint(0x0101, true)
	for i := 0; i < 200 && !m.Paused(); i++ {
		m.StepFrame()
	}
	if !m.Paused() {
		t.Fatal("expected Machine to pause at breakpoint")
	}
	if m.cpu.PC != 0x0101 {
		t.Fatalf("paused at PC = %#04x, want 0x0101", m.cpu.PC)
	}

	m.SetPaused(false)
	m.SetBreakpoint(0x0101, false)
	m.StepFrame()
	if m.Paused() {
		t.Fatal("unexpected pause after clearing breakpoint")
	}
}

func TestMachineAPUBufferPassthrough(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(minimalROM(), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.StepFrame()
	if avail := m.APUBufferedStereo(); avail < 0 {
		t.Fatalf("APUBufferedStereo = %d, want >= 0", avail)
	}
	m.APUCapBufferedStereo(10)
	m.APUClearAudioLatency()
	if avail := m.APUBufferedStereo(); avail != 0 {
		t.Fatalf("APUBufferedStereo after ClearAudioLatency = %d, want 0", avail)
	}
}
