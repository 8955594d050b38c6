package apu

import "testing"

func TestAPU_TriggerBitReadsAsZero(t *testing.T) {
	a := New(48000)
	a.CPUWrite(0xFF12, 0xF0) // max volume, envelope up -> DAC on
	a.CPUWrite(0xFF14, 0x80) // trigger bit set
	if got := a.CPURead(0xFF14) & 0x80; got != 0 {
		t.Fatalf("NR14 trigger bit read back as %#02x, want 0", got)
	}
}

func TestAPU_DACOffDisablesChannel(t *testing.T) {
	a := New(48000)
	a.CPUWrite(0xFF12, 0x00) // vol=0, envelope down -> DAC off
	a.CPUWrite(0xFF14, 0x80) // trigger
	if a.ch1.enabled {
		t.Fatalf("channel 1 enabled after trigger with DAC off")
	}
}

func TestAPU_PowerOffClearsRegisters(t *testing.T) {
	a := New(48000)
	a.CPUWrite(0xFF11, 0xC0)
	a.CPUWrite(0xFF26, 0x00) // power off
	if got := a.CPURead(0xFF26) & 0x80; got != 0 {
		t.Fatalf("NR52 power bit still set after power off")
	}
	if a.CPURead(0xFF11) != 0x3F {
		t.Fatalf("NR11 did not reset on power-off: got %#02x", a.CPURead(0xFF11))
	}
}

func TestAPU_WaveRAMSurvivesPower(t *testing.T) {
	a := New(48000)
	a.CPUWrite(0xFF30, 0xAB)
	a.CPUWrite(0xFF26, 0x00) // power off
	if got := a.CPURead(0xFF30); got != 0xAB {
		t.Fatalf("wave RAM readback got %#02x want 0xAB", got)
	}
}

func TestAPU_TickProducesSilentTimedFrames(t *testing.T) {
	a := New(48000)
	cyclesPerFrame := cpuHz / 48000
	for i := 0; i < cyclesPerFrame*4; i++ {
		a.Tick(1)
	}
	if a.StereoAvailable() < 3 {
		t.Fatalf("expected buffered stereo frames, got %d", a.StereoAvailable())
	}
	frames := a.PullStereo(1)
	if len(frames) != 2 || frames[0] != 0 || frames[1] != 0 {
		t.Fatalf("expected a silent stereo frame, got %v", frames)
	}
}
