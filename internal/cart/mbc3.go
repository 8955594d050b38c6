package cart

import (
	"bytes"
	"encoding/gob"
	"time"
)

// nowUnix is overridden in tests to control RTC advancement deterministically.
var nowUnix = func() int64 { return time.Now().Unix() }

// MBC3 implements ROM/RAM banking plus a wall-clock-driven RTC.
// Banking behavior:
// - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
// - 2000-3FFF: ROM bank low 7 bits (0 maps to 1)
// - 4000-5FFF: RAM bank (0-3) or RTC register select (08=sec, 09=min, 0A=hour, 0B=day-low, 0C=day-high/carry/halt)
// - 6000-7FFF: Latch clock: a 0x00 -> 0x01 write copies live RTC registers into the latched set
// - A000-BFFF: External RAM, or the latched RTC register selected above, when enabled
// ROM: bank 0 fixed at 0000-3FFF; switchable 4000-7FFF uses bank (1..127)
//
// Unlike a synthesized per-cycle clock, the RTC catches up lazily from the
// host wall clock on each access; there is no hard real-time guarantee, only
// a correct elapsed-time reconstruction (the Non-goal this spec carries).

type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	ramBank    byte // 0..3, or 0x08-0x0C to select an RTC register

	rtcSec, rtcMin, rtcHour byte
	rtcDay                  uint16 // 9-bit day counter
	rtcHalt, rtcCarry       bool
	lastRTCWallSec          int64

	latchedSec, latchedMin, latchedHour byte
	latchedDayLow, latchedDayHigh       byte
	latchPrev                           byte
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	m.lastRTCWallSec = nowUnix()
	return m
}

// updateRTC advances the live RTC registers by the wall-clock time elapsed
// since the last access, with carry propagation through minutes/hours/days.
func (m *MBC3) updateRTC() {
	if m.rtcHalt {
		m.lastRTCWallSec = nowUnix()
		return
	}
	elapsed := nowUnix() - m.lastRTCWallSec
	if elapsed <= 0 {
		return
	}
	m.lastRTCWallSec += elapsed

	total := int64(m.rtcSec) + int64(m.rtcMin)*60 + int64(m.rtcHour)*3600 + int64(m.rtcDay)*86400 + elapsed
	m.rtcSec = byte(total % 60)
	total /= 60
	m.rtcMin = byte(total % 60)
	total /= 60
	m.rtcHour = byte(total % 24)
	total /= 24
	if total > 0x1FF {
		m.rtcCarry = true
		total &= 0x1FF
	}
	m.rtcDay = uint16(total)
}

func (m *MBC3) dayHighReg() byte {
	var v byte
	if m.rtcDay&0x100 != 0 {
		v |= 0x01
	}
	if m.rtcHalt {
		v |= 0x40
	}
	if m.rtcCarry {
		v |= 0x80
	}
	return v
}

func (m *MBC3) Read(addr uint16) byte {
	m.updateRTC()
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		switch m.ramBank {
		case 0x08:
			return m.latchedSec
		case 0x09:
			return m.latchedMin
		case 0x0A:
			return m.latchedHour
		case 0x0B:
			return m.latchedDayLow
		case 0x0C:
			return m.latchedDayHigh
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		if value <= 0x03 || (value >= 0x08 && value <= 0x0C) {
			m.ramBank = value
		} else {
			m.ramBank = 0
		}
	case addr < 0x8000:
		if m.latchPrev == 0x00 && value == 0x01 {
			m.updateRTC()
			m.latchedSec, m.latchedMin, m.latchedHour = m.rtcSec, m.rtcMin, m.rtcHour
			m.latchedDayLow = byte(m.rtcDay & 0xFF)
			m.latchedDayHigh = m.dayHighReg()
			if value&0x40 != 0 {
				m.rtcHalt = true
			}
		}
		m.latchPrev = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		switch m.ramBank {
		case 0x08:
			m.rtcSec = value
			return
		case 0x09:
			m.rtcMin = value
			return
		case 0x0A:
			m.rtcHour = value
			return
		case 0x0B:
			m.rtcDay = (m.rtcDay & 0x100) | uint16(value)
			return
		case 0x0C:
			m.rtcDay = (m.rtcDay & 0xFF) | (uint16(value&0x01) << 8)
			m.rtcHalt = value&0x40 != 0
			m.rtcCarry = value&0x80 != 0
			return
		}
		if len(m.ram) == 0 {
			return
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// RTCBacked implementation, for direct tooling access outside the
// 0x6000-0x7FFF / register-select write protocol.
func (m *MBC3) LatchClock() {
	m.updateRTC()
	m.latchedSec, m.latchedMin, m.latchedHour = m.rtcSec, m.rtcMin, m.rtcHour
	m.latchedDayLow = byte(m.rtcDay & 0xFF)
	m.latchedDayHigh = m.dayHighReg()
}

func (m *MBC3) ReadRTC(reg byte) byte {
	switch reg {
	case 0x08:
		return m.latchedSec
	case 0x09:
		return m.latchedMin
	case 0x0A:
		return m.latchedHour
	case 0x0B:
		return m.latchedDayLow
	default:
		return m.latchedDayHigh
	}
}

func (m *MBC3) WriteRTC(reg byte, v byte) {
	m.Write(0x4000, reg)
	m.Write(0xA000, v)
}

type mbc3State struct {
	RAM                                  []byte
	RomBank, RamBank                     byte
	RtcSec, RtcMin, RtcHour              byte
	RtcDay                               uint16
	RtcHalt, RtcCarry                    bool
	LastRTCWallSec                       int64
	LatchedSec, LatchedMin, LatchedHour  byte
	LatchedDayLow, LatchedDayHigh        byte
	LatchPrev                            byte
}

func (m *MBC3) toState() mbc3State {
	return mbc3State{
		RAM: m.ram, RomBank: m.romBank, RamBank: m.ramBank,
		RtcSec: m.rtcSec, RtcMin: m.rtcMin, RtcHour: m.rtcHour, RtcDay: m.rtcDay,
		RtcHalt: m.rtcHalt, RtcCarry: m.rtcCarry, LastRTCWallSec: m.lastRTCWallSec,
		LatchedSec: m.latchedSec, LatchedMin: m.latchedMin, LatchedHour: m.latchedHour,
		LatchedDayLow: m.latchedDayLow, LatchedDayHigh: m.latchedDayHigh, LatchPrev: m.latchPrev,
	}
}

func (m *MBC3) fromState(s mbc3State) {
	if len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.romBank, m.ramBank = s.RomBank, s.RamBank
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.RtcSec, s.RtcMin, s.RtcHour, s.RtcDay
	m.rtcHalt, m.rtcCarry, m.lastRTCWallSec = s.RtcHalt, s.RtcCarry, s.LastRTCWallSec
	m.latchedSec, m.latchedMin, m.latchedHour = s.LatchedSec, s.LatchedMin, s.LatchedHour
	m.latchedDayLow, m.latchedDayHigh, m.latchPrev = s.LatchedDayLow, s.LatchedDayHigh, s.LatchPrev
}

// SaveRAM persists external RAM plus RTC state, since MBC3 cartridges battery-back both.
func (m *MBC3) SaveRAM() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.toState()); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(data) == 0 {
		return
	}
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	m.fromState(s)
}

func (m *MBC3) SaveState() []byte { return m.SaveRAM() }
func (m *MBC3) LoadState(data []byte) { m.LoadRAM(data) }
