// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owpiotest is meant to be used to test drivers over a simulated
// 1-wire bus without hardware.
//
// StateMachine stands in for the PIO timing state machine: it decodes the
// command words the driver pushes and plays back canned device data on
// read commands. Line stands in for the shared wire itself during a ROM
// search: it implements gpio.PinIO over a virtual clock and answers the
// search protocol for a configurable set of device ROMs.
package owpiotest

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// defaultDepth matches the hardware FIFO depth of four 32-bit words.
const defaultDepth = 4

// StateMachine simulates the PIO state machine behind the owpio FIFO
// calls. The zero value is usable: commands execute as soon as they are
// pushed and read commands answer all ones.
type StateMachine struct {
	// Depth is the FIFO depth in words. Zero means 4, like the hardware.
	Depth int
	// Recv is the byte stream devices answer with, consumed LSB first by
	// read commands. Past its end the line reads all ones, as it would
	// with nothing driving it.
	Recv []byte
	// Halted stops command execution so tests control FIFO levels; pushed
	// commands pile up in the command FIFO until Step is called.
	Halted bool
	// Cmds records every command word pushed, in order, decoded or not.
	Cmds []uint32
	// Ops records executed commands in decoded form, e.g. "reset",
	// "waitidle", "write8 0xcc", "read32".
	Ops []string

	tx  []uint32
	rx  []uint32
	bit int
}

func (s *StateMachine) depth() int {
	if s.Depth == 0 {
		return defaultDepth
	}
	return s.Depth
}

// TxFull implements owpio.StateMachine.
func (s *StateMachine) TxFull() bool {
	return len(s.tx) >= s.depth()
}

// TxLevel implements owpio.StateMachine.
func (s *StateMachine) TxLevel() int {
	return len(s.tx)
}

// RxLevel implements owpio.StateMachine.
func (s *StateMachine) RxLevel() int {
	return len(s.rx)
}

// Push implements owpio.StateMachine. Pushing into a full FIFO of a
// halted machine would block the driver forever, so it panics instead.
func (s *StateMachine) Push(w uint32) {
	if s.Halted && len(s.tx) >= s.depth() {
		panic("owpiotest: blocking push into a full command FIFO")
	}
	s.Cmds = append(s.Cmds, w)
	s.tx = append(s.tx, w)
	if !s.Halted {
		s.Step()
	}
}

// Pull implements owpio.StateMachine. A blocking pull lets the machine
// catch up on queued commands first; if no response can ever arrive it
// panics, mirroring the hang the driver contract warns about.
func (s *StateMachine) Pull() uint32 {
	if len(s.rx) == 0 {
		s.Step()
	}
	if len(s.rx) == 0 {
		panic("owpiotest: blocking pull from an empty response FIFO")
	}
	w := s.rx[0]
	s.rx = s.rx[1:]
	return w
}

// Step executes every queued command word, like the state machine
// catching up while the driver is busy elsewhere.
func (s *StateMachine) Step() {
	for len(s.tx) > 0 {
		w := s.tx[0]
		s.tx = s.tx[1:]
		bits := int(w>>2&0x1f) + 1
		switch w & 3 {
		case 0:
			s.Ops = append(s.Ops, "waitidle")
		case 1:
			s.Ops = append(s.Ops, fmt.Sprintf("read%d", bits))
			var v uint32
			for j := 0; j < bits; j++ {
				if s.nextBit() {
					v |= 1 << uint(j)
				}
			}
			// Responses come back left-justified; the first bit off the
			// bus ends up lowest in the justified field.
			s.rx = append(s.rx, v<<(32-uint(bits)))
		case 2:
			s.Ops = append(s.Ops, "reset")
		case 3:
			bits = int(w>>2&0xf) + 1
			s.Ops = append(s.Ops, fmt.Sprintf("write%d %#x", bits, w>>6))
		}
	}
}

func (s *StateMachine) nextBit() bool {
	i, o := s.bit/8, uint(s.bit%8)
	s.bit++
	if i >= len(s.Recv) {
		return true
	}
	return s.Recv[i]>>o&1 != 0
}

// Line protocol decoding states.
const (
	lineIdle = iota // waiting for a reset pulse
	lineCmd         // reset seen, assembling the command byte
	lineSearch      // running search slots
	lineMute        // command not understood, ignore until next reset
)

// Slot timing used to classify master pulses and model device drive.
const (
	resetThreshold = 480 * time.Microsecond // low at least this long is a reset
	oneThreshold   = 20 * time.Microsecond  // shorter lows are 1s or slot starts
	presenceDelay  = 25 * time.Microsecond  // reset release to presence pulse
	presenceLen    = 115 * time.Microsecond // presence pulse length
	slaveHold      = 15 * time.Microsecond  // how long a device drives a 0
)

// Line simulates the 1-wire line with a set of slave devices, far enough
// to run the ROM search protocol against it. It implements gpio.PinIO.
//
// The driver's Opts.Delay must be wired to the Delay method so the
// simulated clock advances with the driver's timing.
type Line struct {
	// Devices are the ROMs present on the bus.
	Devices []onewire.Address
	// Alarm is the subset of Devices currently in alarm state; only these
	// answer an alarm search pass.
	Alarm []onewire.Address
	// Resets counts reset pulses seen, which is also the number of search
	// passes started.
	Resets int

	clock   time.Duration
	driving bool
	fall    time.Duration

	state         int
	presenceFrom  time.Duration
	presenceUntil time.Duration
	cmd           byte
	cmdBits       int
	active        []onewire.Address
	phase         int // 0: bit read, 1: complement read, 2: steering write
	bitIdx        int
	advance       bool // advance phase at the next falling edge
}

// Delay advances the simulated clock. Install it as owpio.Opts.Delay.
func (l *Line) Delay(t time.Duration) {
	l.clock += t
}

func (l *Line) String() string { return l.Name() }

// Halt implements conn.Resource.
func (l *Line) Halt() error { return nil }

// Name implements pin.Pin.
func (l *Line) Name() string { return "1wire(sim)" }

// Number implements pin.Pin.
func (l *Line) Number() int { return 0 }

// Function implements pin.Pin.
func (l *Line) Function() string { return "1W" }

// In implements gpio.PinIn. Switching to input releases the line.
func (l *Line) In(pull gpio.Pull, edge gpio.Edge) error {
	if l.driving {
		l.driving = false
		l.pulse(l.clock - l.fall)
	}
	return nil
}

// Read implements gpio.PinIn. It evaluates what the bus would carry at
// the current simulated instant: the master's own drive, a presence
// pulse, or the wired-AND of every active device's search response.
func (l *Line) Read() gpio.Level {
	if l.driving {
		return gpio.Low
	}
	if l.presenceUntil != 0 && l.clock >= l.presenceFrom && l.clock < l.presenceUntil {
		return gpio.Low
	}
	if l.state == lineSearch && l.phase < 2 && l.bitIdx < 64 && l.clock-l.fall < slaveHold {
		for _, a := range l.active {
			bit := a>>uint(l.bitIdx)&1 != 0
			if l.phase == 1 {
				bit = !bit
			}
			if !bit {
				return gpio.Low
			}
		}
	}
	return gpio.High
}

// WaitForEdge implements gpio.PinIn.
func (l *Line) WaitForEdge(timeout time.Duration) bool { return false }

// Pull implements gpio.PinIn.
func (l *Line) Pull() gpio.Pull { return gpio.PullUp }

// DefaultPull implements gpio.PinIn.
func (l *Line) DefaultPull() gpio.Pull { return gpio.PullUp }

// Out implements gpio.PinOut. Driving low starts a slot or reset pulse.
func (l *Line) Out(level gpio.Level) error {
	if level == gpio.High {
		return l.In(gpio.PullUp, gpio.NoEdge)
	}
	if !l.driving {
		if l.state == lineSearch && l.advance {
			l.advance = false
			l.phase++
		}
		l.driving = true
		l.fall = l.clock
	}
	return nil
}

// PWM implements gpio.PinOut.
func (l *Line) PWM(duty gpio.Duty, f physic.Frequency) error {
	return fmt.Errorf("owpiotest: pwm is not supported")
}

// pulse classifies a finished low pulse of duration d.
func (l *Line) pulse(d time.Duration) {
	if d >= resetThreshold {
		l.reset()
		return
	}
	switch l.state {
	case lineCmd:
		if d < oneThreshold {
			l.cmd |= 1 << uint(l.cmdBits)
		}
		l.cmdBits++
		if l.cmdBits == 8 {
			l.dispatch()
		}
	case lineSearch:
		if l.bitIdx >= 64 {
			return
		}
		switch l.phase {
		case 0, 1:
			// Slot start pulse for a device-driven read; the sample
			// happens through Read before the next slot begins.
			l.advance = true
		case 2:
			// The master steers: devices whose ROM bit disagrees drop
			// out until the next reset.
			bit := d < oneThreshold
			kept := l.active[:0]
			for _, a := range l.active {
				if romBit := a>>uint(l.bitIdx)&1 != 0; romBit == bit {
					kept = append(kept, a)
				}
			}
			l.active = kept
			l.phase = 0
			l.bitIdx++
		}
	}
}

func (l *Line) reset() {
	l.Resets++
	l.state = lineCmd
	l.cmd = 0
	l.cmdBits = 0
	l.advance = false
	l.presenceFrom = 0
	l.presenceUntil = 0
	if len(l.Devices) > 0 {
		l.presenceFrom = l.clock + presenceDelay
		l.presenceUntil = l.clock + presenceDelay + presenceLen
	}
}

func (l *Line) dispatch() {
	var roster []onewire.Address
	switch l.cmd {
	case 0xf0:
		roster = l.Devices
	case 0xec:
		roster = l.Alarm
	default:
		l.state = lineMute
		return
	}
	l.active = append(l.active[:0:0], roster...)
	l.state = lineSearch
	l.phase = 0
	l.bitIdx = 0
	l.advance = false
}

var _ gpio.PinIO = &Line{}
