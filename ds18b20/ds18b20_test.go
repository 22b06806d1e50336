// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/picoperiph/onewirepio/owpio"
	"github.com/picoperiph/onewirepio/owpio/owpiotest"
)

// The sensor used throughout: family 0x28, ROM CRC 0x74.
var addr onewire.Address = 0x740000070e41ac28

// Recorded scratchpad: 30C at 10-bit resolution, trailing CRC 0x3f.
var scratchpad = []byte{0xe0, 0x01, 0x00, 0x00, 0x3f, 0xff, 0x10, 0x10, 0x3f}

// selectOps is the command stream of a reset plus match ROM for addr.
var selectOps = []string{
	"reset", "write8 0x55",
	"write16 0xac28", "write16 0xe41", "write16 0x7", "write16 0x7400",
}

// readScratchpadOps is the stream of a scratchpad read without the
// preceding device selection.
var readScratchpadOps = []string{"write8 0xbe", "read32", "read32", "read8"}

func catOps(groups ...[]string) []string {
	var ops []string
	for _, g := range groups {
		ops = append(ops, g...)
	}
	return ops
}

// newBus returns an offloaded bus master over the simulated state machine.
func newBus(t *testing.T, sm *owpiotest.StateMachine) *owpio.Dev {
	t.Helper()
	bus, err := owpio.New(&owpiotest.Line{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Offload(sm); err != nil {
		t.Fatal(err)
	}
	return bus
}

func TestNew_fail_resolution(t *testing.T) {
	bus := newBus(t, &owpiotest.StateMachine{})
	if d, err := New(bus, addr, 1); d != nil || err == nil {
		t.Fatal("invalid resolution")
	}
}

// TestSense tests a temperature conversion using the recorded scratchpad.
// New reads the scratchpad once, Sense reads it again.
func TestSense(t *testing.T) {
	recv := append(append([]byte(nil), scratchpad...), scratchpad...)
	sm := &owpiotest.StateMachine{Recv: recv}
	bus := newBus(t, sm)
	dev, err := New(bus, addr, 10)
	if err != nil {
		t.Fatal(err)
	}
	if s := dev.String(); s != "DS18B20{owpio{1wire(sim)}}" {
		t.Fatal(s)
	}
	var sleeps []time.Duration
	sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	defer func() { sleep = func(time.Duration) {} }()
	e := physic.Env{}
	if err := dev.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if expected := 30*physic.Celsius + physic.ZeroCelsius; e.Temperature != expected {
		t.Errorf("expected %s, got %s", expected.String(), e.Temperature.String())
	}
	// The only sleep is the settle before the queued wait-for-idle;
	// conversion completion is the state machine's problem.
	if !reflect.DeepEqual(sleeps, []time.Duration{100 * time.Microsecond}) {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
	want := catOps(
		selectOps, readScratchpadOps, // New
		selectOps, []string{"write8 0x44", "waitidle"}, // convert
		selectOps, readScratchpadOps, // read the result
	)
	if diff := cmp.Diff(want, sm.Ops); diff != "" {
		t.Errorf("command stream mismatch (-want +got):\n%s", diff)
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
}

// TestParseTemperature tests temperature parsing from scratchpad data for
// DS18S20 and DS18B20.
func TestParseTemperature(t *testing.T) {
	var testData = []struct {
		family       Family
		scratchpad   []byte
		expectedTemp float64
	}{
		{DS18B20, []byte{0xD0, 0x07, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 125},
		{DS18B20, []byte{0x50, 0x05, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 85},
		{DS18B20, []byte{0x91, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 25.0625},
		{DS18B20, []byte{0xA2, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 10.125},
		{DS18B20, []byte{0x08, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 0.5},
		{DS18B20, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, 0},
		{DS18B20, []byte{0xF8, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -0.5},
		{DS18B20, []byte{0x5E, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -10.125},
		{DS18B20, []byte{0x6F, 0xFE, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -25.0625},
		{DS18B20, []byte{0x90, 0xFC, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x10}, -55},

		{DS18S20, []byte{0xFA, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 125},
		{DS18S20, []byte{0xAA, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 85},
		{DS18S20, []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0B, 0x10}, 25.0625},
		{DS18S20, []byte{0x32, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 25},
		{DS18S20, []byte{0x14, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0A, 0x10}, 10.125},
		{DS18S20, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x04, 0x10}, 0.5},
		{DS18S20, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, 0},
		{DS18S20, []byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x04, 0x10}, -0.5},
		{DS18S20, []byte{0xEC, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0E, 0x10}, -10.125},
		{DS18S20, []byte{0xCE, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, -25},
		{DS18S20, []byte{0xCE, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0D, 0x10}, -25.0625},
		{DS18S20, []byte{0x92, 0xFF, 0x00, 0x00, 0x00, 0xFF, 0x0C, 0x10}, -55},
	}

	for _, entry := range testData {
		t.Run(fmt.Sprintf("%s>%f", entry.family, entry.expectedTemp), func(st *testing.T) {
			d := &Dev{addr: onewire.Address(0x740000070e41ac00 + int64(entry.family))}
			c := d.parseTemperature(entry.scratchpad)
			if c.Celsius() != entry.expectedTemp {
				st.Errorf("expected %f, got %f", entry.expectedTemp, c.Celsius())
			}
		})
	}
}

func TestConvertAll(t *testing.T) {
	sm := &owpiotest.StateMachine{}
	bus := newBus(t, sm)
	var sleeps []time.Duration
	sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	defer func() { sleep = func(time.Duration) {} }()
	if err := ConvertAll(bus); err != nil {
		t.Fatal(err)
	}
	want := []string{"reset", "write8 0xcc", "write8 0x44", "waitidle"}
	if diff := cmp.Diff(want, sm.Ops); diff != "" {
		t.Errorf("command stream mismatch (-want +got):\n%s", diff)
	}
	if !reflect.DeepEqual(sleeps, []time.Duration{100 * time.Microsecond}) {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
}

func TestReadROM(t *testing.T) {
	// LE bytes of addr: ROM as it comes off the bus, CRC last.
	sm := &owpiotest.StateMachine{Recv: []byte{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74}}
	bus := newBus(t, sm)
	got, err := ReadROM(bus)
	if err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Errorf("ReadROM = %#016x, want %#016x", uint64(got), uint64(addr))
	}
	want := []string{"reset", "write8 0x33", "read32", "read32"}
	if diff := cmp.Diff(want, sm.Ops); diff != "" {
		t.Errorf("command stream mismatch (-want +got):\n%s", diff)
	}
}

func TestReadROM_wrongFamily(t *testing.T) {
	// A CRC-valid ROM that is not a temperature sensor.
	sm := &owpiotest.StateMachine{Recv: []byte{0x01, 0x99, 0x00, 0x00, 0x00, 0x00, 0x00, 0x1a}}
	bus := newBus(t, sm)
	if _, err := ReadROM(bus); err == nil {
		t.Fatal("wrong family must be rejected")
	}
}

func TestReadScratchpad_noResponse(t *testing.T) {
	// An undriven line reads all ones.
	sm := &owpiotest.StateMachine{}
	bus := newBus(t, sm)
	if _, err := New(bus, addr, 10); err == nil || !strings.Contains(err.Error(), "did not respond") {
		t.Fatalf("got %v, want a no-response error", err)
	}
}

func TestReadScratchpad_badCRC(t *testing.T) {
	recv := append([]byte(nil), scratchpad...)
	recv[1] ^= 0x08
	sm := &owpiotest.StateMachine{Recv: recv}
	bus := newBus(t, sm)
	_, err := New(bus, addr, 10)
	if err == nil || !strings.Contains(err.Error(), "scratchpad CRC") {
		t.Fatalf("got %v, want a CRC error", err)
	}
	var be onewire.BusError
	if !errors.As(err, &be) || !be.BusError() {
		t.Errorf("error %v does not implement onewire.BusError", err)
	}
}

func TestFamilyString(t *testing.T) {
	if s := Family(0x28).String(); s != "DS18B20" {
		t.Fatal(s)
	}
	if s := Family(0x10).String(); s != "DS18S20" {
		t.Fatal(s)
	}
	if s := Family(0x99).String(); s != "unknown" {
		t.Fatal(s)
	}
}

func init() {
	sleep = func(time.Duration) {}
}
