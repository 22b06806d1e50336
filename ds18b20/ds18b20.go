// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 reads Dallas Semi / Maxim DS18x20 temperature sensors
// over an owpio 1-wire bus master.
//
// The sensors are addressed with the ROMs collected by a Search run before
// the bus was offloaded. Conversion completion is detected by queuing a
// wait-for-idle behind the convert command: the sensor holds the line low
// while it converts, so every later command, and therefore the scratchpad
// read that follows, stalls until the conversion is done.
package ds18b20

import (
	"encoding/binary"
	"errors"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/picoperiph/onewirepio/owpio"
)

// Family code of the specific device type
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const DS18B20 Family = 0x28
const DS18S20 Family = 0x10

// Function commands from the DS18B20 datasheet.
const (
	cmdConvert        byte = 0x44
	cmdWriteScratch   byte = 0x4e
	cmdCopyScratch    byte = 0x48
	cmdReadScratchpad byte = 0xbe
)

// ReadROM returns the address of the only device on the bus using the
// read ROM shortcut, which skips the search entirely. With more than one
// device on the bus the responses collide and the CRC check fails.
//
// An error is also returned if the device is not a DS18x20.
func ReadROM(o *owpio.Dev) (onewire.Address, error) {
	if err := o.Reset(true); err != nil {
		return 0, err
	}
	if err := o.Write8(owpio.ReadROM, true); err != nil {
		return 0, err
	}
	var rom [8]byte
	if err := o.ReadBytes(rom[:]); err != nil {
		return 0, err
	}
	if f := Family(rom[0]); f != DS18B20 && f != DS18S20 {
		return 0, errors.New("ds18b20: not a DS18x20 family device")
	}
	return onewire.Address(binary.LittleEndian.Uint64(rom[:])), nil
}

// ConvertAll starts a conversion on every DS18x20 on the bus at once and
// queues a wait for it to finish. The call itself does not block; the next
// transaction pushed behind it does, until the slowest device is done.
func ConvertAll(o *owpio.Dev) error {
	if err := StartAll(o); err != nil {
		return err
	}
	// Give the devices a moment to pull the line low before the state
	// machine samples it for idleness.
	sleep(100 * time.Microsecond)
	return o.WaitForIdle(true)
}

// StartAll starts a conversion on every DS18x20 on the bus without waiting
// for completion. Conversion timing must be handled by other means.
func StartAll(o *owpio.Dev) error {
	if err := o.Reset(true); err != nil {
		return err
	}
	if err := o.Write8(owpio.SkipROM, true); err != nil {
		return err
	}
	return o.Write8(cmdConvert, true)
}

// New returns an object that communicates over 1-wire to the DS18x20
// sensor with the specified 64-bit address.
//
// resolutionBits must be in the range 9..12 and determines how many bits
// of precision the readings have. The resolution affects the conversion
// time: 9bits:94ms, 10bits:188ms, 11bits:375ms, 12bits:750ms.
func New(o *owpio.Dev, addr onewire.Address, resolutionBits int) (*Dev, error) {
	if resolutionBits < 9 || resolutionBits > 12 {
		return nil, errors.New("ds18b20: invalid resolutionBits")
	}

	d := &Dev{bus: o, addr: addr, resolution: resolutionBits}

	// Start by reading the scratchpad memory, this will tell us whether we
	// can talk to the device correctly and also how it's configured.
	spad, err := d.readScratchpad()
	if err != nil {
		return nil, err
	}

	// Change the resolution, if necessary (datasheet p.6).
	if int(spad[4]>>5) != resolutionBits-9 {
		if err := d.selectDev(); err != nil {
			return nil, err
		}
		if err := d.bus.Write8(cmdWriteScratch, true); err != nil {
			return nil, err
		}
		// Alarm thresholds are unused, the config register is what counts.
		for _, b := range []byte{0, 0, byte((resolutionBits-9)<<5) | 0x1f} {
			if err := d.bus.Write8(b, true); err != nil {
				return nil, err
			}
		}
		// Copy the scratchpad to EEPROM to save the values.
		if err := d.selectDev(); err != nil {
			return nil, err
		}
		if err := d.bus.Write8(cmdCopyScratch, true); err != nil {
			return nil, err
		}
		// Wait for the write to complete.
		sleep(10 * time.Millisecond)
	}

	return d, nil
}

// Dev is a handle to a Dallas Semi / Maxim DS18x20 temperature sensor on
// a 1-wire bus.
type Dev struct {
	bus        *owpio.Dev      // the offloaded bus master
	addr       onewire.Address // 64-bit ROM of this sensor
	resolution int             // resolution in bits (9..12)
}

func (d *Dev) Family() Family {
	return Family(d.addr & 0xff)
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.bus.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Sense implements physic.SenseEnv. It triggers a conversion on this
// sensor only and blocks until the result can be read back.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.selectDev(); err != nil {
		return err
	}
	if err := d.bus.Write8(cmdConvert, true); err != nil {
		return err
	}
	sleep(100 * time.Microsecond)
	if err := d.bus.WaitForIdle(true); err != nil {
		return err
	}
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds18b20: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

// LastTemp reads the temperature resulting from the last conversion from
// the device. It is useful in combination with ConvertAll.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}

	c := d.parseTemperature(spad)

	// The device powers up with a value of 85°C, so if we read that odds
	// are very high that either no conversion was performed or that the
	// conversion failed due to lack of power. This prevents reading a temp
	// of exactly 85°C, but that seems like the right tradeoff.
	if c == 85*physic.Celsius {
		return 0, busError("ds18b20: has not performed a temperature conversion")
	}

	return c, nil
}

// parseTemperature from scratchpad and handle special calculation for
// DS18S20.
func (d *Dev) parseTemperature(spad []byte) physic.Temperature {
	// spad[1] is MSB and spad[0] is LSB of the raw temperature value
	rawTemp := int16(spad[1])<<8 | int16(spad[0])

	if d.Family() == DS18S20 && spad[7] != 0 {
		// For higher resolution some additional calculation is required:
		// TEMPERATURE = TEMP_READ - 0,25 + (COUNT_PER_C-COUNT_REMAIN)/COUNT_PER_C
		//  TEMP_READ = spad[1] (MSB) and spad[0] (LSB), truncated last bit
		//  COUNT_PER_C = spad[7]
		//  COUNT_REMAIN = spad[6]
		mask := 0xFFFE
		rawTemp = ((rawTemp & int16(mask)) << 3) + 12 - int16(spad[6])
	}
	// rawTemp has 4 fractional bits. Sign extend, multiply by Kelvin,
	// divide by 16 due to the 4 fractional bits. Datasheet p.4.
	v := physic.Temperature(rawTemp)
	return v*physic.Kelvin/16 + physic.ZeroCelsius
}

// selectDev resets the bus and addresses this sensor with a match ROM,
// written as four 16-bit chunks, least significant first.
func (d *Dev) selectDev() error {
	if err := d.bus.Reset(true); err != nil {
		return err
	}
	if err := d.bus.Write8(owpio.MatchROM, true); err != nil {
		return err
	}
	for i := 0; i < 64; i += 16 {
		if err := d.bus.Write16(uint16(d.addr>>uint(i)), true); err != nil {
			return err
		}
	}
	return nil
}

// readScratchpad reads the 9 bytes of scratchpad, whose last byte is the
// CRC of the first 8. It returns the 8 bytes of scratchpad data.
func (d *Dev) readScratchpad() ([]byte, error) {
	if err := d.selectDev(); err != nil {
		return nil, err
	}
	if err := d.bus.Write8(cmdReadScratchpad, true); err != nil {
		return nil, err
	}
	var spad [9]byte
	if err := d.bus.ReadBytes(spad[:]); err != nil {
		if errors.Is(err, owpio.ErrCRC) {
			for _, s := range spad {
				if s != 0xff {
					return nil, busError("ds18b20: incorrect scratchpad CRC")
				}
			}
			// All ones is what an undriven line reads as.
			return nil, busError("ds18b20: device did not respond")
		}
		return nil, err
	}
	return spad[:8], nil
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
