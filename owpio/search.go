// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpio

import (
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// presenceSamples is how many times the line is polled for a presence
// pulse after a reset before concluding the bus is empty.
const presenceSamples = 8

// Search performs a search cycle on the 1-wire bus and returns the
// addresses of all devices on the bus if alarmOnly is false, or of all
// devices in alarm state if alarmOnly is true.
//
// Search drives the line directly and is therefore only valid before
// Offload. An empty bus returns an empty result, not an error;
// ErrSearchROM is returned if devices stop answering mid-pass, and the
// partial results are discarded.
//
// The search walks a binary trie of ROM codes. Each pass resolves one
// leaf; the discrepancy bitmap remembers branch points where the zero
// branch is still unexplored, so the number of passes is the number of
// branch points plus one.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	if d.mode != modeSearch {
		return nil, ErrBadMode
	}
	cmd := SearchROM
	if alarmOnly {
		cmd = AlarmSearch
	}
	var devices []onewire.Address
	var current, discrepancy uint64
	for {
		present, err := d.resetPresence()
		if err != nil {
			return nil, err
		}
		if !present {
			// Nobody home. Valid, and the only answer the bus can give.
			return nil, nil
		}
		if err := d.writeByteDirect(cmd); err != nil {
			return nil, err
		}
		for bit := 0; bit < 64; bit++ {
			// Every participating device answers with its ROM bit, then
			// its complement. The line is wired-AND, so disagreeing
			// devices read as 0 in both phases.
			wo1, err := d.readBit()
			if err != nil {
				return nil, err
			}
			wo2, err := d.readBit()
			if err != nil {
				return nil, err
			}
			mask := uint64(1) << uint(bit)
			switch {
			case wo1 != wo2:
				// All remaining devices agree on this bit.
				if wo1 {
					current |= mask
				} else {
					current &^= mask
				}
				discrepancy &^= mask
				err = d.writeBit(wo1)
			case !wo1:
				// Collision. Follow the branch chosen on an earlier pass,
				// or record a new branch point and take the 1 side first.
				if discrepancy&mask == 0 {
					current |= mask
					discrepancy |= mask
				}
				err = d.writeBit(current&mask != 0)
			default:
				// Neither phase was driven: the devices that acked the
				// reset have gone silent.
				return nil, ErrSearchROM
			}
			if err != nil {
				return nil, err
			}
		}
		devices = append(devices, onewire.Address(current))
		// Retire the deepest branch point. If its 1 side was just
		// visited, flip to the 0 side for the next pass; if the 0 side
		// was just visited the branch is exhausted, drop it and keep
		// scanning upward.
		bit := 63
		for ; bit >= 0; bit-- {
			mask := uint64(1) << uint(bit)
			if discrepancy&mask == 0 {
				continue
			}
			if current&mask != 0 {
				current &^= mask
				break
			}
			discrepancy &^= mask
		}
		if bit < 0 {
			return devices, nil
		}
	}
}

// driveLow pulls the open-drain line low by switching the pin to output.
func (d *Dev) driveLow() error {
	return d.p.Out(gpio.Low)
}

// release lets the bus resistor pull the line back high.
func (d *Dev) release() error {
	return d.p.In(gpio.PullUp, gpio.NoEdge)
}

// resetPresence issues a reset pulse and reports whether any device
// answered with a presence pulse. The line is sampled up to
// presenceSamples times, then held released for the remainder of the
// settle window so slow devices finish their pulse before the next slot.
func (d *Dev) resetPresence() (bool, error) {
	if err := d.driveLow(); err != nil {
		return false, err
	}
	d.delay(d.opts.ResetLow)
	if err := d.release(); err != nil {
		return false, err
	}
	d.delay(d.opts.PresencePoll)
	found := false
	i := 0
	for ; i < presenceSamples; i++ {
		if d.p.Read() == gpio.Low {
			found = true
			break
		}
		d.delay(d.opts.PresencePoll)
	}
	d.delay(d.opts.PresenceWait - time.Duration(presenceSamples-i)*d.opts.PresencePoll)
	return found, nil
}

// writeBit emits one write slot: a short low pulse for a 1, a long one
// for a 0, each padded out to a full slot with its recovery time.
func (d *Dev) writeBit(b bool) error {
	low, rec := d.opts.Write0Low, d.opts.Write0Recovery
	if b {
		low, rec = d.opts.Write1Low, d.opts.Write1Recovery
	}
	if err := d.driveLow(); err != nil {
		return err
	}
	d.delay(low)
	if err := d.release(); err != nil {
		return err
	}
	d.delay(rec)
	return nil
}

// readBit emits one read slot: a short low pulse to start the slot, then
// a sample of whatever the addressed device is driving.
func (d *Dev) readBit() (bool, error) {
	if err := d.driveLow(); err != nil {
		return false, err
	}
	d.delay(d.opts.ReadLow)
	if err := d.release(); err != nil {
		return false, err
	}
	d.delay(d.opts.ReadSample)
	b := d.p.Read() == gpio.High
	d.delay(d.opts.ReadRecovery)
	return b, nil
}

// writeByteDirect writes one byte bit-banged, least significant bit first.
func (d *Dev) writeByteDirect(b byte) error {
	for m := byte(1); m != 0; m <<= 1 {
		if err := d.writeBit(b&m != 0); err != nil {
			return err
		}
	}
	return nil
}
