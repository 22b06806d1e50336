// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owpio is a 1-wire bus master that offloads bit timing to a
// programmable-I/O state machine, such as a PIO block on the RP2040.
//
// The driver has two mutually exclusive modes. It starts out with direct
// control of the line, which is the only mode in which Search may run: the
// search ROM protocol needs CPU-steered single bit slots that the state
// machine program does not provide. Offload then hands the line to the
// state machine for good; from there on every transaction is a 32-bit
// command word pushed into the machine's command FIFO, and reads come back
// through its response FIFO. The transition is one way because the state
// machine owns the pin once its program is running.
package owpio

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"

	"github.com/picoperiph/onewirepio/common"
)

// ROM commands every 1-wire device family understands. They are written
// with ordinary Write8 calls; the bus master does not interpret them.
const (
	ReadROM     byte = 0x33 // read the ROM of the only device on the bus
	MatchROM    byte = 0x55 // select one device by its 64-bit ROM
	SkipROM     byte = 0xcc // address all devices at once
	SearchROM   byte = 0xf0 // begin a search pass
	AlarmSearch byte = 0xec // search pass restricted to alarming devices
)

// FIFODepth is the depth, in 32-bit words, of both state machine FIFOs.
const FIFODepth = 4

// StateMachine is the handle to the programmable-I/O state machine running
// the 1-wire timing program. Push and Pull block until there is room or
// data; the level methods exist so non-blocking callers can check first.
//
// The machine consumes command words and fills response words on its own
// schedule, arbitrarily far behind or ahead of the driver.
type StateMachine interface {
	// TxFull reports whether the command FIFO is full.
	TxFull() bool
	// TxLevel returns the number of occupied command FIFO slots.
	TxLevel() int
	// RxLevel returns the number of occupied response FIFO slots.
	RxLevel() int
	// Push appends a command word, blocking while the FIFO is full.
	Push(w uint32)
	// Pull removes the oldest response word, blocking while the FIFO is
	// empty.
	Pull() uint32
}

// Command word layout consumed by the state machine program: the low two
// bits select the operation, bits 2..6 hold a bit count minus one, and
// write data sits left-justified against bit 6.
const (
	opWaitIdle uint32 = 0x0 // stall until the line reads high
	opRead     uint32 = 0x1 // clock in count bits, autopush the response
	opReset    uint32 = 0x2 // reset pulse, then wait for the line to idle
	opWrite    uint32 = 0x3 // clock out count bits of data
)

func encRead(bits int) uint32 {
	return uint32(bits-1)<<2 | opRead
}

func encWrite(value uint32, bits int) uint32 {
	return value<<6 | uint32(bits-1)<<2 | opWrite
}

type mode uint8

const (
	modeSearch   mode = iota // driver bit-bangs the line directly
	modeOffload              // state machine owns the line
)

// Opts holds the line timing used while the driver still controls the pin
// directly. All values are within the standard-speed tolerance windows.
// The zero value of any field selects the matching DefaultOpts value.
type Opts struct {
	ResetLow       time.Duration // reset pulse low time
	PresencePoll   time.Duration // interval between presence samples
	PresenceWait   time.Duration // total settle time after a reset pulse
	Write0Low      time.Duration // write zero low time
	Write0Recovery time.Duration // recovery after a write zero
	Write1Low      time.Duration // write one low time
	Write1Recovery time.Duration // recovery after a write one
	ReadLow        time.Duration // read slot start pulse
	ReadSample     time.Duration // release-to-sample delay
	ReadRecovery   time.Duration // hold after the sample

	// Delay, when non-nil, replaces the busy-wait used between line edges.
	// Tests install a simulated clock here.
	Delay func(time.Duration)
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       500 * time.Microsecond,
	PresencePoll:   30 * time.Microsecond,
	PresenceWait:   500 * time.Microsecond,
	Write0Low:      60 * time.Microsecond,
	Write0Recovery: 5 * time.Microsecond,
	Write1Low:      5 * time.Microsecond,
	Write1Recovery: 60 * time.Microsecond,
	ReadLow:        4 * time.Microsecond,
	ReadSample:     8 * time.Microsecond,
	ReadRecovery:   53 * time.Microsecond,
}

func (o *Opts) withDefaults() Opts {
	r := *o
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&r.ResetLow, DefaultOpts.ResetLow)
	def(&r.PresencePoll, DefaultOpts.PresencePoll)
	def(&r.PresenceWait, DefaultOpts.PresenceWait)
	def(&r.Write0Low, DefaultOpts.Write0Low)
	def(&r.Write0Recovery, DefaultOpts.Write0Recovery)
	def(&r.Write1Low, DefaultOpts.Write1Low)
	def(&r.Write1Recovery, DefaultOpts.Write1Recovery)
	def(&r.ReadLow, DefaultOpts.ReadLow)
	def(&r.ReadSample, DefaultOpts.ReadSample)
	def(&r.ReadRecovery, DefaultOpts.ReadRecovery)
	return r
}

// New returns a bus master for the 1-wire line on pin p.
//
// The returned device is in search mode: it controls the pin directly and
// only Search is usable. Call Offload to hand the line to the state
// machine and enable the FIFO transaction calls.
func New(p gpio.PinIO, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, errors.New("owpio: pin is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{p: p, opts: opts.withDefaults()}
	d.delay = d.opts.Delay
	if d.delay == nil {
		d.delay = busyWait
	}
	// The line idles released, pulled high by the bus resistor.
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to the 1-wire bus master. It implements onewire.Bus once
// Offload has run.
//
// Dev never touches the pin again after Offload: all line activity goes
// through the state machine FIFOs.
type Dev struct {
	sync.Mutex                     // lock for the bus while a transaction is in progress
	p          gpio.PinIO          // the shared open-drain line
	sm         StateMachine        // nil until Offload
	mode       mode                // one-way modeSearch -> modeOffload
	opts       Opts                // line timing for search mode
	delay      func(time.Duration) // injected delay, busyWait by default
}

func (d *Dev) String() string {
	return "owpio{" + d.p.Name() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Offload hands the line over to the state machine sm and switches the
// driver to FIFO-based transactions. It must be called exactly once, after
// any Search calls: the transition cannot be reversed because the state
// machine program owns the pin from here on.
func (d *Dev) Offload(sm StateMachine) error {
	d.Lock()
	defer d.Unlock()
	if d.mode != modeSearch {
		return ErrBadMode
	}
	if sm == nil {
		return errors.New("owpio: state machine is required")
	}
	// Leave the pin released for the state machine to take over.
	if err := d.p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return err
	}
	d.sm = sm
	d.mode = modeOffload
	return nil
}

// Reset queues a bus reset followed by a wait for the line to idle. With
// wait false it fails with ErrTxFIFOFull instead of blocking on a full
// command FIFO.
func (d *Dev) Reset(wait bool) error {
	d.Lock()
	defer d.Unlock()
	return d.push(opReset, wait)
}

// WaitForIdle queues a command that stalls the state machine until the
// line reads high again. Devices hold the line low during long operations
// such as a temperature conversion; queuing this after the triggering
// command delays every later command until the device is done.
func (d *Dev) WaitForIdle(wait bool) error {
	d.Lock()
	defer d.Unlock()
	return d.push(opWaitIdle, wait)
}

// Write8 queues a write of one byte to the bus.
func (d *Dev) Write8(v byte, wait bool) error {
	d.Lock()
	defer d.Unlock()
	return d.push(encWrite(uint32(v), 8), wait)
}

// Write16 queues a write of a 16-bit value to the bus, least significant
// bit first like every 1-wire transfer.
func (d *Dev) Write16(v uint16, wait bool) error {
	d.Lock()
	defer d.Unlock()
	return d.push(encWrite(uint32(v), 16), wait)
}

// PushReadCmd queues a read of bits bits, 1 to 32. The response word lands
// in the response FIFO and must be collected with PullReadData.
func (d *Dev) PushReadCmd(bits int) error {
	d.Lock()
	defer d.Unlock()
	return d.pushRead(bits)
}

// PullReadData returns the response to an earlier PushReadCmd,
// right-justified to the requested number of bits. It blocks until a
// response word is available, so a call without a matching PushReadCmd
// hangs; pairing them correctly, after Offload, is the caller's contract.
func (d *Dev) PullReadData(bits int) uint32 {
	d.Lock()
	defer d.Unlock()
	return d.sm.Pull() >> (32 - uint(bits))
}

// Read8 reads one byte from the bus. No CRC check is performed.
func (d *Dev) Read8(wait bool) (byte, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkTx(wait); err != nil {
		return 0, err
	}
	if err := d.pushRead(8); err != nil {
		return 0, err
	}
	return byte(d.sm.Pull() >> 24), nil
}

// Read16 reads a 16-bit value from the bus. No CRC check is performed.
func (d *Dev) Read16(wait bool) (uint16, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkTx(wait); err != nil {
		return 0, err
	}
	if err := d.pushRead(16); err != nil {
		return 0, err
	}
	return uint16(d.sm.Pull() >> 16), nil
}

// Read32 reads a 32-bit value from the bus. No CRC check is performed.
func (d *Dev) Read32(wait bool) (uint32, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.checkTx(wait); err != nil {
		return 0, err
	}
	if err := d.pushRead(32); err != nil {
		return 0, err
	}
	return d.sm.Pull(), nil
}

// PushReadBytesCmd queues the read commands needed to fetch n bytes,
// batching them into as few words as possible: full 32-bit reads followed
// by one sized remainder. n is capped at 16 so the responses cannot
// overflow the four-word response FIFO even before any are drained. With
// wait false the whole batch must fit in the free command slots up front,
// otherwise ErrTxFIFOFull is returned and nothing is pushed.
func (d *Dev) PushReadBytesCmd(n int, wait bool) error {
	d.Lock()
	defer d.Unlock()
	return d.pushReadBytes(n, wait)
}

// PullReadBytes collects the responses queued by a PushReadBytesCmd for
// len(p) bytes and reassembles them into p. The last byte must be the
// device's CRC over the block; ErrCRC is returned on mismatch. With wait
// false it fails with ErrRxFIFOEmpty, consuming nothing, unless every
// response word is already available.
func (d *Dev) PullReadBytes(p []byte, wait bool) error {
	d.Lock()
	defer d.Unlock()
	if len(p) > maxReadBytes {
		return ErrDataSize
	}
	if err := d.pullBytes(p, wait); err != nil {
		return err
	}
	if !common.CheckCRC(p) {
		return ErrCRC
	}
	return nil
}

// ReadBytes reads len(p) bytes from the bus into p, blocking as needed,
// and verifies the trailing CRC byte.
func (d *Dev) ReadBytes(p []byte) error {
	d.Lock()
	defer d.Unlock()
	if err := d.pushReadBytes(len(p), true); err != nil {
		return err
	}
	if err := d.pullBytes(p, true); err != nil {
		return err
	}
	if !common.CheckCRC(p) {
		return ErrCRC
	}
	return nil
}

// Tx performs a bus transaction: reset, write all of w, then read len(r)
// bytes into r. It implements onewire.Bus so 1-wire device packages can
// drive this master directly. No CRC check is performed on r; device
// packages validate their own payloads.
//
// The state machine cannot report the presence pulse, so a transaction on
// an empty bus reads back all ones. Strong pull-up power delivery is not
// supported.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	if power == onewire.StrongPullup {
		return errors.New("owpio: strong pull-up is not supported")
	}
	d.Lock()
	defer d.Unlock()
	if d.mode != modeOffload {
		return ErrBadMode
	}
	d.sm.Push(opReset)
	for _, b := range w {
		d.sm.Push(encWrite(uint32(b), 8))
	}
	for off := 0; off < len(r); off += maxReadBytes {
		end := off + maxReadBytes
		if end > len(r) {
			end = len(r)
		}
		if err := d.pushReadBytes(end-off, true); err != nil {
			return err
		}
		if err := d.pullBytes(r[off:end], true); err != nil {
			return err
		}
	}
	return nil
}

// maxReadBytes is the largest byte batch a single read call may request:
// 16 bytes fill the four-word response FIFO exactly.
const maxReadBytes = 4 * FIFODepth

func (d *Dev) checkTx(wait bool) error {
	if d.mode != modeOffload {
		return ErrBadMode
	}
	if !wait && d.sm.TxFull() {
		return ErrTxFIFOFull
	}
	return nil
}

func (d *Dev) push(w uint32, wait bool) error {
	if err := d.checkTx(wait); err != nil {
		return err
	}
	d.sm.Push(w)
	return nil
}

func (d *Dev) pushRead(bits int) error {
	if d.mode != modeOffload {
		return ErrBadMode
	}
	if bits < 1 || bits > 32 {
		return ErrDataSize
	}
	d.sm.Push(encRead(bits))
	return nil
}

func (d *Dev) pushReadBytes(n int, wait bool) error {
	if d.mode != modeOffload {
		return ErrBadMode
	}
	if n > maxReadBytes {
		return ErrFIFOOverflow
	}
	if n < 1 {
		return ErrDataSize
	}
	// The invariant is that the whole batch of word reads fits in the free
	// command slots, so a non-blocking call can never stall halfway.
	words := (n + 3) / 4
	if !wait && words > FIFODepth-d.sm.TxLevel() {
		return ErrTxFIFOFull
	}
	i := 0
	for ; i <= n-4; i += 4 {
		d.sm.Push(encRead(32))
	}
	if rem := n - i; rem > 0 {
		d.sm.Push(encRead(rem * 8))
	}
	return nil
}

// pullBytes drains the response words for len(p) bytes into p. Words are
// split into bytes explicitly little-endian: the first byte off the bus is
// the low byte of the right-justified response.
func (d *Dev) pullBytes(p []byte, wait bool) error {
	if d.mode != modeOffload {
		return ErrBadMode
	}
	n := len(p)
	if !wait && (n+3)/4 > d.sm.RxLevel() {
		return ErrRxFIFOEmpty
	}
	i := 0
	for ; i <= n-4; i += 4 {
		binary.LittleEndian.PutUint32(p[i:i+4], d.sm.Pull())
	}
	if rem := n - i; rem > 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], d.sm.Pull()>>(32-uint(rem)*8))
		copy(p[i:], buf[:rem])
	}
	return nil
}

// busyWait spins instead of sleeping: the slot timings are a handful of
// microseconds and the scheduler cannot wake a goroutine that fast.
func busyWait(t time.Duration) {
	for start := time.Now(); time.Since(start) < t; {
	}
}

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
