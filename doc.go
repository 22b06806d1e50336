// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewirepio is a container for 1-wire bus drivers built around a
// programmable-I/O timing state machine, such as the one found on the
// RP2040.
//
// The owpio package is the bus master, ds18b20 is a client of it, and
// common holds the Dallas CRC-8 shared by both.
package onewirepio
