// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the Dallas/Maxim CRC8 calculation used by 1-wire devices.
package common

// CRC8 calculates the Dallas/Maxim 8-bit CRC of the byte slice parameter
// and returns the calculated value. Bits are fed least-significant first
// with the 0x18 feedback mask and a rotate right, which is the form the
// checksum takes in the DS18xx datasheets (polynomial x^8+x^5+x^4+1).
func CRC8(p []byte) byte {
	var crc byte
	for _, val := range p {
		for i := 0; i < 8; i++ {
			crc ^= val & 1
			if crc&1 != 0 {
				crc ^= 0x18
			}
			crc = crc>>1 | crc<<7
			val >>= 1
		}
	}
	return crc
}

// CheckCRC reports whether p, whose final byte is the CRC of all preceding
// bytes, passes verification. Running the CRC over a block including its
// own checksum byte leaves zero iff the block is intact.
func CheckCRC(p []byte) bool {
	return CRC8(p) == 0
}
