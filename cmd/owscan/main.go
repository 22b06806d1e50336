// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owscan enumerates the devices on a bit-banged 1-wire bus.
//
// It drives the bus directly through a GPIO pin, so it works before any
// timing coprocessor program is loaded.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/picoperiph/onewirepio/owpio"
)

var (
	pinName   string
	alarmOnly bool
)

var rootCmd = &cobra.Command{
	Use:   "owscan",
	Short: "Scan a 1-wire bus for device ROMs",
	Long: `Scan a 1-wire bus attached to a GPIO pin and list the 64-bit ROM of
every device found, or of every device in an alarm state.

Examples:
  owscan --pin GPIO4
  owscan --pin GPIO4 --alarm`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host init: %w", err)
	}
	p := gpioreg.ByName(pinName)
	if p == nil {
		return fmt.Errorf("no such pin %q", pinName)
	}
	bus, err := owpio.New(p, nil)
	if err != nil {
		return err
	}
	addrs, err := bus.Search(alarmOnly)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	fmt.Printf("%-18s %-6s %-14s %s\n", "rom", "family", "serial", "crc")
	for _, a := range addrs {
		fmt.Printf("%#016x   0x%02x 0x%012x 0x%02x\n",
			uint64(a), byte(a), uint64(a)>>8&0xffffffffffff, byte(a>>56))
	}
	return nil
}

func init() {
	rootCmd.Flags().StringVarP(&pinName, "pin", "p", "", "GPIO pin the bus data line is attached to")
	rootCmd.Flags().BoolVarP(&alarmOnly, "alarm", "a", false, "list only devices in an alarm state")
	rootCmd.MarkFlagRequired("pin")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
