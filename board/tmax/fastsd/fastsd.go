// TMax fast SD board support
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fastsd provides hardware support for the TMax fast SD carrier,
// a PIC32MZ board with a single SPI attached SD/MMC card slot.
package fastsd

import (
	"time"

	"github.com/tmaxelectronics/fastsd/soc/microchip/pic32mz"
)

// SD/MMC slot wiring on port B.
const (
	// card VDD gate
	CARD_PWR = 5
	// card detect switch, active low with weak pull-up
	CARD_DETECT = 9
	// card chip select
	CARD_CS = 10

	// SPI pin group released across card power down (CS, SCK, SDO)
	BUS_PINS = 1<<10 | 1<<11 | 1<<15

	// change notice priority for the detect switch
	DETECT_PRIORITY = 3
)

var (
	pwr    *pic32mz.Pin
	detect *pic32mz.Pin
	cs     *pic32mz.Pin
)

// Init claims and configures the card slot pins and arms change notice
// detection on the card detect switch, the interrupt remains masked until
// EnableDetectIRQ.
func Init() (err error) {
	if pwr, err = pic32mz.GPIOB.Init(CARD_PWR); err != nil {
		return
	}

	if detect, err = pic32mz.GPIOB.Init(CARD_DETECT); err != nil {
		return
	}

	if cs, err = pic32mz.GPIOB.Init(CARD_CS); err != nil {
		return
	}

	pwr.Low()
	pwr.Out()

	cs.High()
	cs.Out()

	detect.In()
	detect.PullUp(true)

	if err = pic32mz.GPIOB.EnableNotice(detect); err != nil {
		return
	}

	pic32mz.GPIOB.SetPriority(DETECT_PRIORITY)

	return
}

// Detect returns whether a card is present in the slot.
func Detect() bool {
	// the detect switch shorts to ground on insertion
	return !detect.Value()
}

// Power drives the card VDD gate.
func Power(on bool) {
	if on {
		pwr.High()
		// let the supply settle before any bus activity
		time.Sleep(1 * time.Millisecond)
	} else {
		pwr.Low()
	}
}

// ChipSelect drives the card chip select line, which is active low.
func ChipSelect(assert bool) {
	if assert {
		cs.Low()
	} else {
		cs.High()
	}
}

// TristateBus releases the SPI pin group to high impedance, keeping a
// powered down card from being back fed through its inputs.
func TristateBus() {
	pic32mz.GPIOB.Tristate(BUS_PINS)
}

// DriveBus reclaims the SPI pin group.
func DriveBus() {
	pic32mz.GPIOB.Drive(BUS_PINS)
}

// EnableDetectIRQ unmasks the card detect change notice interrupt.
func EnableDetectIRQ() {
	pic32mz.GPIOB.EnableInterrupt()
}

// ServiceDetectIRQ acknowledges the card detect change notice interrupt
// and masks it until the supervisor re-enables it, absorbing contact
// bounce. It is meant to be called from the interrupt service routine
// before queueing the I/O event.
func ServiceDetectIRQ() {
	pic32mz.GPIOB.ClearInterrupt()
	pic32mz.GPIOB.DisableInterrupt()
}
