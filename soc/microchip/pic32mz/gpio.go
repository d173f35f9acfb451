// Microchip PIC32MZ support
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pic32mz

import (
	"errors"
	"fmt"

	"github.com/tmaxelectronics/fastsd/internal/reg"
)

// GPIO represents one I/O port controller instance.
type GPIO struct {
	// Port name
	Name string
	// Base register
	Base uint32

	// Change notice interrupt flag register
	IFS uint32
	// Change notice interrupt enable register
	IEC uint32
	// Change notice interrupt priority register
	IPC uint32
	// Change notice interrupt bit position
	CNI int
	// Change notice interrupt priority bit position
	CNIP int
}

// Pin instance.
type Pin struct {
	num int
	gpio *GPIO
}

// GPIOB is the port B controller instance, its change notice interrupt is
// persistent interrupt 146 on PIC32MZ EF devices.
var GPIOB = &GPIO{
	Name: "PORTB",
	Base: PORTB_BASE,
	IFS:  INT_BASE + IFSx + 4*4,
	IEC:  INT_BASE + IECx + 4*4,
	IPC:  INT_BASE + IPCx + 36*4,
	CNI:  18,
	CNIP: 18,
}

// Init initializes a pin of the port as a digital I/O.
func (hw *GPIO) Init(num int) (pin *Pin, err error) {
	if num > 15 {
		return nil, fmt.Errorf("invalid pin number %d", num)
	}

	pin = &Pin{
		num:  num,
		gpio: hw,
	}

	// disable the analog function
	reg.Write(hw.Base+ANSELx+CLR, 1<<num)

	return
}

// Out configures the pin as an output.
func (pin *Pin) Out() {
	reg.Write(pin.gpio.Base+TRISx+CLR, 1<<pin.num)
}

// In configures the pin as an input.
func (pin *Pin) In() {
	reg.Write(pin.gpio.Base+TRISx+SET, 1<<pin.num)
}

// PullUp enables or disables the pin weak pull-up.
func (pin *Pin) PullUp(on bool) {
	if on {
		reg.Write(pin.gpio.Base+CNPUx+SET, 1<<pin.num)
	} else {
		reg.Write(pin.gpio.Base+CNPUx+CLR, 1<<pin.num)
	}
}

// High sets the pin output state to high.
func (pin *Pin) High() {
	reg.Write(pin.gpio.Base+LATx+SET, 1<<pin.num)
}

// Low sets the pin output state to low.
func (pin *Pin) Low() {
	reg.Write(pin.gpio.Base+LATx+CLR, 1<<pin.num)
}

// Value returns the pin input state.
func (pin *Pin) Value() bool {
	return reg.Get(pin.gpio.Base+PORTx, pin.num, 1) == 1
}

// Tristate releases a group of pins of a port, expressed as a bitmask, to
// high impedance.
func (hw *GPIO) Tristate(mask uint32) {
	reg.Write(hw.Base+TRISx+SET, mask)
}

// Drive configures a group of pins of a port, expressed as a bitmask, as
// outputs.
func (hw *GPIO) Drive(mask uint32) {
	reg.Write(hw.Base+TRISx+CLR, mask)
}

// EnableNotice enables the port change notice block and arms detection on
// the argument pin.
func (hw *GPIO) EnableNotice(pin *Pin) (err error) {
	if pin.gpio != hw {
		return errors.New("pin does not belong to this port")
	}

	reg.Set(hw.Base+CNCONx, CNCON_ON)
	reg.Write(hw.Base+CNENx+SET, 1<<pin.num)

	return
}

// SetPriority sets the port change notice interrupt priority.
func (hw *GPIO) SetPriority(pri uint32) {
	reg.SetN(hw.IPC, hw.CNIP, 0b111, pri)
}

// EnableInterrupt unmasks the port change notice interrupt.
func (hw *GPIO) EnableInterrupt() {
	reg.Write(hw.IEC+SET, 1<<hw.CNI)
}

// DisableInterrupt masks the port change notice interrupt, the interrupt
// service routine uses it to suppress contact bounce storms.
func (hw *GPIO) DisableInterrupt() {
	reg.Write(hw.IEC+CLR, 1<<hw.CNI)
}

// ClearInterrupt acknowledges the port change notice interrupt, the
// mismatch condition is cleared by reading the port beforehand.
func (hw *GPIO) ClearInterrupt() {
	reg.Read(hw.Base + PORTx)
	reg.Write(hw.IFS+CLR, 1<<hw.CNI)
}
