// Microchip PIC32MZ support
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pic32mz provides support for Microchip PIC32MZ family
// microcontrollers: GPIO, change notice detection and the associated
// interrupt controller plumbing.
package pic32mz

// Peripheral register writes use the hardware set/clear/invert companion
// registers for atomic bit manipulation (12.2.2 CLR, SET and INV
// Registers, DS60001320).
const (
	CLR = 0x04
	SET = 0x08
	INV = 0x0c
)

// Peripheral base addresses (Table 4-1, DS60001320), KSEG1.
const (
	PORTA_BASE = 0xbf860000
	PORTB_BASE = 0xbf860100
	PORTC_BASE = 0xbf860200
	PORTD_BASE = 0xbf860300
	PORTE_BASE = 0xbf860400
	PORTF_BASE = 0xbf860500
	PORTG_BASE = 0xbf860600

	INT_BASE = 0xbf810000
)

// GPIO port register offsets (Table 12-4, DS60001320).
const (
	ANSELx   = 0x00
	TRISx    = 0x10
	PORTx    = 0x20
	LATx     = 0x30
	ODCx     = 0x40
	CNPUx    = 0x50
	CNPDx    = 0x60
	CNCONx   = 0x70
	CNENx    = 0x80
	CNSTATx  = 0x90

	CNCON_ON = 15
)

// Interrupt controller register offsets (Table 7-2, DS60001320).
const (
	INTCON = 0x00
	IFSx   = 0x40
	IECx   = 0x120
	IPCx   = 0x140
)
