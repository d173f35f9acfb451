// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdspi implements a block device driver for MMCv3/SDv1/SDv2 memory
// cards attached over an SPI bus.
//
// The driver owns the card side of the wire protocol: command framing,
// card type detection and initialization, block read/write and a DMA driven
// gather read path for arbitrary byte ranges. The SPI peripheral itself is
// reached through the spi.Port transport contract, power and presence
// supervision belongs to the sdfs package.
package sdspi

import (
	"encoding/binary"
	"time"

	"github.com/tmaxelectronics/fastsd/spi"
)

// SectorSize is the only supported card block length.
const SectorSize = 512

// MMC/SDC command set, ACMD<n> commands are issued as CMD55 followed by
// CMD<n>.
const (
	ACMD = 0x80

	CMD0   = 0           // GO_IDLE_STATE
	CMD1   = 1           // SEND_OP_COND
	CMD8   = 8           // SEND_IF_COND
	CMD9   = 9           // SEND_CSD
	CMD10  = 10          // SEND_CID
	CMD12  = 12          // STOP_TRANSMISSION
	ACMD13 = 13 | ACMD   // SD_STATUS
	CMD16  = 16          // SET_BLOCKLEN
	CMD17  = 17          // READ_SINGLE_BLOCK
	CMD18  = 18          // READ_MULTIPLE_BLOCK
	ACMD23 = 23 | ACMD   // SET_WR_BLK_ERASE_COUNT
	CMD24  = 24          // WRITE_BLOCK
	CMD25  = 25          // WRITE_MULTIPLE_BLOCK
	ACMD41 = 41 | ACMD   // SEND_OP_COND (SDC)
	CMD55  = 55          // APP_CMD
	CMD58  = 58          // READ_OCR
)

// Data block framing tokens.
const (
	tokenStart      = 0xfe
	tokenStartMulti = 0xfc
	tokenStopTran   = 0xfd
)

const (
	// card busy release and data token budget
	readyTimeout = 100 * time.Millisecond
	// per-handle semaphore budget for a compound operation
	busTimeout = 1 * time.Second
	// op-cond polling budget during initialization
	initTimeout = 1 * time.Second
)

// Status is the block device status flag set.
type Status uint8

const (
	// StatusNoInit flags a device pending (re)initialization.
	StatusNoInit Status = 1 << 0
	// StatusProtect flags a write protected device.
	StatusProtect Status = 1 << 2
)

// Result is the outcome of a block device operation.
type Result int

const (
	ResOK Result = iota
	ResError
	ResWriteProtect
	ResParamError
	ResNotReady
)

// CardType is the detected card type flag set, set once by a successful
// initialization and cleared on deinitialization.
type CardType uint8

const (
	TypeMMC   CardType = 1 << 0
	TypeSD1   CardType = 1 << 1
	TypeSD2   CardType = 1 << 2
	TypeSDC            = TypeSD1 | TypeSD2
	TypeBlock CardType = 1 << 3
)

// Control selects an Ioctl operation.
type Control int

const (
	// CtrlSync flushes any pending write, it returns once the card
	// releases the bus.
	CtrlSync Control = iota
	// CtrlGetSectorCount reads the sector count into a *uint32.
	CtrlGetSectorCount
	// CtrlGetSectorSize reads the sector size into a *uint32.
	CtrlGetSectorSize
	// CtrlGetBlockSize reads the erase block size, in sectors, into a
	// *uint32.
	CtrlGetBlockSize
	// CtrlGetType reads the card type flags into a *CardType.
	CtrlGetType
	// CtrlGetCSD reads the raw CSD register into a 16-byte slice.
	CtrlGetCSD
	// CtrlGetCID reads the raw CID register into a 16-byte slice.
	CtrlGetCID
	// CtrlGetOCR reads the OCR register into a *uint32.
	CtrlGetOCR
	// CtrlGetSDStatus reads the raw SD status block into a 64-byte
	// slice.
	CtrlGetSDStatus
)

// Card represents a single card slot on an SPI bus.
type Card struct {
	port spi.Port
	cs   func(assert bool)
	wake func() bool

	// operating clock after successful initialization (Hz)
	clock uint32

	// stat and typ are written under the port semaphore by Initialize
	// and by the supervisor power transitions, which are serialized by
	// design.
	stat Status
	typ  CardType
}

// New returns a Card instance using the argument transport, chip select
// line and post-initialization clock frequency in Hz.
func New(port spi.Port, cs func(assert bool), clock uint32) *Card {
	return &Card{
		port:  port,
		cs:    cs,
		wake:  func() bool { return true },
		clock: clock,
		stat:  StatusNoInit,
	}
}

// SetWake registers the hook invoked on client entry points before any bus
// access, the hook must return once the card is powered and ready (or has
// failed). The supervisor registers its Touch operation here; supervisor
// driven operations never traverse the hook.
func (d *Card) SetWake(fn func() bool) {
	if fn != nil {
		d.wake = fn
	}
}

// Status returns the block device status, only drive 0 is valid.
func (d *Card) Status(drv int) Status {
	if drv != 0 {
		return StatusNoInit
	}

	return d.stat
}

// Type returns the detected card type flags.
func (d *Card) Type() CardType {
	return d.typ
}

// Uninitialize clears the detected card type and flags the device for
// reinitialization, it is invoked by the supervisor on power transitions.
func (d *Card) Uninitialize(drv int) {
	if drv != 0 {
		return
	}

	d.typ = 0
	d.stat |= StatusNoInit
}

func (d *Card) xmit(b byte) {
	d.port.Exchange(b)
}

func (d *Card) rcvr() byte {
	return d.port.Exchange(0xff)
}

// waitReady polls until the card releases MISO, returning the last byte
// observed (0xff once ready).
func (d *Card) waitReady() byte {
	start := time.Now()

	d.rcvr()

	for {
		res := d.rcvr()

		if res == 0xff || time.Since(start) >= readyTimeout {
			return res
		}
	}
}

// deselect raises chip select and clocks out one byte to release MISO.
func (d *Card) deselect() {
	d.cs(false)
	d.rcvr()
}

// selectCard drives chip select low and waits for the card to become ready.
func (d *Card) selectCard() bool {
	d.cs(true)

	if d.waitReady() != 0xff {
		d.deselect()
		return false
	}

	return true
}

func putArg(dst []byte, arg uint32) {
	binary.BigEndian.PutUint32(dst, arg)
}
