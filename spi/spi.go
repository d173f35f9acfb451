// SPI transport contract
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spi defines the transport contract between the SD/MMC card driver
// and an SPI peripheral driver.
//
// The peripheral driver itself is chip specific and lives outside this
// module, any implementation of Port can be used. The contract mirrors what
// card block I/O needs: synchronous byte exchange, bulk transfers with an
// optional DMA completion callback, chained DMA bursts on a running
// transaction, clock control and a per-handle semaphore.
package spi

import (
	"github.com/tmaxelectronics/fastsd/internal/sema"
)

// IdentificationClock is the maximum SPI clock (Hz) an SD/MMC card is
// guaranteed to tolerate before initialization completes.
const IdentificationClock = 400000

// Event is the status bitmask delivered to transfer completion callbacks.
type Event uint32

const (
	// EventError signals a transfer or DMA channel fault.
	EventError Event = 1 << iota
)

// Port is the interface of an SPI peripheral handle.
//
// Completion callbacks passed to Transfer are invoked in interrupt context:
// they must not block and may only exchange individual bytes or chain a new
// burst with ContinueRead.
type Port interface {
	// Exchange performs a full duplex 8-bit transfer.
	Exchange(b byte) byte

	// Transfer moves len(buf) bytes over the bus, into buf when read is
	// true, out of it otherwise. When done is nil the call is
	// synchronous; otherwise the transfer is DMA driven and done is
	// invoked from the completion interrupt. The deselect argument
	// requests release of the peripheral framing at the end of the
	// transfer.
	Transfer(buf []byte, deselect bool, read bool, done func(Event))

	// ContinueRead chains a further DMA receive burst onto the running
	// transaction, it is only valid from a completion callback and must
	// not block.
	ContinueRead(buf []byte)

	// SetDMA enables or disables DMA driven transfers.
	SetDMA(on bool)

	// SetClock sets the serial clock frequency in Hz.
	SetClock(hz uint32)

	// Semaphore returns the per-handle semaphore, used both as a coarse
	// bus mutex and as the completion signal for DMA driven transfers.
	Semaphore() *sema.Semaphore
}
