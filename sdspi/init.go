// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import (
	"encoding/binary"
	"time"

	"github.com/tmaxelectronics/fastsd/bits"
	"github.com/tmaxelectronics/fastsd/spi"
)

// OCR bit positions (R3 response).
const (
	// Card Capacity Status
	OCR_CCS = 30
	// Host Capacity Support
	OCR_HCS = 30
)

// Initialize wakes the card out of its internal reset, detects the card
// type and brings the card to transfer state, returning the resulting
// device status. Only drive 0 is valid.
//
// The bus clock is held at the identification frequency for the whole
// sequence and raised to the operating frequency only on success. The
// caller owns card power, a failed attempt leaves the device flagged as
// uninitialized and the card untouched for a retry.
func (d *Card) Initialize(drv int) Status {
	if drv != 0 {
		return StatusNoInit
	}

	sem := d.port.Semaphore()

	if !sem.Take(busTimeout) {
		return d.stat
	}
	defer sem.Give()

	d.typ = 0
	d.stat |= StatusNoInit

	d.port.SetClock(spi.IdentificationClock)

	// 80 dummy clocks with chip select high and MOSI idle, to let the
	// card leave its internal reset
	d.cs(false)

	for n := 0; n < 10; n++ {
		d.rcvr()
	}

	var ty CardType

	if d.cmd(CMD0, 0) == 1 {
		deadline := time.Now().Add(initTimeout)

		if d.cmd(CMD8, 0x1aa) == 1 {
			// SDv2, read the R7 trailer for the voltage window
			var r7 [4]byte

			for n := 0; n < 4; n++ {
				r7[n] = d.rcvr()
			}

			if r7[2] == 0x01 && r7[3] == 0xaa {
				// 2.7-3.6V tolerated, leave idle state with
				// host capacity support announced
				var arg uint32
				bits.Set(&arg, OCR_HCS)

				for time.Now().Before(deadline) && d.cmd(ACMD41, arg) != 0 {
				}

				if time.Now().Before(deadline) && d.cmd(CMD58, 0) == 0 {
					var r3 [4]byte

					for n := 0; n < 4; n++ {
						r3[n] = d.rcvr()
					}

					ocr := binary.BigEndian.Uint32(r3[:])

					if bits.IsSet(&ocr, OCR_CCS) {
						// block addressed
						ty = TypeSD2 | TypeBlock
					} else {
						ty = TypeSD2
					}
				}
			}
		} else {
			// SDv1 or MMCv3, pick the op-cond polling command
			var poll byte

			if d.cmd(ACMD41, 0) <= 1 {
				ty = TypeSD1
				poll = ACMD41
			} else {
				ty = TypeMMC
				poll = CMD1
			}

			for time.Now().Before(deadline) && d.cmd(poll, 0) != 0 {
			}

			if !time.Now().Before(deadline) {
				ty = 0
			}
		}

		// force the block length for byte addressed cards
		if ty != 0 && ty&TypeBlock == 0 && d.cmd(CMD16, SectorSize) != 0 {
			ty = 0
		}
	}

	d.typ = ty
	d.deselect()

	if ty != 0 {
		d.stat &^= StatusNoInit
		d.port.SetClock(d.clock)
	}

	return d.stat
}
