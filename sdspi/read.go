// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import (
	"time"
)

// waitToken polls for a data block start token, 0xff signals a timeout.
func (d *Card) waitToken() byte {
	start := time.Now()

	for {
		token := d.rcvr()

		if token != 0xff || time.Since(start) >= readyTimeout {
			return token
		}
	}
}

// readBlock receives one data packet: start token, payload, discarded CRC
// pair.
func (d *Card) readBlock(buf []byte) bool {
	if d.waitToken() != tokenStart {
		return false
	}

	d.port.Transfer(buf, true, true, nil)

	// discard CRC
	d.rcvr()
	d.rcvr()

	return true
}

// Read transfers count sectors starting at the sector argument from the
// card into buf.
func (d *Card) Read(drv int, buf []byte, sector uint32, count uint32) Result {
	if drv != 0 || count == 0 || len(buf) < int(count)*SectorSize {
		return ResParamError
	}

	if !d.wake() {
		return ResNotReady
	}

	sem := d.port.Semaphore()

	if !sem.Take(busTimeout) {
		return ResError
	}
	defer sem.Give()

	if d.stat&StatusNoInit != 0 {
		return ResNotReady
	}

	addr := sector

	if d.typ&TypeBlock == 0 {
		// byte addressed card
		addr *= SectorSize
	}

	defer d.deselect()

	if count == 1 {
		// CMD17 - READ_SINGLE_BLOCK
		if d.cmd(CMD17, addr) == 0 && d.readBlock(buf[:SectorSize]) {
			count = 0
		}
	} else {
		// CMD18 - READ_MULTIPLE_BLOCK
		if d.cmd(CMD18, addr) == 0 {
			for count > 0 {
				if !d.readBlock(buf[:SectorSize]) {
					break
				}

				buf = buf[SectorSize:]
				count--
			}

			// CMD12 - STOP_TRANSMISSION
			d.cmd(CMD12, 0)
		}
	}

	if count != 0 {
		return ResError
	}

	return ResOK
}
