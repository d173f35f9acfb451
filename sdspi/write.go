// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

// writeBlock sends one data packet: framing token, payload, dummy CRC
// pair, then checks the card data response. The stop transmission token is
// sent bare.
func (d *Card) writeBlock(buf []byte, token byte) bool {
	if d.waitReady() != 0xff {
		return false
	}

	d.xmit(token)

	if token == tokenStopTran {
		return true
	}

	d.port.Transfer(buf, true, false, nil)

	// dummy CRC
	d.xmit(0xff)
	d.xmit(0xff)

	// data response, low 5 bits 0b00101 on acceptance
	return d.rcvr()&0x1f == 0x05
}

// Write transfers count sectors from buf to the card starting at the
// sector argument.
func (d *Card) Write(drv int, buf []byte, sector uint32, count uint32) Result {
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

	if d.stat&StatusProtect != 0 {
		return ResWriteProtect
	}

	addr := sector

	if d.typ&TypeBlock == 0 {
		// byte addressed card
		addr *= SectorSize
	}

	defer d.deselect()

	if count == 1 {
		// CMD24 - WRITE_BLOCK
		if d.cmd(CMD24, addr) == 0 && d.writeBlock(buf[:SectorSize], tokenStart) {
			count = 0
		}
	} else {
		// pre-erase hint for SDC cards
		if d.typ&TypeSDC != 0 {
			d.cmd(ACMD23, count)
		}

		// CMD25 - WRITE_MULTIPLE_BLOCK
		if d.cmd(CMD25, addr) == 0 {
			for count > 0 {
				if !d.writeBlock(buf[:SectorSize], tokenStartMulti) {
					break
				}

				buf = buf[SectorSize:]
				count--
			}

			if !d.writeBlock(nil, tokenStopTran) {
				count = 1
			}
		}
	}

	if count != 0 {
		return ResError
	}

	return ResOK
}
