// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

// cmd sends a command packet and returns the card R1 response, 0xff on
// selection or response timeout.
//
// A command is 6 bytes on the wire: start bit and command index, 4-byte
// big endian argument, CRC with stop bit. A valid CRC is only required,
// and therefore only sent, for CMD0 and CMD8 as all other commands are
// issued after CRC checking has been left disabled.
func (d *Card) cmd(index byte, arg uint32) byte {
	if index&ACMD != 0 {
		index &^= ACMD

		if res := d.cmd(CMD55, 0); res > 1 {
			return res
		}
	}

	// select the card and wait for ready
	d.deselect()

	if !d.selectCard() {
		return 0xff
	}

	var frame [6]byte

	frame[0] = 0x40 | index
	putArg(frame[1:5], arg)

	switch index {
	case CMD0:
		frame[5] = 0x95
	case CMD8:
		frame[5] = 0x87
	default:
		frame[5] = 0x01
	}

	for _, b := range frame {
		d.xmit(b)
	}

	// skip a stuff byte when stopping a read transmission
	if index == CMD12 {
		d.rcvr()
	}

	// wait for a valid response within 10 attempts
	res := byte(0xff)

	for n := 0; n < 10; n++ {
		res = d.rcvr()

		if res&0x80 == 0 {
			break
		}
	}

	return res
}
