// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

// readBytes receives a data packet byte by byte: start token, count
// payload bytes into dst, discarded CRC pair. It is used for register
// reads, which are too short to bother the DMA engine with.
func (d *Card) readBytes(dst []byte) bool {
	if d.waitToken() != tokenStart {
		return false
	}

	for n := range dst {
		dst[n] = d.rcvr()
	}

	// discard CRC
	d.rcvr()
	d.rcvr()

	return true
}

// csd reads the raw CSD register.
func (d *Card) csd(buf *[16]byte) bool {
	// CMD9 - SEND_CSD
	return d.cmd(CMD9, 0) == 0 && d.readBytes(buf[:])
}

// sectorCount derives the addressable sector count from the CSD register.
func sectorCount(csd *[16]byte) uint32 {
	if csd[0]>>6 == 1 {
		// CSD v2
		size := uint32(csd[9]) + uint32(csd[8])<<8 + 1
		return size << 10
	}

	// CSD v1
	n := uint(csd[5]&15) + uint(csd[10]&128)>>7 + uint(csd[9]&3)<<1 + 2
	size := uint32(csd[8])>>6 + uint32(csd[7])<<2 + uint32(csd[6]&3)<<10 + 1

	return size << (n - 9)
}

// eraseBlockSize derives the erase block size, in sectors, from the CSD
// register (SDv1, MMCv3) or from the SD status block (SDv2).
func (d *Card) eraseBlockSize(size *uint32) bool {
	if d.typ&TypeSD2 != 0 {
		// ACMD13 - SD_STATUS
		if d.cmd(ACMD13, 0) != 0 {
			return false
		}

		// R2 trailer
		d.rcvr()

		var sds [16]byte

		if !d.readBytes(sds[:]) {
			return false
		}

		// purge the trailing 48 bytes of the status block
		for n := 0; n < 64-16; n++ {
			d.rcvr()
		}

		*size = 16 << (sds[10] >> 4)

		return true
	}

	var csd [16]byte

	if !d.csd(&csd) {
		return false
	}

	if d.typ&TypeSD1 != 0 {
		*size = (uint32(csd[10]&63)<<1 + uint32(csd[11]&128)>>7 + 1) << (csd[13]>>6 - 1)
	} else {
		*size = (uint32(csd[10]&124)>>2 + 1) * (uint32(csd[11]&3)<<3 + uint32(csd[11]&224)>>5 + 1)
	}

	return true
}

// Ioctl performs a control operation, the argument type depends on the
// control (see the Control constants). Only drive 0 is valid.
func (d *Card) Ioctl(drv int, ctrl Control, p any) Result {
	if drv != 0 {
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

	defer d.deselect()

	res := ResError

	switch ctrl {
	case CtrlSync:
		// make sure no write is in progress
		if d.selectCard() {
			res = ResOK
		}

	case CtrlGetSectorCount:
		count, ok := p.(*uint32)

		if !ok {
			return ResParamError
		}

		var csd [16]byte

		if d.csd(&csd) {
			*count = sectorCount(&csd)
			res = ResOK
		}

	case CtrlGetSectorSize:
		size, ok := p.(*uint32)

		if !ok {
			return ResParamError
		}

		*size = SectorSize
		res = ResOK

	case CtrlGetBlockSize:
		size, ok := p.(*uint32)

		if !ok {
			return ResParamError
		}

		if d.eraseBlockSize(size) {
			res = ResOK
		}

	case CtrlGetType:
		typ, ok := p.(*CardType)

		if !ok {
			return ResParamError
		}

		*typ = d.typ
		res = ResOK

	case CtrlGetCSD:
		buf, ok := p.([]byte)

		if !ok || len(buf) < 16 {
			return ResParamError
		}

		var csd [16]byte

		if d.csd(&csd) {
			copy(buf, csd[:])
			res = ResOK
		}

	case CtrlGetCID:
		buf, ok := p.([]byte)

		if !ok || len(buf) < 16 {
			return ResParamError
		}

		// CMD10 - SEND_CID
		if d.cmd(CMD10, 0) == 0 && d.readBytes(buf[:16]) {
			res = ResOK
		}

	case CtrlGetOCR:
		ocr, ok := p.(*uint32)

		if !ok {
			return ResParamError
		}

		// CMD58 - READ_OCR
		if d.cmd(CMD58, 0) == 0 {
			var r3 [4]byte

			for n := 0; n < 4; n++ {
				r3[n] = d.rcvr()
			}

			*ocr = uint32(r3[0])<<24 | uint32(r3[1])<<16 | uint32(r3[2])<<8 | uint32(r3[3])
			res = ResOK
		}

	case CtrlGetSDStatus:
		buf, ok := p.([]byte)

		if !ok || len(buf) < 64 {
			return ResParamError
		}

		// ACMD13 - SD_STATUS
		if d.cmd(ACMD13, 0) == 0 {
			// R2 trailer
			d.rcvr()

			if d.readBytes(buf[:64]) {
				res = ResOK
			}
		}

	default:
		return ResParamError
	}

	return res
}
