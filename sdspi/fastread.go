// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import (
	"container/list"
	"time"

	"github.com/tmaxelectronics/fastsd/dma"
	"github.com/tmaxelectronics/fastsd/internal/sema"
	"github.com/tmaxelectronics/fastsd/spi"
)

// completion ceiling for a DMA driven gather read
const fastReadTimeout = 1 * time.Second

// start token polls from interrupt context between chained sectors
const tokenPollLimit = 512

// ReadDesc describes one gather list entry: Bytes bytes are read starting
// StartByte bytes into StartSector, crossing into following sectors as
// needed. The destination is Buf when set, otherwise the next Bytes bytes
// of the buffer passed to ReadList.
type ReadDesc struct {
	StartSector uint32
	StartByte   uint32
	Bytes       uint32
	Buf         []byte
}

// fastReq is the per-request state advanced by the SPI completion
// interrupt, it is owned by the calling task and borrowed by the interrupt
// handler for the duration of the transfer.
type fastReq struct {
	port spi.Port
	sem  *sema.Semaphore

	state fastState
	// the scratch burst in flight skips the head of the first sector
	head bool

	// payload bytes still expected
	bytesLeft uint32
	// payload bytes in flight for the current sector
	cur uint32
	// scratch bytes pending between the payload and the CRC
	tail uint32

	buf     []byte
	scratch []byte
}

type fastState uint32

const (
	// a payload burst is in flight
	fastRead fastState = iota
	// a scratch burst is in flight
	fastSkip
	fastDone
	fastError
)

// complete advances the request state machine, it runs in interrupt
// context on every DMA burst completion and must not block: it only
// exchanges individual bytes, chains further bursts and signals the
// completion semaphore.
func (r *fastReq) complete(evt spi.Event) {
	if evt&spi.EventError != 0 {
		r.state = fastError
		r.sem.Give()
		return
	}

	switch r.state {
	case fastSkip:
		if r.head {
			// head scratch consumed, receive the payload
			r.head = false
			r.state = fastRead
			r.port.ContinueRead(r.buf[:r.cur])
			return
		}

		// tail scratch consumed, close out the sector
		r.finishSector()

	case fastRead:
		if r.tail > 0 {
			// partial sector, absorb the remainder before the
			// CRC
			n := r.tail
			r.tail = 0
			r.state = fastSkip
			r.port.ContinueRead(r.scratch[:n])
			return
		}

		r.finishSector()
	}
}

// finishSector discards the data block CRC, accounts for the delivered
// payload and either completes the request or chains the next sector.
func (r *fastReq) finishSector() {
	r.port.Exchange(0xff)
	r.port.Exchange(0xff)

	r.bytesLeft -= r.cur
	r.buf = r.buf[r.cur:]

	if r.bytesLeft == 0 {
		r.state = fastDone
		r.sem.Give()
		return
	}

	// wait for the next data block start token
	token := byte(0xff)

	for n := 0; n < tokenPollLimit && token == 0xff; n++ {
		token = r.port.Exchange(0xff)
	}

	if token != tokenStart {
		r.state = fastError
		r.sem.Give()
		return
	}

	r.cur = SectorSize

	if r.bytesLeft < SectorSize {
		r.cur = r.bytesLeft
		r.tail = SectorSize - r.cur
	}

	r.state = fastRead
	r.port.ContinueRead(r.buf[:r.cur])
}

// fastReadBlocks receives btr payload bytes starting off bytes into the
// current read transmission, using chained DMA bursts and absorbing unused
// head and tail bytes into region scratch. It returns the number of
// payload bytes confirmed delivered.
func (d *Card) fastReadBlocks(buf []byte, off uint32, btr uint32) uint32 {
	// the scratch must absorb the skipped head of the first sector and
	// the unused tail of the last one
	scratchSize := off

	if tail := (SectorSize - (off+btr)%SectorSize) % SectorSize; tail > scratchSize {
		scratchSize = tail
	}

	addr, scratch := dma.Reserve(int(scratchSize), 4)
	defer dma.Release(addr)

	d.port.SetDMA(true)
	defer d.port.SetDMA(false)

	if d.waitToken() != tokenStart {
		return 0
	}

	sem := d.port.Semaphore()

	req := &fastReq{
		port:      d.port,
		sem:       sem,
		bytesLeft: btr,
		buf:       buf,
		scratch:   scratch,
	}

	// first sector payload share
	req.cur = SectorSize - off

	if req.cur > btr {
		req.cur = btr
		req.tail = SectorSize - off - btr
	}

	if off > 0 {
		req.head = true
		req.state = fastSkip
		d.port.Transfer(scratch[:off], true, true, req.complete)
	} else {
		req.state = fastRead
		d.port.Transfer(buf[:req.cur], true, true, req.complete)
	}

	if !sem.Take(fastReadTimeout) || req.state != fastDone {
		return btr - req.bytesLeft
	}

	return btr
}

// ReadList satisfies a gather list of sub-sector and cross-sector byte
// ranges with DMA driven reads. Descriptors are consumed destructively:
// the list is left empty regardless of outcome. Descriptors without a
// destination of their own are delivered to consecutive ranges of buf.
func (d *Card) ReadList(drv int, buf []byte, l *list.List) Result {
	if drv != 0 || l == nil {
		if l != nil {
			drain(l)
		}

		return ResParamError
	}

	if !d.wake() {
		drain(l)
		return ResNotReady
	}

	sem := d.port.Semaphore()

	if !sem.Take(busTimeout) {
		drain(l)
		return ResError
	}
	defer sem.Give()

	if d.stat&StatusNoInit != 0 {
		drain(l)
		return ResNotReady
	}

	res := ResOK

	for e := l.Front(); e != nil; e = l.Front() {
		desc, ok := l.Remove(e).(*ReadDesc)

		if !ok || desc.Bytes == 0 {
			res = ResParamError
			break
		}

		dest := desc.Buf

		if dest == nil {
			if len(buf) < int(desc.Bytes) {
				res = ResParamError
				break
			}

			dest = buf[:desc.Bytes]
			buf = buf[desc.Bytes:]
		}

		addr := desc.StartSector

		if d.typ&TypeBlock == 0 {
			// byte addressed card
			addr *= SectorSize
		}

		sectors := (desc.StartByte + desc.Bytes + SectorSize - 1) / SectorSize

		if sectors <= 1 {
			// CMD17 - READ_SINGLE_BLOCK
			if d.cmd(CMD17, addr) != 0 {
				res = ResError
				break
			}

			if d.fastReadBlocks(dest, desc.StartByte, desc.Bytes) != desc.Bytes {
				res = ResError
				break
			}
		} else {
			// CMD18 - READ_MULTIPLE_BLOCK
			if d.cmd(CMD18, addr) != 0 {
				res = ResError
				break
			}

			n := d.fastReadBlocks(dest, desc.StartByte, desc.Bytes)

			// CMD12 - STOP_TRANSMISSION, also on early
			// termination
			d.cmd(CMD12, 0)

			if n != desc.Bytes {
				res = ResError
				break
			}
		}
	}

	d.deselect()

	// empty the list if anything remains after a failed run
	if drain(l) > 0 {
		return ResError
	}

	return res
}

func drain(l *list.List) (n int) {
	n = l.Len()
	l.Init()

	return
}
