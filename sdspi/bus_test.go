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
	"sync"

	"github.com/sigurn/crc16"

	"github.com/tmaxelectronics/fastsd/internal/sema"
	"github.com/tmaxelectronics/fastsd/spi"
)

// testBus emulates an SD/MMC card on the far side of an SPI peripheral,
// with real CRC16 data block framing. It implements spi.Port: synchronous
// exchanges parse the wire protocol under a lock, DMA driven transfers run
// on their own goroutine and deliver the completion callback from there,
// standing in for the completion interrupt.
type testBus struct {
	mu  sync.Mutex
	sem *sema.Semaphore

	kind cardKind

	selected bool
	dmaOn    bool
	clockLog []uint32

	// wire protocol parser
	pstate   parserState
	frame    [6]byte
	nframe   int
	appCmd   bool
	idle     bool
	polls    int
	out      []byte
	reading  bool
	readAddr uint32

	// write path
	multiWrite bool
	writeAddr  uint32
	dbuf       [SectorSize + 2]byte
	ndata      int

	// observability
	cmdLog      []byte
	preErase    uint32
	blockLenSet bool

	// fault injection
	mute       bool
	dmaErr     bool
	stallAfter int
	bursts     int

	done func(spi.Event)

	content map[uint32][]byte
	crc     *crc16.Table
}

type cardKind int

const (
	kindSD2HC cardKind = iota
	kindSD2
	kindSD1
	kindMMC
	kindNone
)

type parserState int

const (
	pIdle parserState = iota
	pFrame
	pToken
	pData
)

// opCondPolls is how many times the emulated card reports busy before
// leaving idle state.
const opCondPolls = 3

func newTestBus(kind cardKind) *testBus {
	return &testBus{
		sem:        sema.New(true),
		kind:       kind,
		idle:       true,
		polls:      opCondPolls,
		stallAfter: -1,
		content:    make(map[uint32][]byte),
		crc:        crc16.MakeTable(crc16.CRC16_XMODEM),
	}
}

// CS is the chip select hook handed to the driver under test.
func (b *testBus) CS(assert bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.selected = assert

	if !assert {
		b.pstate = pIdle
		b.nframe = 0
		b.reading = false
		b.out = nil
	}
}

func (b *testBus) Exchange(tx byte) byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.exchange(tx)
}

func (b *testBus) Transfer(buf []byte, deselect bool, read bool, done func(spi.Event)) {
	if done == nil {
		b.mu.Lock()
		b.run(buf, read)
		b.mu.Unlock()

		return
	}

	b.mu.Lock()
	b.done = done
	b.mu.Unlock()

	b.burst(buf, read)
}

func (b *testBus) ContinueRead(buf []byte) {
	b.burst(buf, true)
}

// burst emulates one DMA transfer, delivering the completion callback from
// a fresh goroutine as the completion interrupt would.
func (b *testBus) burst(buf []byte, read bool) {
	b.mu.Lock()

	b.bursts++

	if b.stallAfter >= 0 && b.bursts > b.stallAfter {
		// transfer never completes
		b.mu.Unlock()
		return
	}

	evt := spi.Event(0)

	if b.dmaErr {
		evt = spi.EventError
	} else {
		b.run(buf, read)
	}

	done := b.done
	b.mu.Unlock()

	go done(evt)
}

func (b *testBus) run(buf []byte, read bool) {
	for n := range buf {
		if read {
			buf[n] = b.exchange(0xff)
		} else {
			b.exchange(buf[n])
		}
	}
}

func (b *testBus) SetDMA(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dmaOn = on
}

func (b *testBus) SetClock(hz uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clockLog = append(b.clockLog, hz)
}

func (b *testBus) Semaphore() *sema.Semaphore {
	return b.sem
}

func (b *testBus) lastClock() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.clockLog) == 0 {
		return 0
	}

	return b.clockLog[len(b.clockLog)-1]
}

func (b *testBus) commands() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]byte{}, b.cmdLog...)
}

// pattern fills a fresh sector with a deterministic, sector dependent
// byte sequence.
func pattern(sector uint32) []byte {
	buf := make([]byte, SectorSize)

	for n := range buf {
		buf[n] = byte(sector) ^ byte(n) ^ byte(n>>3)
	}

	return buf
}

func (b *testBus) sector(byteAddr uint32) []byte {
	sector := byteAddr / SectorSize

	if s, ok := b.content[sector]; ok {
		return s
	}

	s := pattern(sector)
	b.content[sector] = s

	return s
}

func (b *testBus) push(data ...byte) {
	b.out = append(b.out, data...)
}

func (b *testBus) pushBlock(data []byte) {
	crc := crc16.Checksum(data, b.crc)

	b.push(0xff, tokenStart)
	b.push(data...)
	b.push(byte(crc>>8), byte(crc))
}

func (b *testBus) exchange(tx byte) byte {
	if b.kind == kindNone || b.mute || !b.selected {
		return 0xff
	}

	// a multiple block read streams data until stopped
	if len(b.out) == 0 && b.reading && b.pstate == pIdle {
		b.pushBlock(b.sector(b.readAddr))
		b.readAddr += SectorSize
	}

	rx := byte(0xff)

	if len(b.out) > 0 {
		rx = b.out[0]
		b.out = b.out[1:]
	}

	switch b.pstate {
	case pIdle:
		if tx&0xc0 == 0x40 {
			b.frame[0] = tx
			b.nframe = 1
			b.pstate = pFrame
		}

	case pFrame:
		b.frame[b.nframe] = tx
		b.nframe++

		if b.nframe == 6 {
			b.pstate = pIdle
			b.handleFrame()
		}

	case pToken:
		switch tx {
		case tokenStart, tokenStartMulti:
			b.pstate = pData
			b.ndata = 0
		case tokenStopTran:
			b.pstate = pIdle
			b.multiWrite = false
			// busy, then release
			b.push(0x00, 0x00, 0xff)
		}

	case pData:
		b.dbuf[b.ndata] = tx
		b.ndata++

		if b.ndata == len(b.dbuf) {
			stored := make([]byte, SectorSize)
			copy(stored, b.dbuf[:SectorSize])
			b.content[b.writeAddr/SectorSize] = stored
			b.writeAddr += SectorSize

			// data accepted, busy, release
			b.push(0x05, 0x00, 0x00, 0xff)

			if b.multiWrite {
				b.pstate = pToken
			} else {
				b.pstate = pIdle
			}
		}
	}

	return rx
}

// byteAddr converts a command argument to a content byte address,
// honoring the card addressing mode.
func (b *testBus) byteAddr(arg uint32) uint32 {
	if b.kind == kindSD2HC {
		return arg * SectorSize
	}

	return arg
}

func (b *testBus) r1() byte {
	if b.idle {
		return 0x01
	}

	return 0x00
}

func (b *testBus) opCond() {
	if b.polls > 0 {
		b.polls--
		b.push(0xff, 0x01)
		return
	}

	b.idle = false
	b.push(0xff, 0x00)
}

func (b *testBus) handleFrame() {
	cmd := b.frame[0] & 0x3f
	arg := binary.BigEndian.Uint32(b.frame[1:5])

	app := b.appCmd
	b.appCmd = false

	b.cmdLog = append(b.cmdLog, cmd)

	switch {
	case cmd == 0:
		b.idle = true
		b.polls = opCondPolls
		b.push(0xff, 0x01)

	case cmd == 8:
		if b.kind == kindSD2 || b.kind == kindSD2HC {
			b.push(0xff, 0x01, 0x00, 0x00, 0x01, 0xaa)
		} else {
			// illegal command
			b.push(0xff, 0x05)
		}

	case cmd == 55:
		b.appCmd = true
		b.push(0xff, b.r1())

	case cmd == 41 && app:
		if b.kind == kindMMC {
			b.push(0xff, 0x05)
			return
		}

		b.opCond()

	case cmd == 1:
		if b.kind != kindMMC {
			b.push(0xff, 0x05)
			return
		}

		b.opCond()

	case cmd == 58:
		ocr := byte(0x80)

		if b.kind == kindSD2HC {
			ocr |= 0x40
		}

		b.push(0xff, 0x00, ocr, 0xff, 0x80, 0x00)

	case cmd == 16:
		if arg == SectorSize {
			b.blockLenSet = true
		}

		b.push(0xff, 0x00)

	case cmd == 9:
		b.push(0xff, 0x00)
		b.pushBlock(b.csd())

	case cmd == 10:
		b.push(0xff, 0x00)
		b.pushBlock(b.cid())

	case cmd == 13 && app:
		b.push(0xff, 0x00, 0x00)
		b.pushBlock(b.sdStatus())

	case cmd == 17:
		b.push(0xff, 0x00)
		b.pushBlock(b.sector(b.byteAddr(arg)))

	case cmd == 18:
		b.push(0xff, 0x00)
		b.reading = true
		b.readAddr = b.byteAddr(arg)

	case cmd == 12:
		b.reading = false
		b.out = nil
		// stuff byte, then response
		b.push(0xff, 0x00)

	case cmd == 23 && app:
		b.preErase = arg
		b.push(0xff, 0x00)

	case cmd == 24:
		b.writeAddr = b.byteAddr(arg)
		b.multiWrite = false
		b.pstate = pToken
		b.push(0xff, 0x00)

	case cmd == 25:
		b.writeAddr = b.byteAddr(arg)
		b.multiWrite = true
		b.pstate = pToken
		b.push(0xff, 0x00)

	default:
		// illegal command
		b.push(0xff, 0x05)
	}
}

// csd returns a register image matching the card kind, crafted so that
// the v2 capacity decodes to 16384 sectors and the v1 one (READ_BL_LEN 9,
// C_SIZE 2047, C_SIZE_MULT yielding a multiplier of 8) does as well.
func (b *testBus) csd() []byte {
	csd := make([]byte, 16)

	switch b.kind {
	case kindSD2, kindSD2HC:
		csd[0] = 0x40
		csd[8] = 0x00
		csd[9] = 0x0f
	default:
		csd[0] = 0x00
		csd[5] = 0x09
		csd[6] = 0x01
		csd[7] = 0xff
		csd[8] = 0xc0
		csd[9] = 0x00
		csd[10] = 0x80
		csd[11] = 0x80
		csd[13] = 0x40
	}

	return csd
}

func (b *testBus) cid() []byte {
	cid := make([]byte, 16)

	for n := range cid {
		cid[n] = byte(0xc1 ^ n)
	}

	return cid
}

func (b *testBus) sdStatus() []byte {
	sds := make([]byte, 64)
	// AU size nibble
	sds[10] = 0x40

	return sds
}
