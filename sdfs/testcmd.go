// SD card supervisor
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdfs

import (
	"fmt"
	"io"

	"github.com/tmaxelectronics/fastsd/dma"
	"github.com/tmaxelectronics/fastsd/sdspi"
	"github.com/tmaxelectronics/fastsd/spi"
)

// CommandFunc is a debug console command handler, returning its exit
// status.
type CommandFunc func(w io.Writer, args []string) int

// Console registers debug commands, the serial console implementation is
// external to this module.
type Console interface {
	AddCommand(name string, fn CommandFunc)
}

// RegisterCommands registers the supervisor debug commands on the
// argument console.
func (s *Supervisor) RegisterCommands(c Console) {
	c.AddCommand("testFS", s.testFS)
}

// testFS is a bus self-test: it wakes the card, streams one sector worth
// of patterned bytes over the SPI DMA engine and dumps the buffer. It is
// diagnostic only, no block is written to the card.
func (s *Supervisor) testFS(w io.Writer, args []string) int {
	if s.cfg.Port == nil {
		fmt.Fprintln(w, "no SPI transport configured")
		return 1
	}

	if !s.Touch() {
		fmt.Fprintln(w, "card not ready")
		return 1
	}

	addr, buf := dma.Reserve(sdspi.SectorSize, 4)
	defer dma.Release(addr)

	for n := range buf {
		buf[n] = byte(n)
	}

	sem := s.cfg.Port.Semaphore()

	if !sem.Take(s.cfg.AccessTimeout) {
		fmt.Fprintln(w, "bus busy")
		return 1
	}
	defer sem.Give()

	s.cfg.Port.SetDMA(true)

	s.cfg.Port.Transfer(buf, true, false, func(spi.Event) {
		sem.Give()
	})

	ok := sem.Take(s.cfg.AccessTimeout)

	s.cfg.Port.SetDMA(false)

	if !ok {
		fmt.Fprintln(w, "DMA completion timeout")
		return 1
	}

	for off := 0; off < len(buf); off += 16 {
		fmt.Fprintf(w, "%04x  % x\n", off, buf[off:off+16])
	}

	return 0
}
