// MMCv3/SDv1/SDv2 (SPI mode) card driver
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import (
	"os"
	"testing"

	"github.com/tmaxelectronics/fastsd/dma"
	"github.com/tmaxelectronics/fastsd/spi"
)

const testClock = 20000000

func TestMain(m *testing.M) {
	dma.Init(64 * 1024)
	os.Exit(m.Run())
}

func testCard(kind cardKind) (*Card, *testBus) {
	bus := newTestBus(kind)
	return New(bus, bus.CS, testClock), bus
}

func initialized(t *testing.T, kind cardKind) (*Card, *testBus) {
	t.Helper()

	d, bus := testCard(kind)

	if stat := d.Initialize(0); stat&StatusNoInit != 0 {
		t.Fatalf("initialization failed, status %#x", stat)
	}

	return d, bus
}

func TestInitializeSDv2Block(t *testing.T) {
	d, bus := initialized(t, kindSD2HC)

	if d.Type() != TypeSD2|TypeBlock {
		t.Errorf("expected SDv2 block addressed card, got %#x", d.Type())
	}

	if hz := bus.lastClock(); hz != testClock {
		t.Errorf("expected operating clock %d after init, got %d", testClock, hz)
	}

	if bus.clockLog[0] != spi.IdentificationClock {
		t.Errorf("expected identification clock first, got %d", bus.clockLog[0])
	}
}

func TestInitializeSDv2(t *testing.T) {
	d, bus := initialized(t, kindSD2)

	if d.Type() != TypeSD2 {
		t.Errorf("expected SDv2 byte addressed card, got %#x", d.Type())
	}

	if !bus.blockLenSet {
		t.Error("expected SET_BLOCKLEN on a byte addressed card")
	}
}

func TestInitializeSDv1(t *testing.T) {
	d, bus := initialized(t, kindSD1)

	if d.Type() != TypeSD1 {
		t.Errorf("expected SDv1 card, got %#x", d.Type())
	}

	if !bus.blockLenSet {
		t.Error("expected SET_BLOCKLEN on a byte addressed card")
	}
}

func TestInitializeMMC(t *testing.T) {
	d, bus := initialized(t, kindMMC)

	if d.Type() != TypeMMC {
		t.Errorf("expected MMCv3 card, got %#x", d.Type())
	}

	sawCMD1 := false

	for _, cmd := range bus.commands() {
		if cmd == 1 {
			sawCMD1 = true
		}
	}

	if !sawCMD1 {
		t.Error("expected CMD1 op-cond polling on MMC")
	}
}

func TestInitializeNoCard(t *testing.T) {
	d, bus := testCard(kindNone)

	if stat := d.Initialize(0); stat&StatusNoInit == 0 {
		t.Fatal("initialization succeeded with no card")
	}

	if d.Type() != 0 {
		t.Errorf("expected no card type, got %#x", d.Type())
	}

	if hz := bus.lastClock(); hz != spi.IdentificationClock {
		t.Errorf("clock raised on failed init: %d", hz)
	}
}

func TestInitializeInvalidDrive(t *testing.T) {
	d, _ := testCard(kindSD2HC)

	if stat := d.Initialize(1); stat&StatusNoInit == 0 {
		t.Error("expected uninitialized status for drive 1")
	}
}

func TestUninitialize(t *testing.T) {
	d, _ := initialized(t, kindSD2HC)

	d.Uninitialize(0)

	if d.Status(0)&StatusNoInit == 0 {
		t.Error("expected uninitialized status")
	}

	if d.Type() != 0 {
		t.Error("expected card type cleared")
	}
}

func TestStatusInvalidDrive(t *testing.T) {
	d, _ := initialized(t, kindSD2HC)

	if d.Status(9)&StatusNoInit == 0 {
		t.Error("expected uninitialized status for invalid drive")
	}
}
