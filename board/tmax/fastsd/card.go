// TMax fast SD board support
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fastsd

import (
	"github.com/tmaxelectronics/fastsd/sdfs"
	"github.com/tmaxelectronics/fastsd/sdspi"
	"github.com/tmaxelectronics/fastsd/spi"
)

// OperatingClock is the SPI clock (Hz) for the card slot after
// initialization.
const OperatingClock = 25000000

// Supervisor returns a card supervisor wired to this board's slot: card
// driver on the argument transport, detect switch, VDD gate and pin
// groups. The spiEnable hook gates the SPI peripheral across power
// transitions and belongs to the peripheral driver.
func Supervisor(port spi.Port, fs sdfs.Filesystem, spiEnable func(on bool)) *sdfs.Supervisor {
	card := sdspi.New(port, ChipSelect, OperatingClock)

	return sdfs.New(sdfs.Config{
		Port:            port,
		Card:            card,
		FS:              fs,
		Detect:          Detect,
		Power:           Power,
		SPIEnable:       spiEnable,
		TristateBus:     TristateBus,
		DriveBus:        DriveBus,
		EnableDetectIRQ: EnableDetectIRQ,
	})
}

// CardDetectISR is the card detect change notice service routine body: it
// acknowledges and masks the interrupt, then queues the I/O event. The
// supervisor re-enables the interrupt once the event has been debounced
// and processed.
func CardDetectISR(sup *sdfs.Supervisor) {
	ServiceDetectIRQ()
	sup.IOEvent()
}
