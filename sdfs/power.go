// SD card supervisor
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdfs

// powerDown gates the SPI peripheral off, releases the bus pins, drops
// the card VDD rail and flags the block device for reinitialization.
func (s *Supervisor) powerDown() {
	s.cfg.SPIEnable(false)
	s.cfg.TristateBus()
	s.cfg.Power(false)
	s.cfg.Card.Uninitialize(0)
}

// powerUp raises the card VDD rail (the hook blocks until the supply has
// settled), gates the SPI peripheral back on, reclaims the bus pins and
// flags the block device so the next access performs a fresh
// initialization.
func (s *Supervisor) powerUp() {
	s.cfg.Power(true)
	s.cfg.SPIEnable(true)
	s.cfg.DriveBus()
	s.cfg.Card.Uninitialize(0)
}
