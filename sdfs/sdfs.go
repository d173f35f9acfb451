// SD card supervisor
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdfs supervises the one SD/MMC card slot shared by all
// filesystem clients.
//
// A single task owns the card state machine: it tracks presence through
// the card detect switch, powers the card up on demand, retries
// initialization, powers the card back down after an idle period and
// mounts or unmounts the filesystem on insertion and removal. Clients
// call Touch before any bus access to have the card woken up and the idle
// timer reset.
package sdfs

import (
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/tmaxelectronics/fastsd/internal/sema"
	"github.com/tmaxelectronics/fastsd/sdspi"
	"github.com/tmaxelectronics/fastsd/spi"
)

// State is the supervisor card state.
type State uint32

const (
	// NotPresent: no card detected, power off, unmounted.
	NotPresent State = iota
	// LowPower: card present and mounted, powered down, uninitialized.
	LowPower
	// Ready: card powered and initialized, ready for I/O.
	Ready
	// Error: initialization failed, access locked out until the next
	// idle timeout.
	Error
)

func (s State) String() string {
	switch s {
	case NotPresent:
		return "not present"
	case LowPower:
		return "low power"
	case Ready:
		return "ready"
	case Error:
		return "error"
	}

	return "unknown"
}

type command uint8

const (
	// synthesised when the queue receive times out
	cmdTimeout command = iota
	// a client wants to use the card
	cmdAccess
	// explicit request to sleep the card
	cmdGoLowPower
	// the card detect switch changed
	cmdIOEvent
)

const (
	// card detect debounce window
	debounce = 10 * time.Millisecond
	// initialization attempts before entering the error state
	initAttempts = 5
	// pause between initialization attempts
	initRetryDelay = 100 * time.Millisecond

	// command queue depth, requests beyond it are dropped
	queueDepth = 2

	// DefaultIdleTimeout is the idle period after which a ready card is
	// powered down.
	DefaultIdleTimeout = 2 * time.Second
	// DefaultAccessTimeout bounds a client wait for a state transition.
	DefaultAccessTimeout = 1 * time.Second
)

// BlockDevice is the card driver surface the supervisor owns.
type BlockDevice interface {
	Initialize(drv int) sdspi.Status
	Uninitialize(drv int)
	Status(drv int) sdspi.Status
	SetWake(fn func() bool)
}

// Filesystem is mounted on card insertion and unmounted on removal.
// Mounting must be deferred: no card I/O may happen before the first
// client access.
type Filesystem interface {
	Mount() error
	Unmount() error
}

// Config describes the card slot environment of a Supervisor.
type Config struct {
	// Port is the SPI transport shared with the card driver.
	Port spi.Port
	// Card is the block device driver instance.
	Card BlockDevice
	// FS is mounted and unmounted on card events.
	FS Filesystem

	// Detect samples the card detect switch.
	Detect func() bool
	// Power drives the card VDD rail.
	Power func(on bool)
	// SPIEnable gates the SPI peripheral across power transitions.
	SPIEnable func(on bool)
	// TristateBus releases the SPI pins on power down.
	TristateBus func()
	// DriveBus reclaims the SPI pins on power up.
	DriveBus func()
	// EnableDetectIRQ re-arms the card detect interrupt, masked by the
	// interrupt service routine for debouncing.
	EnableDetectIRQ func()

	// IdleTimeout overrides DefaultIdleTimeout.
	IdleTimeout time.Duration
	// AccessTimeout overrides DefaultAccessTimeout.
	AccessTimeout time.Duration

	// Logger receives supervisor diagnostics, nil discards them.
	Logger *log.Logger
}

// Supervisor serializes all access to the card slot.
type Supervisor struct {
	cfg Config

	state atomic.Uint32
	queue chan command
	sem   *sema.Semaphore
	log   *log.Logger
}

// New returns a Supervisor over the argument environment and registers
// its Touch operation as the card driver wake hook. The supervisor task
// is not started until Start.
func New(cfg Config) *Supervisor {
	if cfg.Card == nil || cfg.FS == nil || cfg.Detect == nil {
		panic("incomplete supervisor configuration")
	}

	nop := func() {}
	nopOn := func(bool) {}

	if cfg.Power == nil {
		cfg.Power = nopOn
	}

	if cfg.SPIEnable == nil {
		cfg.SPIEnable = nopOn
	}

	if cfg.TristateBus == nil {
		cfg.TristateBus = nop
	}

	if cfg.DriveBus == nil {
		cfg.DriveBus = nop
	}

	if cfg.EnableDetectIRQ == nil {
		cfg.EnableDetectIRQ = nop
	}

	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	if cfg.AccessTimeout == 0 {
		cfg.AccessTimeout = DefaultAccessTimeout
	}

	s := &Supervisor{
		cfg:   cfg,
		queue: make(chan command, queueDepth),
		sem:   sema.New(false),
		log:   cfg.Logger,
	}

	if s.log == nil {
		s.log = log.New(io.Discard, "", 0)
	}

	cfg.Card.SetWake(s.Touch)

	return s
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	s.state.Store(uint32(state))
}

// enqueue submits a command without blocking, commands beyond the queue
// depth are dropped.
func (s *Supervisor) enqueue(cmd command) {
	select {
	case s.queue <- cmd:
	default:
	}
}

// IOEvent queues a card detect event, it is safe to call from the card
// detect interrupt service routine, which must mask its own source
// beforehand.
func (s *Supervisor) IOEvent() {
	s.enqueue(cmdIOEvent)
}

// GoLowPower requests the card to be powered down ahead of the idle
// timeout.
func (s *Supervisor) GoLowPower() {
	s.enqueue(cmdGoLowPower)
}

// Start launches the supervisor task and, when a card is already seated,
// primes it with an I/O event.
func (s *Supervisor) Start() {
	go s.task()

	if s.cfg.Detect() {
		s.IOEvent()
	}
}

// Touch guarantees the card is powered and initialized before a bus
// access and resets the idle timer, returning whether the card is ready.
//
// In the ready state it only renews the idle timer and never blocks.
// Otherwise the caller is put behind the access semaphore: at most one
// client waits for the state transition, further clients time out and
// must retry.
func (s *Supervisor) Touch() bool {
	if s.State() == Ready {
		// renew the idle timer
		s.enqueue(cmdAccess)
		return true
	}

	if !s.sem.Take(s.cfg.AccessTimeout) {
		s.log.Printf("sdfs: access queue timeout")
		return false
	}

	s.enqueue(cmdAccess)

	// the semaphore returns once the supervisor completed the command
	if !s.sem.Take(s.cfg.AccessTimeout) {
		s.log.Printf("sdfs: access timeout")
		return false
	}

	s.sem.Give()

	return s.State() == Ready
}

// receive blocks on the command queue, with the idle period as receive
// timeout in the ready and error states (indefinitely otherwise), and
// synthesises a timeout command when it expires.
func (s *Supervisor) receive() command {
	state := s.State()

	if state != Ready && state != Error {
		return <-s.queue
	}

	t := time.NewTimer(s.cfg.IdleTimeout)
	defer t.Stop()

	select {
	case cmd := <-s.queue:
		return cmd
	case <-t.C:
		return cmdTimeout
	}
}

func (s *Supervisor) task() {
	for {
		cmd := s.receive()

		switch cmd {
		case cmdIOEvent:
			time.Sleep(debounce)
			s.ioEvent()

		case cmdAccess:
			s.access()

		case cmdGoLowPower, cmdTimeout:
			switch s.State() {
			case Ready:
				s.powerDown()
				s.setState(LowPower)
			case Error:
				// allow initialization retries again
				s.setState(LowPower)
			}

		default:
			s.log.Printf("sdfs: invalid command %d", cmd)
		}

		// unblock a waiting client
		s.sem.Give()

		// re-arm the card detect interrupt, masked by the service
		// routine for debouncing
		s.cfg.EnableDetectIRQ()
	}
}

// ioEvent reconciles the state machine with the card detect switch.
func (s *Supervisor) ioEvent() {
	if s.cfg.Detect() {
		if s.State() != NotPresent {
			return
		}

		s.log.Printf("sdfs: card connected")

		if err := s.cfg.FS.Mount(); err != nil {
			s.log.Printf("sdfs: mount error, %v", err)
			return
		}

		s.setState(LowPower)

		return
	}

	if s.State() == NotPresent {
		return
	}

	s.log.Printf("sdfs: card disconnected")

	if err := s.cfg.FS.Unmount(); err != nil {
		s.log.Printf("sdfs: unmount error, %v", err)
	}

	s.powerDown()
	s.setState(NotPresent)
}

// access wakes and initializes the card for a client.
func (s *Supervisor) access() {
	if s.State() != LowPower {
		return
	}

	s.powerUp()

	if s.initCard() {
		s.setState(Ready)
		return
	}

	// lock out further access until the next timeout clears the error
	s.log.Printf("sdfs: initialization failed, locking out until timeout")
	s.powerDown()
	s.setState(Error)
}

// initCard retries card initialization a bounded number of times. The
// card is deliberately not power cycled between attempts; when every
// attempt fails, access powers the card down and the first access after
// the error state clears powers it back up.
func (s *Supervisor) initCard() bool {
	for n := 0; n < initAttempts; n++ {
		if s.cfg.Card.Initialize(0)&sdspi.StatusNoInit == 0 {
			return true
		}

		time.Sleep(initRetryDelay)
	}

	return false
}
