// Binary semaphore primitives
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sema provides a binary semaphore with bounded waits, used for
// serializing bus access and for signalling transfer completion from
// interrupt context.
package sema

import (
	"time"
)

// Semaphore is a binary semaphore. Give on an already available semaphore
// has no effect, Take on an empty one blocks until the semaphore is given
// or the timeout expires.
type Semaphore struct {
	c chan struct{}
}

// New returns a binary semaphore, initially available when the argument is
// true.
func New(available bool) *Semaphore {
	s := &Semaphore{
		c: make(chan struct{}, 1),
	}

	if available {
		s.c <- struct{}{}
	}

	return s
}

// Give makes the semaphore available, it never blocks and is safe to call
// from interrupt context.
func (s *Semaphore) Give() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// Take acquires the semaphore, waiting at most the timeout argument, a
// negative timeout waits indefinitely. It returns whether the semaphore was
// acquired.
func (s *Semaphore) Take(timeout time.Duration) bool {
	if timeout < 0 {
		<-s.c
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.c:
		return true
	case <-t.C:
		return false
	}
}

// TryTake acquires the semaphore only if it is immediately available.
func (s *Semaphore) TryTake() bool {
	select {
	case <-s.c:
		return true
	default:
		return false
	}
}
