// First-fit allocator for DMA buffers
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides primitives for the allocation of buffers suitable
// for peripheral DMA engines.
//
// The region is carved out of a single process-long slab, which keeps every
// buffer handed to interrupt context lifetime safe: a buffer never moves
// and remains valid until explicitly freed.
package dma

import (
	"container/list"
	"sync"
)

// Base is the virtual address of the start of the region, address 0 is
// reserved as the nil buffer address.
const Base = 0x1000

type block struct {
	// region offset
	addr uint32
	// buffer size
	size int
	// distinguish Alloc (copying) from Reserve (scratch) blocks
	res bool
}

// Region represents a memory region allocated for DMA purposes.
type Region struct {
	sync.Mutex

	slab []byte

	freeBlocks *list.List
	usedBlocks map[uint32]*block
}

var dma *Region

// Init initializes a memory region for DMA buffer allocation.
func (r *Region) Init(size int) {
	r.Lock()
	defer r.Unlock()

	r.slab = make([]byte, size)

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{
		addr: Base,
		size: size,
	})

	r.usedBlocks = make(map[uint32]*block)
}

func (r *Region) buf(b *block) []byte {
	off := int(b.addr - Base)
	return r.slab[off : off+b.size : off+b.size]
}

func align(addr uint32, a int) uint32 {
	if a == 0 {
		a = 4
	}

	m := uint32(a - 1)

	return (addr + m) &^ m
}

func (r *Region) alloc(size int, a int) *block {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		f := e.Value.(*block)

		addr := align(f.addr, a)
		pad := int(addr - f.addr)

		if f.size < pad+size {
			continue
		}

		if pad > 0 {
			r.freeBlocks.InsertBefore(&block{addr: f.addr, size: pad}, e)
		}

		if left := f.size - pad - size; left > 0 {
			r.freeBlocks.InsertAfter(&block{addr: addr + uint32(size), size: left}, e)
		}

		r.freeBlocks.Remove(e)

		return &block{addr: addr, size: size}
	}

	panic("out of DMA memory")
}

func (r *Region) free(b *block) {
	var prev *list.Element

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		if e.Value.(*block).addr > b.addr {
			break
		}

		prev = e
	}

	var e *list.Element

	if prev == nil {
		e = r.freeBlocks.PushFront(b)
	} else {
		e = r.freeBlocks.InsertAfter(b, prev)
	}

	// merge with the next free block when adjacent
	if n := e.Next(); n != nil {
		nb := n.Value.(*block)

		if b.addr+uint32(b.size) == nb.addr {
			b.size += nb.size
			r.freeBlocks.Remove(n)
		}
	}

	// merge with the previous free block when adjacent
	if p := e.Prev(); p != nil {
		pb := p.Value.(*block)

		if pb.addr+uint32(pb.size) == b.addr {
			pb.size += b.size
			r.freeBlocks.Remove(e)
		}
	}
}

// Reserve allocates an uninitialized buffer within the region, with optional
// alignment (a power of 2, 0 defaults to word alignment), returning its
// address along with the backing slice. The buffer can be freed up with
// Release().
//
// Reserved buffers are meant for interrupt context scratch space, their
// contents are not initialized.
func (r *Region) Reserve(size int, a int) (addr uint32, buf []byte) {
	if size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(size, a)
	b.res = true

	r.usedBlocks[b.addr] = b

	return b.addr, r.buf(b)
}

// Alloc allocates a buffer within the region, copying over the argument
// contents, with optional alignment (a power of 2, 0 defaults to word
// alignment). The buffer can be freed up with Free().
func (r *Region) Alloc(src []byte, a int) (addr uint32) {
	if len(src) == 0 {
		return 0
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(len(src), a)

	r.usedBlocks[b.addr] = b
	copy(r.buf(b), src)

	return b.addr
}

// Read copies out of a buffer previously allocated with Alloc().
func (r *Region) Read(addr uint32, off int, dst []byte) {
	if addr == 0 || len(dst) == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		panic("read of unallocated address")
	}

	if off+len(dst) > b.size {
		panic("invalid read parameters")
	}

	copy(dst, r.buf(b)[off:])
}

// Free frees the buffer stored at the passed address, the buffer must have
// been previously allocated with Alloc().
func (r *Region) Free(addr uint32) {
	r.freeBlock(addr, false)
}

// Release frees the buffer stored at the passed address, the buffer must
// have been previously allocated with Reserve().
func (r *Region) Release(addr uint32) {
	r.freeBlock(addr, true)
}

func (r *Region) freeBlock(addr uint32, res bool) {
	if addr == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok || b.res != res {
		return
	}

	delete(r.usedBlocks, addr)
	r.free(b)
}

// Init initializes the global memory region for DMA buffer allocation.
func Init(size int) {
	dma = &Region{}
	dma.Init(size)
}

// Default returns the global DMA region instance.
func Default() *Region {
	return dma
}

// Reserve is the equivalent of Region.Reserve() on the global DMA region.
func Reserve(size int, align int) (addr uint32, buf []byte) {
	return dma.Reserve(size, align)
}

// Alloc is the equivalent of Region.Alloc() on the global DMA region.
func Alloc(src []byte, align int) (addr uint32) {
	return dma.Alloc(src, align)
}

// Read is the equivalent of Region.Read() on the global DMA region.
func Read(addr uint32, off int, dst []byte) {
	dma.Read(addr, off, dst)
}

// Free is the equivalent of Region.Free() on the global DMA region.
func Free(addr uint32) {
	dma.Free(addr)
}

// Release is the equivalent of Region.Release() on the global DMA region.
func Release(addr uint32) {
	dma.Release(addr)
}
