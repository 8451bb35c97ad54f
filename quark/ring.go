/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package quark

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// perfMmapPages is the data region size in pages, must be a power of two
const perfMmapPages = 16

// perfHeaderSize is the fixed perf_event_header size
const perfHeaderSize = 8

// scratchSize bounds the largest record we can linearize across the
// wrap boundary; anything bigger means the kernel handed us garbage.
const scratchSize = 4096

// errNoEvent means the ring currently holds no complete record
var errNoEvent = errors.New("no event")

// ErrBadRecord means the ring contents are structurally invalid and
// the ring can no longer be trusted.
var ErrBadRecord = errors.New("malformed perf record")

// perfRing consumes one CPU's perf mmap. The kernel advances
// Data_head; we keep a private tmpTail while decoding and publish it
// as Data_tail only on consume, so a batch of reads costs one store.
type perfRing struct {
	meta    *unix.PerfEventMmapPage
	mapping []byte
	data    []byte
	mask    uint64
	tmpTail uint64

	scratchWords []uint64 // backing array keeps scratch 8-byte aligned
	scratch      []byte
}

func newPerfRing(fd int) (*perfRing, error) {
	pageSize := os.Getpagesize()
	size := (1 + perfMmapPages) * pageSize
	mapping, err := unix.Mmap(fd, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unable to mmap ring: %w", err)
	}

	r := &perfRing{
		meta:         (*unix.PerfEventMmapPage)(unsafe.Pointer(&mapping[0])),
		mapping:      mapping,
		data:         mapping[pageSize:],
		mask:         uint64(perfMmapPages*pageSize) - 1,
		scratchWords: make([]uint64, scratchSize/8),
	}
	r.scratch = unsafe.Slice((*byte)(unsafe.Pointer(&r.scratchWords[0])), scratchSize)
	r.tmpTail = atomic.LoadUint64(&r.meta.Data_tail)

	return r, nil
}

func (r *perfRing) loadHead() uint64 {
	return atomic.LoadUint64(&r.meta.Data_head)
}

// copyOut copies n bytes starting at the circular offset off.
func (r *perfRing) copyOut(dst []byte, off uint64) {
	for len(dst) > 0 {
		n := copy(dst, r.data[off&r.mask:])
		dst = dst[n:]
		off += uint64(n)
	}
}

// read returns the next complete record or errNoEvent. The returned
// slice points either into the mapping or into the single scratch
// slot; it is valid only until the next read on this ring.
func (r *perfRing) read() ([]byte, error) {
	head := r.loadHead()
	diff := head - r.tmpTail
	if diff < perfHeaderSize {
		return nil, errNoEvent
	}

	off := r.tmpTail & r.mask
	var hdr [perfHeaderSize]byte
	r.copyOut(hdr[:], off)
	size := uint64(hostOrder.Uint16(hdr[6:8]))
	if size < perfHeaderSize || size > scratchSize {
		return nil, fmt.Errorf("%w: size %d", ErrBadRecord, size)
	}
	if diff < size {
		return nil, errNoEvent
	}

	dataSize := r.mask + 1
	leftCont := dataSize - off
	if size <= leftCont {
		ev := r.data[off : off+size]
		r.tmpTail += size
		return ev, nil
	}
	// Wrapped, linearize head and tail fragments into the scratch slot
	copy(r.scratch, r.data[off:])
	copy(r.scratch[leftCont:], r.data[:size-leftCont])
	r.tmpTail += size

	return r.scratch[:size], nil
}

// consume publishes the shadow tail, releasing the consumed bytes
// back to the kernel.
func (r *perfRing) consume() {
	atomic.StoreUint64(&r.meta.Data_tail, r.tmpTail)
}

func (r *perfRing) close() {
	if r.mapping != nil {
		if err := unix.Munmap(r.mapping); err != nil {
			log.Warnf("unable to munmap ring: %v", err)
		}
		r.mapping = nil
		r.meta = nil
		r.data = nil
	}
}
