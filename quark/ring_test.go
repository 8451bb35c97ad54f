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
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestRing builds a ring over plain memory, no perf fd involved
func newTestRing(dataSize int) *perfRing {
	r := &perfRing{
		meta:         &unix.PerfEventMmapPage{},
		data:         make([]byte, dataSize),
		mask:         uint64(dataSize) - 1,
		scratchWords: make([]uint64, scratchSize/8),
	}
	r.scratch = unsafe.Slice((*byte)(unsafe.Pointer(&r.scratchWords[0])), scratchSize)

	return r
}

// produce appends one record at the current head, wrapping like the
// kernel does, and publishes the new head.
func produce(r *perfRing, typ uint32, body []byte) []byte {
	size := perfHeaderSize + len(body)
	rec := make([]byte, size)
	hostOrder.PutUint32(rec[0:4], typ)
	hostOrder.PutUint16(rec[6:8], uint16(size))
	copy(rec[perfHeaderSize:], body)

	head := atomic.LoadUint64(&r.meta.Data_head)
	for i, b := range rec {
		r.data[(head+uint64(i))&r.mask] = b
	}
	atomic.StoreUint64(&r.meta.Data_head, head+uint64(size))

	return rec
}

// producePad fills n bytes of the ring with pad records, none larger
// than the scratch slot so each one reads back, and returns how many
// records it wrote.
func producePad(r *perfRing, n int) int {
	count := 0
	for n > 0 {
		size := n
		if size > scratchSize {
			size = scratchSize
		}
		produce(r, perfRecordSample, make([]byte, size-perfHeaderSize))
		n -= size
		count++
	}

	return count
}

func requireRingInvariant(t *testing.T, r *perfRing) {
	t.Helper()
	tail := atomic.LoadUint64(&r.meta.Data_tail)
	head := atomic.LoadUint64(&r.meta.Data_head)
	require.LessOrEqual(t, tail, r.tmpTail)
	require.LessOrEqual(t, r.tmpTail, head)
}

func TestRingEmpty(t *testing.T) {
	r := newTestRing(1 << 16)
	_, err := r.read()
	require.True(t, errors.Is(err, errNoEvent))
}

func TestRingSingleRecord(t *testing.T) {
	r := newTestRing(1 << 16)
	body := make([]byte, 24)
	for i := range body {
		body[i] = byte(i)
	}
	want := produce(r, perfRecordSample, body)

	got, err := r.read()
	require.Nil(t, err)
	require.Equal(t, want, got)
	requireRingInvariant(t, r)

	// Nothing published until consume
	require.Equal(t, uint64(0), atomic.LoadUint64(&r.meta.Data_tail))
	r.consume()
	require.Equal(t, r.tmpTail, atomic.LoadUint64(&r.meta.Data_tail))

	_, err = r.read()
	require.True(t, errors.Is(err, errNoEvent))
}

// A batch of records comes back in ring order and leaves the ring
// empty, shadow tail on head.
func TestRingDrain(t *testing.T) {
	r := newTestRing(1 << 16)
	var want [][]byte
	for i := 0; i < 100; i++ {
		body := make([]byte, 16+8*(i%5))
		body[0] = byte(i)
		want = append(want, produce(r, perfRecordSample, body))
	}

	for i := 0; i < 100; i++ {
		got, err := r.read()
		require.Nil(t, err)
		require.Equal(t, want[i], got, "record %d", i)
		requireRingInvariant(t, r)
	}
	_, err := r.read()
	require.True(t, errors.Is(err, errNoEvent))
	require.Equal(t, atomic.LoadUint64(&r.meta.Data_head), r.tmpTail)
	r.consume()
	require.Equal(t, r.tmpTail, atomic.LoadUint64(&r.meta.Data_tail))
}

// A record that exactly fills the remaining contiguous span must
// come back zero-copy, straight out of the mapping.
func TestRingExactFit(t *testing.T) {
	dataSize := 1 << 16
	r := newTestRing(dataSize)

	for i := producePad(r, dataSize-40); i > 0; i-- {
		_, err := r.read()
		require.Nil(t, err)
	}

	want := produce(r, perfRecordSample, make([]byte, 40-perfHeaderSize))
	got, err := r.read()
	require.Nil(t, err)
	require.Equal(t, want, got)
	require.Same(t, &r.data[dataSize-40], &got[0])
	require.Equal(t, uint64(dataSize), r.tmpTail)
}

// A 40 byte record starting 16 bytes before the end must come back
// linearized from both fragments.
func TestRingWrappedRecord(t *testing.T) {
	dataSize := 1 << 16
	r := newTestRing(dataSize)

	for i := producePad(r, dataSize-16); i > 0; i-- {
		_, err := r.read()
		require.Nil(t, err)
	}
	r.consume()

	body := make([]byte, 40-perfHeaderSize)
	for i := range body {
		body[i] = byte(0xa0 + i)
	}
	want := produce(r, perfRecordSample, body)

	got, err := r.read()
	require.Nil(t, err)
	require.Equal(t, 40, len(got))
	require.Equal(t, want, got)
	// It cannot be a slice of the mapping, it wrapped
	require.Same(t, &r.scratch[0], &got[0])
	requireRingInvariant(t, r)
}

// A record with its header on the wrap boundary still parses.
func TestRingHeaderOnBoundary(t *testing.T) {
	dataSize := 1 << 16
	r := newTestRing(dataSize)

	for i := producePad(r, dataSize-perfHeaderSize); i > 0; i-- {
		_, err := r.read()
		require.Nil(t, err)
	}

	// Header occupies the last 8 bytes, body wraps entirely
	want := produce(r, perfRecordSample, make([]byte, 32))
	got, err := r.read()
	require.Nil(t, err)
	require.Equal(t, want, got)
}

// Oversized records mean the ring is done for: error, not crash.
func TestRingOversizedRecord(t *testing.T) {
	r := newTestRing(1 << 16)
	produce(r, perfRecordSample, make([]byte, scratchSize))

	_, err := r.read()
	require.True(t, errors.Is(err, ErrBadRecord))
}

// A partially written record stays invisible until the kernel
// publishes the full size.
func TestRingShortRead(t *testing.T) {
	r := newTestRing(1 << 16)

	rec := make([]byte, 4)
	hostOrder.PutUint32(rec, perfRecordSample)
	copy(r.data, rec)
	atomic.StoreUint64(&r.meta.Data_head, 4)

	_, err := r.read()
	require.True(t, errors.Is(err, errNoEvent))
}
