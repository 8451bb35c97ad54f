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
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testExecID      = 100
	testWakeUpID    = 101
	testExitID      = 102
	testConnectorID = 103
)

func setupDecoder(t *testing.T) {
	t.Helper()
	savedOff := registry.probeBodyOffset
	registry.probeBodyOffset = 8
	setSampleKind(testExecID, ExecSample)
	setSampleKind(testWakeUpID, WakeUpNewTaskSample)
	setSampleKind(testExitID, ExitThreadSample)
	setSampleKind(testConnectorID, ExecConnectorSample)
	t.Cleanup(func() {
		registry.probeBodyOffset = savedOff
		for _, id := range []int{testExecID, testWakeUpID, testExitID, testConnectorID} {
			setSampleKind(id, 0)
		}
	})
}

// makeSampleRecord assembles a PERF_RECORD_SAMPLE: header, leading
// sample id, raw size, then an 8 byte common area holding the
// tracefs id followed by the probe body and appended strings.
func makeSampleRecord(id uint16, sid sampleID, body, tail []byte) []byte {
	data := make([]byte, 8)
	hostOrder.PutUint16(data[0:2], id)
	data = append(data, body...)
	data = append(data, tail...)

	size := perfHeaderSize + sampleIDSize + 4 + len(data)
	rec := make([]byte, 0, size)
	var hdr [perfHeaderSize]byte
	hostOrder.PutUint32(hdr[0:4], perfRecordSample)
	hostOrder.PutUint16(hdr[6:8], uint16(size))
	rec = append(rec, hdr[:]...)

	var buf bytes.Buffer
	binary.Write(&buf, hostOrder, &sid)
	rec = append(rec, buf.Bytes()...)

	var rawSize [4]byte
	hostOrder.PutUint32(rawSize[:], uint32(len(data)))
	rec = append(rec, rawSize[:]...)

	return append(rec, data...)
}

func marshalBody(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.Nil(t, binary.Write(&buf, hostOrder, v))
	return buf.Bytes()
}

func TestDecodeExecSample(t *testing.T) {
	setupDecoder(t)
	q := &Queue{}

	filename := "/usr/bin/true"
	body := marshalBody(t, &execSample{
		Filename: dataLoc{Offset: 8 + 12, Size: uint16(len(filename) + 1)},
		Pid:      1234,
		OldPid:   1234,
	})
	sid := sampleID{Pid: 1234, Tid: 1234, Time: 111, CPU: 2}
	rec := makeSampleRecord(testExecID, sid, body, append([]byte(filename), 0))

	raw, err := q.decodeRecord(rec)
	require.Nil(t, err)
	require.NotNil(t, raw)
	require.Equal(t, RawExec, raw.Kind)
	require.Equal(t, filename, raw.Exec.Filename)
	require.Equal(t, uint32(1234), raw.Pid)
	require.Equal(t, uint32(1234), raw.Tid)
	require.Equal(t, uint64(111), raw.Time)
	require.Equal(t, uint32(2), raw.CPU)
}

func taskBody(t *testing.T, ts *taskSample, names map[int]string) []byte {
	t.Helper()
	// Strings get appended after the fixed body; data-locs are
	// relative to the start of the whole raw payload.
	bodyLen := len(marshalBody(t, ts))
	var tail []byte
	off := 8 + bodyLen
	for i := 0; i < maxPwd; i++ {
		name := names[i]
		ts.PwdS[i] = dataLoc{Offset: uint16(off + len(tail)), Size: uint16(len(name) + 1)}
		tail = append(tail, name...)
		tail = append(tail, 0)
	}
	mnt := names[-1]
	ts.MntMountpointS = dataLoc{Offset: uint16(off + len(tail)), Size: uint16(len(mnt) + 1)}
	tail = append(tail, mnt...)
	tail = append(tail, 0)

	return append(marshalBody(t, ts), tail...)
}

func TestDecodeWakeUpSample(t *testing.T) {
	setupDecoder(t)
	q := &Queue{}

	const rootK = 0xdead
	ts := &taskSample{
		CapEffective:  0x1ff,
		StartTime:     1000,
		StartBoottime: 2000,
		RootK:         rootK,
		MntRootK:      0xbeef,
		UID:           1000,
		GID:           1000,
		EUID:          0,
		Pid:           500,
		Tid:           500,
	}
	ts.PwdK[0] = 1
	ts.PwdK[1] = 2
	ts.PwdK[2] = rootK
	body := taskBody(t, ts, map[int]string{0: "foo", 1: "bar", 2: "home", -1: "mnt"})

	sid := sampleID{Pid: 77, Tid: 78, Time: 42, CPU: 1}
	rec := makeSampleRecord(testWakeUpID, sid, body, nil)

	raw, err := q.decodeRecord(rec)
	require.Nil(t, err)
	require.NotNil(t, raw)
	require.Equal(t, RawWakeUpNewTask, raw.Kind)
	require.Equal(t, uint32(500), raw.Pid)
	// The sample fires in the parent: ppid comes from the sample id,
	// and the trailer tid always wins
	require.Equal(t, int32(77), raw.Task.Ppid)
	require.Equal(t, uint32(77), raw.Opid)
	require.Equal(t, uint32(78), raw.Tid)
	require.Equal(t, "/bar/foo", raw.Task.Cwd)
	require.Equal(t, uint64(0x1ff), raw.Task.CapEffective)
	require.Equal(t, uint64(2000), raw.Task.StartBoottime)
	require.Equal(t, uint32(1000), raw.Task.UID)
	require.Equal(t, int32(-1), raw.Task.ExitCode)
}

func TestDecodeWakeUpMountCrossing(t *testing.T) {
	setupDecoder(t)
	q := &Queue{}

	const mntRootK = 0xbeef
	ts := &taskSample{RootK: 0xdead, MntRootK: mntRootK, Pid: 500, Tid: 500}
	ts.PwdK[0] = 1
	ts.PwdK[1] = mntRootK
	body := taskBody(t, ts, map[int]string{0: "foo", 1: "ignored", -1: "mnt"})

	rec := makeSampleRecord(testWakeUpID, sampleID{Pid: 1, Tid: 1, Time: 1}, body, nil)
	raw, err := q.decodeRecord(rec)
	require.Nil(t, err)
	require.NotNil(t, raw)
	require.Equal(t, "/mnt/foo", raw.Task.Cwd)
}

func TestDecodeExitSample(t *testing.T) {
	setupDecoder(t)
	q := &Queue{}

	ts := &taskSample{Pid: 900, Tid: 900, ExitCode: 0x0B00}
	body := taskBody(t, ts, map[int]string{})
	sid := sampleID{Pid: 900, Tid: 900, Time: 555}
	rec := makeSampleRecord(testExitID, sid, body, nil)

	raw, err := q.decodeRecord(rec)
	require.Nil(t, err)
	require.NotNil(t, raw)
	require.Equal(t, RawExitThread, raw.Kind)
	require.Equal(t, int32(11), raw.Task.ExitCode)
	require.Equal(t, uint64(555), raw.Task.ExitTime)
	require.Equal(t, int32(-1), raw.Task.Ppid)
}

func TestDecodeThreadDrop(t *testing.T) {
	setupDecoder(t)

	ts := &taskSample{Pid: 900, Tid: 901, ExitCode: 0}
	body := taskBody(t, ts, map[int]string{})
	rec := makeSampleRecord(testExitID, sampleID{Pid: 900, Tid: 901, Time: 1}, body, nil)

	q := &Queue{}
	raw, err := q.decodeRecord(rec)
	require.Nil(t, err)
	require.Nil(t, raw)

	q = &Queue{flags: ThreadEvents}
	raw, err = q.decodeRecord(rec)
	require.Nil(t, err)
	require.NotNil(t, raw)
}

func TestDecodeExecConnector(t *testing.T) {
	setupDecoder(t)
	q := &Queue{}

	comm := "ls"
	ec := &execConnectorSample{Argc: 2}
	argv := []byte("ls\x00-la\x00")
	for i, b := range argv {
		ec.Stack[i/8] |= uint64(b) << (8 * (i % 8))
	}
	bodyLen := len(marshalBody(t, ec))
	ec.Comm = dataLoc{Offset: uint16(8 + bodyLen), Size: uint16(len(comm) + 1)}
	body := marshalBody(t, ec)

	rec := makeSampleRecord(testConnectorID, sampleID{Pid: 321, Tid: 321, Time: 9}, body,
		append([]byte(comm), 0))
	raw, err := q.decodeRecord(rec)
	require.Nil(t, err)
	require.NotNil(t, raw)
	require.Equal(t, RawExecConnector, raw.Kind)
	require.Equal(t, len(argv), raw.ExecConnector.ArgsLen)
	require.Equal(t, []byte("ls\x00-la\x00"), raw.ExecConnector.Args)
	require.Equal(t, "ls", raw.ExecConnector.Comm)
	require.Equal(t, uint32(321), raw.Pid)
}

func TestDecodeUnknownSampleID(t *testing.T) {
	setupDecoder(t)
	q := &Queue{}

	rec := makeSampleRecord(999, sampleID{}, make([]byte, 16), nil)
	raw, err := q.decodeRecord(rec)
	require.NotNil(t, err)
	require.Nil(t, raw)
}

func makeCommRecord(pid, tid uint32, comm string, misc uint16, sid sampleID) []byte {
	n := len(comm) + 1
	sidOff := alignUp(16+n, 8)
	size := sidOff + sampleIDSize

	rec := make([]byte, size)
	hostOrder.PutUint32(rec[0:4], perfRecordComm)
	hostOrder.PutUint16(rec[4:6], misc)
	hostOrder.PutUint16(rec[6:8], uint16(size))
	hostOrder.PutUint32(rec[8:12], pid)
	hostOrder.PutUint32(rec[12:16], tid)
	copy(rec[16:], comm)

	var buf bytes.Buffer
	binary.Write(&buf, hostOrder, &sid)
	copy(rec[sidOff:], buf.Bytes())

	return rec
}

func TestDecodeComm(t *testing.T) {
	q := &Queue{}

	sid := sampleID{Pid: 10, Tid: 10, Time: 77, CPU: 3}
	raw, err := q.decodeRecord(makeCommRecord(10, 10, "bash", 0, sid))
	require.Nil(t, err)
	require.NotNil(t, raw)
	require.Equal(t, RawComm, raw.Kind)
	require.Equal(t, "bash", raw.Comm.Comm)
	require.Equal(t, uint32(10), raw.Pid)
	require.Equal(t, uint64(77), raw.Time)

	// comm records caused by exec are recoverable from the exec
	// connector probe and get dropped
	raw, err = q.decodeRecord(makeCommRecord(10, 10, "bash", perfRecordMiscCommExec, sid))
	require.Nil(t, err)
	require.Nil(t, raw)

	// thread granularity comm drops without the flag
	raw, err = q.decodeRecord(makeCommRecord(10, 11, "bash", 0, sid))
	require.Nil(t, err)
	require.Nil(t, raw)
}

func TestDecodeLost(t *testing.T) {
	q := &Queue{}

	rec := make([]byte, 24+sampleIDSize)
	hostOrder.PutUint32(rec[0:4], perfRecordLost)
	hostOrder.PutUint16(rec[6:8], uint16(len(rec)))
	hostOrder.PutUint64(rec[8:16], 1) // id
	hostOrder.PutUint64(rec[16:24], 5)

	raw, err := q.decodeRecord(rec)
	require.Nil(t, err)
	require.Nil(t, raw)
	require.Equal(t, uint64(5), q.stats.Lost)
}

func TestDecodeForkExitSwallowed(t *testing.T) {
	q := &Queue{}

	for _, typ := range []uint32{perfRecordFork, perfRecordExit} {
		rec := make([]byte, 56)
		hostOrder.PutUint32(rec[0:4], typ)
		hostOrder.PutUint16(rec[6:8], uint16(len(rec)))
		raw, err := q.decodeRecord(rec)
		require.Nil(t, err)
		require.Nil(t, raw)
	}
}

func TestBuildPathEmpty(t *testing.T) {
	ctx := &pathCtx{rootK: 7}
	for i := range ctx.pwd {
		ctx.pwd[i].key = 7
	}
	p, err := buildPath(ctx)
	require.Nil(t, err)
	require.Equal(t, "/", p)
}

func TestBuildPathTooLong(t *testing.T) {
	ctx := &pathCtx{rootK: 7, mntRootK: 8}
	long := make([]byte, maxPathLen)
	for i := range long {
		long[i] = 'a'
	}
	for i := range ctx.pwd {
		ctx.pwd[i].key = uint64(100 + i)
		ctx.pwd[i].name = string(long)
	}
	_, err := buildPath(ctx)
	require.NotNil(t, err)
}

func TestArgvLength(t *testing.T) {
	stack := []byte("ls\x00-la\x00garbage")
	require.Equal(t, 7, argvLength(stack, 2))
	require.Equal(t, 3, argvLength(stack, 1))
	require.Equal(t, 0, argvLength(stack, 0))
	// argc larger than what was captured clamps to the buffer
	require.Equal(t, len(stack), argvLength(stack, 50))
}
