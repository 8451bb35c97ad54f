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
	"fmt"
	"strings"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// hostOrder is the byte order records arrive in; perf writes in
// native endianness.
var hostOrder = determineHostByteOrder()

func determineHostByteOrder() binary.ByteOrder {
	var i int32 = 0x01020304
	u := unsafe.Pointer(&i)
	pb := (*byte)(u)
	if *pb == 0x04 {
		return binary.LittleEndian
	}

	return binary.BigEndian
}

// maxPathLen bounds a reconstructed working directory
const maxPathLen = 4096

// perf record types and misc bits, from the perf_event ABI
const (
	perfRecordLost   = 2
	perfRecordComm   = 3
	perfRecordExit   = 4
	perfRecordFork   = 7
	perfRecordSample = 9

	perfRecordMiscCommExec = 0x2000
)

// sampleID is the kernel-appended trailer present on every record
// because sample_id_all is set; on PERF_RECORD_SAMPLE the same fields
// lead the record instead.
type sampleID struct {
	Pid  uint32
	Tid  uint32
	Time uint64
	CPU  uint32
	Res  uint32
}

const sampleIDSize = 24

// dataLoc points at a variable-length field appended after the fixed
// part of a tracefs record.
type dataLoc struct {
	Offset uint16
	Size   uint16
}

// taskSample is the on-wire layout of the task probes, 64-bit fields
// first, matching the argument order in taskSampleArgs.
type taskSample struct {
	ProbeIP        uint64
	CapInheritable uint64
	CapPermitted   uint64
	CapEffective   uint64
	CapBset        uint64
	CapAmbient     uint64
	StartTime      uint64
	StartBoottime  uint64
	RootK          uint64
	MntRootK       uint64
	PwdK           [maxPwd]uint64
	RootS          dataLoc
	MntRootS       dataLoc
	MntMountpointS dataLoc
	PwdS           [maxPwd]dataLoc
	UID            uint32
	GID            uint32
	SUID           uint32
	SGID           uint32
	EUID           uint32
	EGID           uint32
	Pid            uint32
	Tid            uint32
	ExitCode       int32
}

// execSample is the body of the sched_process_exec tracepoint
type execSample struct {
	Filename dataLoc
	Pid      int32
	OldPid   int32
}

// execConnectorSample is the body of the exec connector probe
type execConnectorSample struct {
	ProbeIP uint64
	Argc    uint64
	Stack   [execConnectorStackSlots]uint64
	Comm    dataLoc
}

// dataLocString copies the string a data-loc points at. The kernel
// NUL terminates these but we never trust it.
func dataLocString(data []byte, loc dataLoc) (string, error) {
	end := int(loc.Offset) + int(loc.Size)
	if loc.Size == 0 || end > len(data) {
		return "", fmt.Errorf("data-loc %d+%d outside record of %d bytes",
			loc.Offset, loc.Size, len(data))
	}

	return unix.ByteSliceToString(data[loc.Offset:end]), nil
}

// pathCtx is everything the task probe recorded about the working
// directory: the dentry chain leaf to root, keyed by the dentry
// pointer values.
type pathCtx struct {
	rootK         uint64
	mntRootK      uint64
	mntMountpoint string
	pwd           [maxPwd]struct {
		name string
		key  uint64
	}
}

// buildPath rebuilds the directory path by walking leaf to root. The
// walk stops at the filesystem root; crossing the mount root instead
// substitutes the mountpoint name, which places the path in the
// caller's namespace.
func buildPath(ctx *pathCtx) (string, error) {
	var comps []string
	total := 0
	for i := 0; i < maxPwd; i++ {
		key := ctx.pwd[i].key
		name := ctx.pwd[i].name
		if key == ctx.rootK {
			break
		}
		done := false
		if key == ctx.mntRootK {
			name = strings.TrimPrefix(ctx.mntMountpoint, "/")
			done = true
		}
		total += len(name) + 1
		if total > maxPathLen {
			return "", fmt.Errorf("path longer than %d bytes", maxPathLen)
		}
		comps = append(comps, name)
		if done {
			break
		}
	}
	if len(comps) == 0 {
		return "/", nil
	}

	var sb strings.Builder
	for i := len(comps) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(comps[i])
	}

	return sb.String(), nil
}

// decodeSample turns one PERF_RECORD_SAMPLE raw payload into a raw
// event. A nil event with nil error means the record was deliberately
// dropped.
func (q *Queue) decodeSample(data []byte, sid *sampleID) (*RawEvent, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("sample payload of %d bytes", len(data))
	}
	id := int(hostOrder.Uint16(data[0:2]))
	kind, err := sampleKindOfID(id)
	if err != nil {
		return nil, err
	}
	bodyOff := probeBodyOffset()
	if bodyOff < 0 || bodyOff > len(data) {
		return nil, fmt.Errorf("probe body offset %d outside record", bodyOff)
	}
	body := data[bodyOff:]

	switch kind {
	case ExecSample:
		var es execSample
		if err := binary.Read(bytes.NewReader(body), hostOrder, &es); err != nil {
			return nil, fmt.Errorf("unable to decode exec sample: %w", err)
		}
		raw := &RawEvent{Kind: RawExec}
		filename, err := dataLocString(data, es.Filename)
		if err != nil {
			log.Warnf("unable to copy exec filename: %v", err)
		}
		raw.Exec.Filename = filename
		return raw, nil

	case WakeUpNewTaskSample, ExitThreadSample:
		var ts taskSample
		if err := binary.Read(bytes.NewReader(body), hostOrder, &ts); err != nil {
			return nil, fmt.Errorf("unable to decode task sample: %w", err)
		}
		// A tid other than the pid means this is a thread, not a new process
		if q.flags&ThreadEvents == 0 && ts.Pid != ts.Tid {
			return nil, nil
		}
		raw := &RawEvent{}
		if kind == WakeUpNewTaskSample {
			raw.Kind = RawWakeUpNewTask
			// The sample fires in the parent; make it look like
			// an event of the child and keep the parent as ppid.
			raw.Pid = ts.Pid
			raw.Tid = ts.Tid
			raw.Task.Ppid = int32(sid.Pid)
			var pctx pathCtx
			pctx.rootK = ts.RootK
			pctx.mntRootK = ts.MntRootK
			pctx.mntMountpoint, _ = dataLocString(data, ts.MntMountpointS)
			for i := 0; i < maxPwd; i++ {
				pctx.pwd[i].key = ts.PwdK[i]
				pctx.pwd[i].name, _ = dataLocString(data, ts.PwdS[i])
			}
			cwd, err := buildPath(&pctx)
			if err != nil {
				log.Warnf("unable to build path: %v", err)
			}
			raw.Task.Cwd = cwd
			raw.Task.ExitCode = -1
		} else {
			raw.Kind = RawExitThread
			// Exit fires in the exiting task itself; its parent
			// is not on the wire.
			raw.Task.Ppid = -1
			raw.Task.ExitCode = (ts.ExitCode >> 8) & 0xff
			raw.Task.ExitTime = sid.Time
		}
		raw.Task.CapInheritable = ts.CapInheritable
		raw.Task.CapPermitted = ts.CapPermitted
		raw.Task.CapEffective = ts.CapEffective
		raw.Task.CapBset = ts.CapBset
		raw.Task.CapAmbient = ts.CapAmbient
		raw.Task.StartTime = ts.StartTime
		raw.Task.StartBoottime = ts.StartBoottime
		raw.Task.UID = ts.UID
		raw.Task.GID = ts.GID
		raw.Task.SUID = ts.SUID
		raw.Task.SGID = ts.SGID
		raw.Task.EUID = ts.EUID
		raw.Task.EGID = ts.EGID
		return raw, nil

	case ExecConnectorSample:
		var ec execConnectorSample
		if err := binary.Read(bytes.NewReader(body), hostOrder, &ec); err != nil {
			return nil, fmt.Errorf("unable to decode exec connector sample: %w", err)
		}
		raw := &RawEvent{Kind: RawExecConnector}
		stack := body[16 : 16+execConnectorStackSlots*8]
		argsLen := argvLength(stack, int(int32(ec.Argc)))
		raw.ExecConnector.ArgsLen = argsLen
		if argsLen > 0 {
			args := make([]byte, argsLen)
			copy(args, stack[:argsLen])
			args[argsLen-1] = 0
			raw.ExecConnector.Args = args
		}
		comm, err := dataLocString(data, ec.Comm)
		if err != nil {
			log.Warnf("unable to copy comm: %v", err)
		}
		if len(comm) > commLen {
			comm = comm[:commLen]
		}
		raw.ExecConnector.Comm = comm
		return raw, nil
	}

	return nil, fmt.Errorf("unknown sample id %d", id)
}

// argvLength finds where the argc-th NUL terminated string ends
// inside the captured stack bytes, clamped to the capture.
func argvLength(stack []byte, argc int) int {
	p := 0
	for i := 0; i < argc && p < len(stack); i++ {
		next := bytes.IndexByte(stack[p:], 0)
		if next == -1 {
			return len(stack)
		}
		p += next + 1
	}

	return p
}

// decodeRecord normalizes one perf record into a raw event. Dropped
// and swallowed records return (nil, nil); errors are per-record and
// leave the ring usable.
func (q *Queue) decodeRecord(rec []byte) (*RawEvent, error) {
	if len(rec) < perfHeaderSize {
		return nil, fmt.Errorf("record of %d bytes", len(rec))
	}
	typ := hostOrder.Uint32(rec[0:4])
	misc := hostOrder.Uint16(rec[4:6])

	var raw *RawEvent
	var sid sampleID
	haveSid := false

	switch typ {
	case perfRecordSample:
		if len(rec) < perfHeaderSize+sampleIDSize+4 {
			return nil, fmt.Errorf("short sample record of %d bytes", len(rec))
		}
		sid = parseSampleID(rec[perfHeaderSize:])
		rawSize := int(hostOrder.Uint32(rec[perfHeaderSize+sampleIDSize:]))
		start := perfHeaderSize + sampleIDSize + 4
		if start+rawSize > len(rec) {
			return nil, fmt.Errorf("sample data of %d bytes overflows record", rawSize)
		}
		var err error
		raw, err = q.decodeSample(rec[start:start+rawSize], &sid)
		if err != nil {
			return nil, err
		}
		haveSid = raw != nil

	case perfRecordComm:
		// An exec implies a comm change; we get comm from the exec
		// connector probe there, so drop the duplicate.
		if misc&perfRecordMiscCommExec != 0 {
			return nil, nil
		}
		if len(rec) < 16+sampleIDSize {
			return nil, fmt.Errorf("short comm record of %d bytes", len(rec))
		}
		pid := hostOrder.Uint32(rec[8:12])
		tid := hostOrder.Uint32(rec[12:16])
		if q.flags&ThreadEvents == 0 && pid != tid {
			return nil, nil
		}
		comm := unix.ByteSliceToString(rec[16:])
		if len(comm) > commLen-1 {
			comm = comm[:commLen-1]
		}
		// comm is variable length; the trailer starts at the next
		// 8-byte boundary past its NUL.
		sidOff := alignUp(16+len(comm)+1, 8)
		if sidOff+sampleIDSize > len(rec) {
			return nil, fmt.Errorf("comm record of %d bytes has no trailer", len(rec))
		}
		sid = parseSampleID(rec[sidOff:])
		haveSid = true
		raw = &RawEvent{Kind: RawComm}
		raw.Comm.Comm = comm

	case perfRecordFork, perfRecordExit:
		// Implied by comm being set on the leader; the task probes
		// already cover both, so swallow them.

	case perfRecordLost:
		if len(rec) >= 24 {
			lost := hostOrder.Uint64(rec[16:24])
			q.stats.Lost += lost
			lostRecords.Add(float64(lost))
		}

	default:
		log.Warnf("unhandled record type %d", typ)
	}

	if raw != nil && haveSid {
		// Wake-up overloads pid/tid with the child's ids; for
		// everything else take them from the sample id. The trailer
		// tid always wins.
		if raw.Pid == 0 {
			raw.Pid = sid.Pid
		}
		raw.Opid = sid.Pid
		raw.Tid = sid.Tid
		raw.Time = sid.Time
		raw.CPU = sid.CPU
	}

	return raw, nil
}

func parseSampleID(b []byte) sampleID {
	return sampleID{
		Pid:  hostOrder.Uint32(b[0:4]),
		Tid:  hostOrder.Uint32(b[4:8]),
		Time: hostOrder.Uint64(b[8:16]),
		CPU:  hostOrder.Uint32(b[16:20]),
		Res:  hostOrder.Uint32(b[20:24]),
	}
}

func alignUp(n, b int) int {
	return (n + b - 1) &^ (b - 1)
}
