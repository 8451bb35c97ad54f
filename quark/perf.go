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
	"fmt"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// perfGroupLeader is the per-CPU exec tracepoint event that owns the
// ring buffer every other probe on that CPU writes into.
type perfGroupLeader struct {
	fd   int
	cpu  int
	ring *perfRing
}

// kprobeState is one installed probe attached on one CPU, output
// redirected into that CPU's group leader.
type kprobeState struct {
	k       *Kprobe
	fd      int
	cpu     int
	groupFd int
}

// perfAttrInit is the attr template shared by leaders and members: we
// want every event, stamped with tid, monotonic time and cpu, plus
// the raw tracepoint payload.
func perfAttrInit(id int) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_TRACEPOINT,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: uint64(id),
		Sample: 1, // sample_period, we want all events
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
			unix.PERF_SAMPLE_CPU | unix.PERF_SAMPLE_RAW,
		Bits:    unix.PerfBitDisabled | unix.PerfBitUseClockID,
		Clockid: unix.CLOCK_MONOTONIC,
	}
}

// openGroupLeader opens the exec tracepoint on one CPU and maps its
// ring. Putting exec on the leader saves one fd per cpu; comm and
// comm_exec make the kernel feed us comm records on the same ring.
func openGroupLeader(cpu int) (*perfGroupLeader, error) {
	id, err := fetchTracingID("events/sched/sched_process_exec/id")
	if err != nil {
		return nil, err
	}

	attr := perfAttrInit(id)
	attr.Bits |= unix.PerfBitComm | unix.PerfBitCommExec |
		unix.PerfBitSampleIDAll | unix.PerfBitWatermark
	attr.Wakeup = uint32(perfMmapPages*os.Getpagesize()) / 10

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unable to open group leader on cpu %d: %w", cpu, err)
	}
	ring, err := newPerfRing(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSampleKind(id, ExecSample)

	return &perfGroupLeader{fd: fd, cpu: cpu, ring: ring}, nil
}

func (pgl *perfGroupLeader) close() {
	if pgl.fd != -1 {
		if err := unix.IoctlSetInt(pgl.fd, unix.PERF_EVENT_IOC_DISABLE,
			unix.PERF_IOC_FLAG_GROUP); err != nil {
			log.Warnf("unable to disable group on cpu %d: %v", pgl.cpu, err)
		}
		unix.Close(pgl.fd)
		pgl.fd = -1
	}
	if pgl.ring != nil {
		pgl.ring.close()
		pgl.ring = nil
	}
}

// openKprobeState opens the probe's tracefs event on one CPU and
// redirects its output into the CPU's group leader.
func openKprobeState(k *Kprobe, cpu, groupFd int) (*kprobeState, error) {
	id, err := fetchTracingID(fmt.Sprintf("events/kprobes/%s/id", k.Name))
	if err != nil {
		return nil, err
	}

	attr := perfAttrInit(id)
	fd, err := unix.PerfEventOpen(&attr, -1, cpu, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s on cpu %d: %w", k.Name, cpu, err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, groupFd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to redirect %s output: %w", k.Name, err)
	}
	setSampleKind(id, k.SampleKind)

	return &kprobeState{k: k, fd: fd, cpu: cpu, groupFd: groupFd}, nil
}

func (ks *kprobeState) close() {
	if ks.fd != -1 {
		unix.Close(ks.fd)
		ks.fd = -1
	}
}
