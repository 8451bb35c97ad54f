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
	"runtime"
	"strings"
	"time"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Queue flags
const (
	// KprobeBackend selects the tracefs kprobe + perf backend; it is
	// currently the only one and must be set.
	KprobeBackend = 1 << iota
	// ThreadEvents delivers per-thread granularity events instead of
	// dropping tid != pid
	ThreadEvents
)

// ErrNotSupported means no requested backend is available
var ErrNotSupported = errors.New("backend not supported")

const (
	defaultMaxLength = 10000
	defaultHoldTime  = 100 * time.Millisecond
)

// Config carries queue tuning; the zero value of everything but
// Flags is usable.
type Config struct {
	// Flags must include KprobeBackend
	Flags int
	// MaxLength bounds how many raw events the queue holds before
	// populate stops draining
	MaxLength int
	// HoldTime is how long events linger for aggregation before
	// GetEvents hands them out
	HoldTime time.Duration
}

// Queue owns one ring per CPU with every probe attached to it, plus
// the time-ordered event storage between the rings and the caller.
// All methods are meant for a single owner; only the kernel runs
// concurrently with us, on the far side of each ring.
type Queue struct {
	flags     int
	maxLength int
	holdTime  time.Duration

	leaders []*perfGroupLeader
	kstates []*kprobeState
	epollFd int

	byTime    *btree.BTreeG[*RawEvent]
	byPidTime *btree.BTreeG[*RawEvent]
	length    int
	nextSeq   uint64

	stats Stats
	refed bool
}

func lessByTime(a, b *RawEvent) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	return a.seq < b.seq
}

func lessByPidTime(a, b *RawEvent) bool {
	if a.Pid != b.Pid {
		return a.Pid < b.Pid
	}
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	return a.seq < b.seq
}

// Open installs the probe set (first queue in the process does the
// real work), opens one ring per CPU, attaches every probe to every
// ring and enables the groups.
func Open(cfg Config) (*Queue, error) {
	if cfg.Flags&KprobeBackend == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotSupported, cfg.Flags)
	}

	q := &Queue{
		flags:     cfg.Flags,
		maxLength: cfg.MaxLength,
		holdTime:  cfg.HoldTime,
		epollFd:   -1,
		byTime:    btree.NewG(8, lessByTime),
		byPidTime: btree.NewG(8, lessByPidTime),
	}
	if q.maxLength <= 0 {
		q.maxLength = defaultMaxLength
	}
	if q.holdTime <= 0 {
		q.holdTime = defaultHoldTime
	}

	if err := kprobeRef(); err != nil {
		return nil, err
	}
	q.refed = true

	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		pgl, err := openGroupLeader(cpu)
		if err != nil {
			q.Close()
			return nil, err
		}
		q.leaders = append(q.leaders, pgl)
	}

	for _, k := range allKprobes {
		for _, pgl := range q.leaders {
			ks, err := openKprobeState(k, pgl.cpu, pgl.fd)
			if err != nil {
				q.Close()
				return nil, err
			}
			q.kstates = append(q.kstates, ks)
		}
	}

	for _, pgl := range q.leaders {
		if err := unix.IoctlSetInt(pgl.fd, unix.PERF_EVENT_IOC_RESET,
			unix.PERF_IOC_FLAG_GROUP); err != nil {
			q.Close()
			return nil, fmt.Errorf("unable to reset group on cpu %d: %w", pgl.cpu, err)
		}
		if err := unix.IoctlSetInt(pgl.fd, unix.PERF_EVENT_IOC_ENABLE,
			unix.PERF_IOC_FLAG_GROUP); err != nil {
			q.Close()
			return nil, fmt.Errorf("unable to enable group on cpu %d: %w", pgl.cpu, err)
		}
	}

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("unable to create epoll instance: %w", err)
	}
	q.epollFd = epollFd
	for _, pgl := range q.leaders {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pgl.fd)}
		if err := unix.EpollCtl(q.epollFd, unix.EPOLL_CTL_ADD, pgl.fd, &ev); err != nil {
			q.Close()
			return nil, fmt.Errorf("unable to poll ring on cpu %d: %w", pgl.cpu, err)
		}
	}

	return q, nil
}

// Populate drains the rings round-robin into the ordered trees, up
// to the queue bound. It never blocks; it stops once every ring came
// up empty in a full pass. Returns how many events were inserted.
func (q *Queue) Populate() (int, error) {
	npop := 0
	for q.length < q.maxLength {
		emptyRings := 0
		for _, pgl := range q.leaders {
			rec, err := pgl.ring.read()
			if err == errNoEvent {
				emptyRings++
				continue
			}
			if err != nil {
				// The ring state is unrecoverable past this point
				return npop, err
			}
			emptyRings = 0
			raw, err := q.decodeRecord(rec)
			if err != nil {
				q.stats.DecodeErrors++
				decodeErrors.Inc()
				log.Warnf("dropping record: %v", err)
			}
			if raw != nil {
				q.insert(raw)
				npop++
			}
			pgl.ring.consume()
		}
		if emptyRings == len(q.leaders) {
			break
		}
	}

	return npop, nil
}

func leaderKind(k RawKind) bool {
	return k == RawWakeUpNewTask || k == RawExec || k == RawExecConnector
}

// insert places raw in both orderings, or aggregates it behind the
// most recent event of the same pid so GetEvents can emit one
// combined process event.
func (q *Queue) insert(raw *RawEvent) {
	raw.seq = q.nextSeq
	q.nextSeq++
	q.stats.Insertions++
	insertions.Inc()
	q.length++

	if raw.Kind != RawWakeUpNewTask {
		if leader := q.lastOfPid(raw.Pid); leader != nil && leaderKind(leader.Kind) {
			leader.agg = append(leader.agg, raw)
			q.stats.Aggregations++
			aggregations.Inc()
			return
		}
	}
	q.stats.NonAggregations++
	q.byTime.ReplaceOrInsert(raw)
	q.byPidTime.ReplaceOrInsert(raw)
}

// lastOfPid finds the newest tree event of pid, if any.
func (q *Queue) lastOfPid(pid uint32) *RawEvent {
	pivot := &RawEvent{Pid: pid, Time: ^uint64(0), seq: ^uint64(0)}
	var found *RawEvent
	q.byPidTime.DescendLessOrEqual(pivot, func(r *RawEvent) bool {
		if r.Pid == pid {
			found = r
		}
		return false
	})

	return found
}

// Block waits until at least one ring is readable. Blocking policy
// beyond that, signals included, belongs to the caller.
func (q *Queue) Block() error {
	events := make([]unix.EpollEvent, len(q.leaders))
	_, err := unix.EpollWait(q.epollFd, events, -1)
	if err != nil {
		return fmt.Errorf("unable to wait on rings: %w", err)
	}

	return nil
}

// GetFds returns the readiness descriptors, one per ring, for
// callers that run their own poll loop.
func (q *Queue) GetFds() []int {
	fds := make([]int, 0, len(q.leaders))
	for _, pgl := range q.leaders {
		fds = append(fds, pgl.fd)
	}

	return fds
}

func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}

	return uint64(ts.Nano())
}

// GetEvents fills out with events old enough to have finished
// aggregating, oldest first, and returns how many were written.
func (q *Queue) GetEvents(out []Event) int {
	now := monotonicNow()
	hold := uint64(q.holdTime.Nanoseconds())

	n := 0
	for n < len(out) {
		min, ok := q.byTime.Min()
		if !ok {
			break
		}
		if now != 0 && min.Time+hold > now {
			break
		}
		q.byTime.Delete(min)
		q.byPidTime.Delete(min)
		removed := 1 + len(min.agg)
		q.length -= removed
		q.stats.Removals += uint64(removed)
		removals.Add(float64(removed))
		out[n] = aggregateEvent(min)
		n++
	}

	return n
}

// aggregateEvent folds a raw event and its FIFO of siblings into one
// process event.
func aggregateEvent(leader *RawEvent) Event {
	ev := Event{Pid: leader.Pid}
	applyRaw(&ev, leader)
	for _, r := range leader.agg {
		applyRaw(&ev, r)
	}

	return ev
}

func applyRaw(ev *Event, r *RawEvent) {
	switch r.Kind {
	case RawWakeUpNewTask:
		ev.Events |= EventFork
		ev.Fields |= FieldProc | FieldCwd
		applyTask(ev, &r.Task)
		ev.ProcTimeStartEvent = r.Time
		ev.Cwd = r.Task.Cwd
	case RawExec:
		ev.Events |= EventExec
		ev.Fields |= FieldFilename
		ev.Filename = r.Exec.Filename
	case RawExitThread:
		ev.Events |= EventExit
		ev.Fields |= FieldExit | FieldProc
		applyTask(ev, &r.Task)
		ev.ExitCode = r.Task.ExitCode
		ev.ExitTimeEvent = r.Task.ExitTime
	case RawComm:
		ev.Events |= EventSetproctitle
		ev.Fields |= FieldComm
		ev.Comm = r.Comm.Comm
	case RawExecConnector:
		ev.Events |= EventExec
		ev.Fields |= FieldCmdline | FieldComm
		ev.Cmdline = cmdlineString(r.ExecConnector.Args)
		ev.Comm = r.ExecConnector.Comm
	}
}

func applyTask(ev *Event, t *TaskPayload) {
	ev.ProcCapInheritable = t.CapInheritable
	ev.ProcCapPermitted = t.CapPermitted
	ev.ProcCapEffective = t.CapEffective
	ev.ProcCapBset = t.CapBset
	ev.ProcCapAmbient = t.CapAmbient
	ev.ProcTimeBoot = t.StartBoottime
	ev.ProcTimeStart = t.StartTime
	ev.ProcUID = t.UID
	ev.ProcGID = t.GID
	ev.ProcSUID = t.SUID
	ev.ProcSGID = t.SGID
	ev.ProcEUID = t.EUID
	ev.ProcEGID = t.EGID
	if t.Ppid != -1 {
		ev.ProcPpid = t.Ppid
	}
}

// cmdlineString renders NUL separated argv bytes the way ps would
func cmdlineString(args []byte) string {
	s := strings.TrimRight(string(args), "\x00")

	return strings.ReplaceAll(s, "\x00", " ")
}

// Stats returns a copy of the queue counters
func (q *Queue) Stats() Stats {
	return q.stats
}

// Length is how many raw events the queue currently holds
func (q *Queue) Length() int {
	return q.length
}

// Close disables and releases every per-CPU group, the readiness
// descriptor and the queue's probe reference. Every Open must be
// matched by exactly one Close, including failed opens internally.
func (q *Queue) Close() {
	for _, pgl := range q.leaders {
		pgl.close()
	}
	q.leaders = nil
	for _, ks := range q.kstates {
		ks.close()
	}
	q.kstates = nil
	if q.epollFd != -1 {
		unix.Close(q.epollFd)
		q.epollFd = -1
	}
	if q.refed {
		kprobeUnref()
		q.refed = false
	}
	q.byTime.Clear(false)
	q.byPidTime.Clear(false)
	q.length = 0
}
