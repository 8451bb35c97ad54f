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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// tracefsRoots are tried in order; which one exists depends on the
// distribution and on whether debugfs is mounted.
var tracefsRoots = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

var errTracefsAbsent = errors.New("tracefs not available")

// openTracing opens rel under the first usable tracefs root.
func openTracing(flag int, rel string) (*os.File, error) {
	if strings.HasPrefix(rel, "/") {
		return nil, fmt.Errorf("tracefs path %q must be relative", rel)
	}
	var firstErr error
	for _, root := range tracefsRoots {
		f, err := os.OpenFile(filepath.Join(root, rel), flag, 0)
		if err == nil {
			return f, nil
		}
		if firstErr == nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return nil, fmt.Errorf("%w: %s", errTracefsAbsent, rel)
}

// fetchTracingID reads the numeric id of a trace event, e.g.
// events/sched/sched_process_exec/id.
func fetchTracingID(rel string) (int, error) {
	f, err := openTracing(os.O_RDONLY, rel)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	buf := make([]byte, 16)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return -1, fmt.Errorf("unable to read %s: %w", rel, err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return -1, fmt.Errorf("unable to parse %s: %w", rel, err)
	}
	if id <= 0 || id >= maxSampleIDs {
		return -1, fmt.Errorf("tracing id %d out of range", id)
	}

	return id, nil
}

// parseProbeBodyOffset extracts the offset of the first probe field
// from a tracefs format description: the first "offset:N;" on a line
// past the common fields, which end at the first blank line.
func parseProbeBodyOffset(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	pastCommon := false
	for sc.Scan() {
		line := sc.Text()
		if !pastCommon {
			pastCommon = strings.TrimSpace(line) == ""
			continue
		}
		i := strings.Index(line, "offset:")
		if i == -1 {
			break
		}
		rest := line[i+len("offset:"):]
		j := strings.Index(rest, ";")
		if j == -1 {
			break
		}
		off, err := strconv.Atoi(strings.TrimSpace(rest[:j]))
		if err != nil || off < 0 {
			break
		}
		return off, nil
	}
	if err := sc.Err(); err != nil {
		return -1, err
	}

	return -1, errors.New("no probe field offset in format")
}

// loadProbeBodyOffset parses the body offset from the exec tracepoint
// format. It is the same for every probe on a given kernel.
func loadProbeBodyOffset() (int, error) {
	f, err := openTracing(os.O_RDONLY, "events/sched/sched_process_exec/format")
	if err != nil {
		return -1, err
	}
	defer f.Close()

	off, err := parseProbeBodyOffset(f)
	if err != nil {
		return -1, fmt.Errorf("unable to parse probe body offset: %w", err)
	}

	return off, nil
}

func writeKprobeEvents(directive string) error {
	f, err := openTracing(os.O_WRONLY|os.O_APPEND, "kprobe_events")
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(directive); err != nil {
		return fmt.Errorf("unable to write kprobe_events: %w", err)
	}

	return nil
}

// uninstallKprobe removes the probe from tracefs. The caller decides
// whether a missing probe matters.
func uninstallKprobe(k *Kprobe) error {
	return writeKprobeEvents("-:" + k.Name)
}

// installKprobe compiles the probe definition and writes it to
// kprobe_events, clearing any stale instance of the same name first.
func installKprobe(k *Kprobe) error {
	if err := uninstallKprobe(k); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debugf("stale uninstall of %s: %v", k.Name, err)
	}
	line, err := compileKprobe(k)
	if err != nil {
		return err
	}
	if err := writeKprobeEvents(line); err != nil {
		return fmt.Errorf("unable to install %s: %w", k.Name, err)
	}

	return nil
}
