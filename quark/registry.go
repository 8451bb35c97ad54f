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
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxSampleIDs sizes the id-to-kind map; tracefs ids fit comfortably
const maxSampleIDs = 4096

// Process-wide state shared by every queue: the installed-probe
// refcount, the sample id to kind map written while probes are
// attached, and the probe body offset. All of it is built on the
// first open. When the last queue closes the probes are uninstalled;
// the id map and the body offset stay in place until the next first
// open writes them again.
var registry struct {
	sync.Mutex
	refs            int
	renamed         bool
	probeBodyOffset int
	sampleKindByID  [maxSampleIDs]SampleKind
}

func sampleKindOfID(id int) (SampleKind, error) {
	if id <= 0 || id >= maxSampleIDs {
		return 0, fmt.Errorf("sample id %d out of range", id)
	}
	return registry.sampleKindByID[id], nil
}

func setSampleKind(id int, kind SampleKind) {
	registry.sampleKindByID[id] = kind
}

// kprobeRef installs the declared probes on the first reference.
// Probe names get a _<pid> suffix once per process so concurrent
// processes never collide in the global kprobe_events namespace.
func kprobeRef() error {
	registry.Lock()
	defer registry.Unlock()

	if registry.refs > 0 {
		registry.refs++
		return nil
	}

	off, err := loadProbeBodyOffset()
	if err != nil {
		return fmt.Errorf("unable to determine probe body offset: %w", err)
	}
	if err := btfInit(); err != nil {
		return fmt.Errorf("unable to initialize btf: %w", err)
	}
	registry.probeBodyOffset = off

	if !registry.renamed {
		suffix := fmt.Sprintf("_%d", os.Getpid())
		for _, k := range allKprobes {
			k.Name += suffix
		}
		registry.renamed = true
	}

	for i, k := range allKprobes {
		if err := installKprobe(k); err != nil {
			// Unwind the ones that made it in
			for j := i - 1; j >= 0; j-- {
				if uerr := uninstallKprobe(allKprobes[j]); uerr != nil {
					log.Warnf("unable to uninstall %s: %v", allKprobes[j].Name, uerr)
				}
			}
			return fmt.Errorf("unable to install kprobes: %w", err)
		}
	}
	registry.refs++

	return nil
}

// kprobeUnref drops one reference and uninstalls everything when the
// last queue goes away.
func kprobeUnref() {
	registry.Lock()
	defer registry.Unlock()

	registry.refs--
	if registry.refs > 0 {
		return
	}
	for _, k := range allKprobes {
		if err := uninstallKprobe(k); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("unable to uninstall %s: %v", k.Name, err)
		}
	}
}

func probeBodyOffset() int {
	return registry.probeBodyOffset
}
