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
	"strings"

	"github.com/cilium/ebpf/btf"
	log "github.com/sirupsen/logrus"
)

// btfTargets is every dotted field path the probe definitions may
// reference. Offsets are resolved once per process from the running
// kernel's BTF; -1 means unresolved.
var btfTargets = map[string]int64{
	"task_struct.cred":           -1,
	"task_struct.start_time":     -1,
	"task_struct.start_boottime": -1,
	"task_struct.tgid":           -1,
	"task_struct.pid":            -1,
	"task_struct.exit_code":      -1,
	"task_struct.comm":           -1,
	"task_struct.fs":             -1,
	"task_struct.mm":             -1,
	"task_struct.stack":          -1,
	"cred.uid":                   -1,
	"cred.gid":                   -1,
	"cred.suid":                  -1,
	"cred.sgid":                  -1,
	"cred.euid":                  -1,
	"cred.egid":                  -1,
	"cred.cap_inheritable":       -1,
	"cred.cap_permitted":         -1,
	"cred.cap_effective":         -1,
	"cred.cap_bset":              -1,
	"cred.cap_ambient":           -1,
	"mm_struct.arg_start":        -1,
	"fs_struct.root.dentry":      -1,
	"fs_struct.pwd.dentry":       -1,
	"fs_struct.pwd.mnt":          -1,
	"vfsmount.mnt_root":          -1,
	"mount.mnt":                  -1,
	"mount.mnt_mountpoint":       -1,
	"dentry.d_parent":            -1,
	"dentry.d_name.name":         -1,
}

// btfOffset returns the byte offset previously resolved for dotname,
// or -1 if the target is unknown or did not resolve on this kernel.
func btfOffset(dotname string) int64 {
	off, ok := btfTargets[dotname]
	if !ok {
		return -1
	}
	return off
}

// btfInit resolves every target against the kernel's BTF. Individual
// misses are tolerated so one exotic kernel layout doesn't take the
// whole backend down; only a full miss, or no BTF at all, is fatal.
func btfInit() error {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return fmt.Errorf("unable to load kernel btf: %w", err)
	}

	failed := 0
	for dotname := range btfTargets {
		off, err := resolveBTFOffset(spec, dotname)
		if err != nil {
			log.Warnf("btf: %s did not resolve: %v", dotname, err)
			btfTargets[dotname] = -1
			failed++
			continue
		}
		btfTargets[dotname] = off
		log.Debugf("btf: %s off=%d", dotname, off)
	}
	if failed == len(btfTargets) {
		return fmt.Errorf("no btf target resolved, kernel btf unusable")
	}

	return nil
}

// resolveBTFOffset finds the root struct named by the first component
// of dotname and walks the remaining components, accumulating bit
// offsets. The result must land on a byte boundary.
func resolveBTFOffset(spec *btf.Spec, dotname string) (int64, error) {
	parts := strings.Split(dotname, ".")
	if len(parts) < 2 {
		return -1, fmt.Errorf("%q has no field component", dotname)
	}
	var root *btf.Struct
	if err := spec.TypeByName(parts[0], &root); err != nil {
		return -1, fmt.Errorf("unable to find struct %s: %w", parts[0], err)
	}
	bits, err := memberBitOffset(root, parts[1:])
	if err != nil {
		return -1, err
	}
	if bits%8 != 0 {
		return -1, fmt.Errorf("%q is not byte aligned (bit offset %d)", dotname, bits)
	}

	return int64(bits / 8), nil
}

func memberBitOffset(typ btf.Type, fields []string) (btf.Bits, error) {
	var off btf.Bits

	cur := typ
	for _, field := range fields {
		m, mOff, ok := findMember(cur, field)
		if !ok {
			return 0, fmt.Errorf("no member %q in %s", field, cur)
		}
		if m.BitfieldSize != 0 {
			return 0, fmt.Errorf("member %q is a bitfield", field)
		}
		off += mOff
		cur = btf.UnderlyingType(m.Type)
	}

	return off, nil
}

// findMember looks field up in a struct or union, descending into
// anonymous members, which is where fields like mm_struct.arg_start
// live on current kernels.
func findMember(typ btf.Type, field string) (btf.Member, btf.Bits, bool) {
	var members []btf.Member
	switch c := typ.(type) {
	case *btf.Struct:
		members = c.Members
	case *btf.Union:
		members = c.Members
	default:
		return btf.Member{}, 0, false
	}

	for _, m := range members {
		if m.Name == field {
			return m, m.Offset, true
		}
		if m.Name != "" {
			continue
		}
		if sub, subOff, ok := findMember(btf.UnderlyingType(m.Type), field); ok {
			return sub, m.Offset + subOff, true
		}
	}

	return btf.Member{}, 0, false
}
