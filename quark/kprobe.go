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
	"strconv"
	"strings"
)

// KprobeArg is one recorded argument of a probe. DSL is a whitespace
// separated sequence of dotted kernel field names, numeric literals
// and (a+b)/(a-b) forms; each token adds one dereference level on top
// of the base register.
type KprobeArg struct {
	Name string
	Reg  string
	Typ  string
	DSL  string
}

// Kprobe declares one probe to install. Name is mutated once per
// process when the registry appends the pid suffix.
type Kprobe struct {
	Name       string
	Target     string
	SampleKind SampleKind
	IsKret     bool
	Args       []KprobeArg
}

// Registers we accept as argument bases, x86-64 calling convention
// plus stack and instruction pointer.
var kprobeRegs = map[string]bool{
	"di": true, "si": true, "dx": true, "cx": true,
	"r8": true, "r9": true, "ax": true, "bx": true,
	"sp": true, "bp": true, "ip": true,
}

// compileExprToken resolves a single DSL token to a signed offset: a
// 32-bit numeric literal, a parenthesized sum or difference, or a
// dotted field name resolved through btf.
func compileExprToken(tok string) (int64, error) {
	if strings.HasPrefix(tok, "(") {
		if !strings.HasSuffix(tok, ")") {
			return 0, fmt.Errorf("unbalanced parenthesis in %q", tok)
		}
		inner := tok[1 : len(tok)-1]
		depth := 0
		for i := 0; i < len(inner); i++ {
			switch inner[i] {
			case '(':
				depth++
			case ')':
				depth--
			case '+', '-':
				if depth != 0 || i == 0 {
					continue
				}
				a, err := compileExprToken(inner[:i])
				if err != nil {
					return 0, err
				}
				b, err := compileExprToken(inner[i+1:])
				if err != nil {
					return 0, err
				}
				if inner[i] == '+' {
					return a + b, nil
				}
				return a - b, nil
			}
		}
		return 0, fmt.Errorf("no operator in %q", tok)
	}

	if off, err := strconv.ParseInt(tok, 10, 32); err == nil {
		return off, nil
	}
	if off := btfOffset(tok); off != -1 {
		return off, nil
	}

	return 0, fmt.Errorf("%q is unresolved", tok)
}

// compileArg folds the argument's DSL left to right into the nested
// tracefs form name=+off1(+off2(...(%reg)...)):type.
func compileArg(a KprobeArg) (string, error) {
	if !kprobeRegs[a.Reg] {
		return "", fmt.Errorf("unknown register %q", a.Reg)
	}

	expr := "%" + a.Reg
	var off int64
	toks := strings.Fields(a.DSL)
	for _, tok := range toks {
		var err error
		if off, err = compileExprToken(tok); err != nil {
			return "", fmt.Errorf("arg %s: %w", a.Name, err)
		}
		expr = fmt.Sprintf("%+d(%s)", off, expr)
	}
	// The kernel refuses a negative outermost offset
	if len(toks) > 0 && off < 0 {
		return "", fmt.Errorf("arg %s: negative net offset %d", a.Name, off)
	}

	return fmt.Sprintf("%s=%s:%s", a.Name, expr, a.Typ), nil
}

// compileKprobe renders the full kprobe_events definition line.
func compileKprobe(k *Kprobe) (string, error) {
	c := byte('p')
	if k.IsKret {
		c = 'r'
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%c:%s %s", c, k.Name, k.Target)
	for _, a := range k.Args {
		s, err := compileArg(a)
		if err != nil {
			return "", fmt.Errorf("unable to compile %s: %w", k.Name, err)
		}
		sb.WriteByte(' ')
		sb.WriteString(s)
	}

	return sb.String(), nil
}

// taskSampleArgs records credentials, start times, the dentry chain
// of the working directory and the task ids off a task_struct held in
// reg. The argument order is the on-wire order of taskSample.
func taskSampleArgs(reg string) []KprobeArg {
	args := []KprobeArg{
		{"cap_inheritable", reg, "u64", "task_struct.cred cred.cap_inheritable"},
		{"cap_permitted", reg, "u64", "task_struct.cred cred.cap_permitted"},
		{"cap_effective", reg, "u64", "task_struct.cred cred.cap_effective"},
		{"cap_bset", reg, "u64", "task_struct.cred cred.cap_bset"},
		{"cap_ambient", reg, "u64", "task_struct.cred cred.cap_ambient"},
		{"start_time", reg, "u64", "task_struct.start_time"},
		{"start_boottime", reg, "u64", "task_struct.start_boottime"},
		{"root_k", reg, "u64", "task_struct.fs fs_struct.root.dentry"},
		{"mnt_root_k", reg, "u64", "task_struct.fs fs_struct.pwd.mnt vfsmount.mnt_root"},
	}
	for i := 0; i < maxPwd; i++ {
		args = append(args, KprobeArg{
			fmt.Sprintf("pwd%d_k", i), reg, "u64",
			"task_struct.fs fs_struct.pwd.dentry" +
				strings.Repeat(" dentry.d_parent", i),
		})
	}
	args = append(args,
		KprobeArg{"root_s", reg, "string",
			"task_struct.fs fs_struct.root.dentry dentry.d_name.name 0"},
		KprobeArg{"mnt_root_s", reg, "string",
			"task_struct.fs fs_struct.pwd.mnt vfsmount.mnt_root dentry.d_name.name 0"},
		// container_of from the vfsmount back into its mount
		KprobeArg{"mnt_mountpoint_s", reg, "string",
			"task_struct.fs fs_struct.pwd.mnt (mount.mnt_mountpoint-mount.mnt) dentry.d_name.name 0"},
	)
	for i := 0; i < maxPwd; i++ {
		args = append(args, KprobeArg{
			fmt.Sprintf("pwd%d_s", i), reg, "string",
			"task_struct.fs fs_struct.pwd.dentry" +
				strings.Repeat(" dentry.d_parent", i) +
				" dentry.d_name.name 0",
		})
	}
	args = append(args,
		KprobeArg{"uid", reg, "u32", "task_struct.cred cred.uid"},
		KprobeArg{"gid", reg, "u32", "task_struct.cred cred.gid"},
		KprobeArg{"suid", reg, "u32", "task_struct.cred cred.suid"},
		KprobeArg{"sgid", reg, "u32", "task_struct.cred cred.sgid"},
		KprobeArg{"euid", reg, "u32", "task_struct.cred cred.euid"},
		KprobeArg{"egid", reg, "u32", "task_struct.cred cred.egid"},
		KprobeArg{"pid", reg, "u32", "task_struct.tgid"},
		KprobeArg{"tid", reg, "u32", "task_struct.pid"},
		KprobeArg{"exit_code", reg, "s32", "task_struct.exit_code"},
	)

	return args
}

// execConnectorArgs reads argc off the new program's initial user
// stack (task->stack holds the kernel stack; pt_regs sits at its top
// and sp points at argc right after the image is set up), plus the
// argv bytes at mm->arg_start and the comm at exec time.
func execConnectorArgs() []KprobeArg {
	args := []KprobeArg{
		{"argc", "di", "u64", "task_struct.stack (16384-16) 0"},
	}
	for i := 0; i < execConnectorStackSlots; i++ {
		args = append(args, KprobeArg{
			fmt.Sprintf("stack%d", i), "di", "u64",
			fmt.Sprintf("task_struct.mm mm_struct.arg_start %d", i*8),
		})
	}
	args = append(args, KprobeArg{"comm", "di", "string", "task_struct.comm"})

	return args
}

// execConnectorStackSlots bounds how much argv we capture
const execConnectorStackSlots = 100

var allKprobes = []*Kprobe{
	{
		Name:       "quark_wake_up_new_task",
		Target:     "wake_up_new_task",
		SampleKind: WakeUpNewTaskSample,
		Args:       taskSampleArgs("di"),
	},
	{
		Name:       "quark_exit_thread",
		Target:     "exit_thread",
		SampleKind: ExitThreadSample,
		Args:       taskSampleArgs("di"),
	},
	{
		Name:       "quark_exec_connector",
		Target:     "proc_exec_connector",
		SampleKind: ExecConnectorSample,
		Args:       execConnectorArgs(),
	},
}
