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
	"sort"
	"strings"
)

// FieldID label for field
type FieldID int

// Field constants
const (
	FieldIDPid = iota
	FieldIDPpid
	FieldIDEvents
	FieldIDComm
	FieldIDFilename
	FieldIDCwd
	FieldIDCmdline
	FieldIDExit
	FieldIDUID
	FieldIDGID
	FieldIDTime
)

// FieldMeta describes the data format for each field
type FieldMeta struct {
	Title  string
	Format string
}

// FieldToMeta maps fields to metadata
var FieldToMeta = map[FieldID]FieldMeta{
	FieldIDPid:      {"PID", "%-7v "},
	FieldIDPpid:     {"PPID", "%-7v "},
	FieldIDEvents:   {"EVENTS", "%-22v "},
	FieldIDComm:     {"COMM", "%-16v "},
	FieldIDFilename: {"FILENAME", "%-40v "},
	FieldIDCwd:      {"CWD", "%-30v "},
	FieldIDCmdline:  {"CMDLINE", "%-60v "},
	FieldIDExit:     {"EXIT", "%-5v "},
	FieldIDUID:      {"UID", "%-7v "},
	FieldIDGID:      {"GID", "%-7v "},
	FieldIDTime:     {"TIME", "%-16v "},
}

// fieldByTitle inverts FieldToMeta once so lookups don't rescan the
// metadata table.
var fieldByTitle = func() map[string]FieldID {
	m := make(map[string]FieldID, len(FieldToMeta))
	for id, meta := range FieldToMeta {
		m[meta.Title] = id
	}
	return m
}()

// AllFieldNames returns every acceptable field name, sorted
func AllFieldNames() []string {
	names := make([]string, 0, len(fieldByTitle))
	for title := range fieldByTitle {
		names = append(names, title)
	}
	sort.Strings(names)
	return names
}

// FieldFromString resolves a single field name, case insensitively
func FieldFromString(field string) (FieldID, error) {
	id, ok := fieldByTitle[strings.ToUpper(strings.TrimSpace(field))]
	if !ok {
		return FieldID(-1), fmt.Errorf("unknown field %q", field)
	}
	return id, nil
}

// ParseFields turns a comma separated field list into FieldIDs,
// rejecting the whole list on the first name that doesn't resolve.
func ParseFields(fieldString string) ([]FieldID, error) {
	var ids []FieldID
	for _, tok := range strings.Split(fieldString, ",") {
		id, err := FieldFromString(tok)
		if err != nil {
			return nil, fmt.Errorf("unable to parse field list: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DisplayHeader renders the column titles for the chosen fields
func DisplayHeader(fields []FieldID) string {
	var sb strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&sb, FieldToMeta[f].Format, FieldToMeta[f].Title)
	}
	return sb.String()
}

func eventsString(ev *Event) string {
	var parts []string
	if ev.Events&EventFork != 0 {
		parts = append(parts, "FORK")
	}
	if ev.Events&EventExec != 0 {
		parts = append(parts, "EXEC")
	}
	if ev.Events&EventExit != 0 {
		parts = append(parts, "EXIT")
	}
	if ev.Events&EventSetproctitle != 0 {
		parts = append(parts, "COMM")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "+")
}

// FormatEvent renders one event in the same column order as
// DisplayHeader. Fields the event does not carry print empty.
func FormatEvent(fields []FieldID, ev *Event) string {
	var sb strings.Builder
	for _, f := range fields {
		var val interface{} = ""
		switch f {
		case FieldIDPid:
			val = ev.Pid
		case FieldIDPpid:
			if ev.Fields&FieldProc != 0 {
				val = ev.ProcPpid
			}
		case FieldIDEvents:
			val = eventsString(ev)
		case FieldIDComm:
			if ev.Fields&FieldComm != 0 {
				val = ev.Comm
			}
		case FieldIDFilename:
			if ev.Fields&FieldFilename != 0 {
				val = ev.Filename
			}
		case FieldIDCwd:
			if ev.Fields&FieldCwd != 0 {
				val = ev.Cwd
			}
		case FieldIDCmdline:
			if ev.Fields&FieldCmdline != 0 {
				val = ev.Cmdline
			}
		case FieldIDExit:
			if ev.Fields&FieldExit != 0 {
				val = ev.ExitCode
			}
		case FieldIDUID:
			if ev.Fields&FieldProc != 0 {
				val = ev.ProcUID
			}
		case FieldIDGID:
			if ev.Fields&FieldProc != 0 {
				val = ev.ProcGID
			}
		case FieldIDTime:
			if ev.Fields&FieldProc != 0 {
				val = ev.ProcTimeStartEvent
			} else if ev.Fields&FieldExit != 0 {
				val = ev.ExitTimeEvent
			}
		}
		fmt.Fprintf(&sb, FieldToMeta[f].Format, val)
	}
	return sb.String()
}
