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
	"strconv"
	"time"

	termbox "github.com/nsf/termbox-go"
	log "github.com/sirupsen/logrus"
)

const coldef = termbox.ColorDefault

const topDoc = `quark - process activity
SORTBY keys - m (PID), c (COMM), t (EVENTS), f (%FORK), e (%EXEC), x (%EXIT), s (%COMM)
SORTBY keys - < (MOVE SORTING COL LEFT), > (MOVE SORTING COL RIGHT)
TOGGLE keys - w (PID/COMM AGGREGATE), o (KEEP EXITED PROCESSES / DROP OLD ROWS)
NUMBERS AGGREGATED SINCE THE START OF THE RUN
PID | COMM | EVENTS | %EVENTS | %FORK | %EXEC | %EXIT | %COMM
`

const (
	topPID = iota
	topCOMM
	topEVENTSnr
	topEVENTS
	topFORK
	topEXEC
	topEXIT
	topSETCOMM
)

// percentField stores a count and its share of some total
type percentField struct {
	val int
	per float64
}

func (p *percentField) computePerc(total int) {
	if total == 0 {
		p.per = 0
		return
	}
	p.per = float64(p.val) / float64(total) * 100
}

// ToplikeRow is one process line in the toplike display
type ToplikeRow struct {
	PID  int
	Comm string

	Total percentField
	Fork  percentField
	Exec  percentField
	Exit  percentField
	Scomm percentField

	lastSeen time.Time
}

// ToplikeData is the entire toplike table plus its aggregates
type ToplikeData struct {
	// PID to row
	Rows  map[int]*ToplikeRow
	total int
	forks int
	execs int
	exits int
	comms int
}

// Account folds one queue event into the table
func (t *ToplikeData) Account(ev *Event) {
	if t.Rows == nil {
		t.Rows = make(map[int]*ToplikeRow)
	}
	row := t.Rows[int(ev.Pid)]
	if row == nil {
		row = &ToplikeRow{PID: int(ev.Pid)}
		t.Rows[int(ev.Pid)] = row
	}
	if ev.Fields&FieldComm != 0 {
		row.Comm = ev.Comm
	}
	row.lastSeen = time.Now()
	t.total++
	row.Total.val++
	if ev.Events&EventFork != 0 {
		row.Fork.val++
		t.forks++
	}
	if ev.Events&EventExec != 0 {
		row.Exec.val++
		t.execs++
	}
	if ev.Events&EventExit != 0 {
		row.Exit.val++
		t.exits++
	}
	if ev.Events&EventSetproctitle != 0 {
		row.Scomm.val++
		t.comms++
	}
}

func (t *ToplikeData) computePercs() {
	for _, v := range t.Rows {
		v.Total.computePerc(t.total)
		v.Fork.computePerc(v.Total.val)
		v.Exec.computePerc(v.Total.val)
		v.Exit.computePerc(v.Total.val)
		v.Scomm.computePerc(v.Total.val)
	}
}

// Clone deep-copies the table so the display loop can keep reading
// it while new events keep being accounted.
func (t *ToplikeData) Clone() *ToplikeData {
	ret := *t
	ret.Rows = make(map[int]*ToplikeRow, len(t.Rows))
	for pid, row := range t.Rows {
		r := *row
		ret.Rows[pid] = &r
	}
	return &ret
}

// oldFilter keeps only the rows that saw an event recently
func (t *ToplikeData) oldFilter(per time.Duration) *ToplikeData {
	ret := *t
	newRows := make(map[int]*ToplikeRow)
	for _, v := range t.Rows {
		if time.Since(v.lastSeen) <= per {
			newRows[v.PID] = v
		}
	}
	ret.Rows = newRows
	return &ret
}

// aggregateComm returns a table aggregated by comm instead of pid
func (t *ToplikeData) aggregateComm() *ToplikeData {
	ret := *t
	aux := make(map[string]*ToplikeRow)
	newRows := make(map[int]*ToplikeRow)
	for _, v := range t.Rows {
		if aux[v.Comm] == nil {
			aux[v.Comm] = &ToplikeRow{}
		}
		aux[v.Comm].Comm = v.Comm
		aux[v.Comm].PID = v.PID
		aux[v.Comm].Total.val += v.Total.val
		aux[v.Comm].Fork.val += v.Fork.val
		aux[v.Comm].Exec.val += v.Exec.val
		aux[v.Comm].Exit.val += v.Exit.val
		aux[v.Comm].Scomm.val += v.Scomm.val
	}
	for _, v := range aux {
		v.Total.computePerc(t.total)
		v.Fork.computePerc(v.Total.val)
		v.Exec.computePerc(v.Total.val)
		v.Exit.computePerc(v.Total.val)
		v.Scomm.computePerc(v.Total.val)
		newRows[v.PID] = v
	}
	ret.Rows = newRows
	return &ret
}

// topSortKeys maps the single-letter sort keys to their column
var topSortKeys = map[rune]int{
	'm': topPID,
	'c': topCOMM,
	't': topEVENTSnr,
	'f': topFORK,
	'e': topEXEC,
	'x': topEXIT,
	's': topSETCOMM,
}

// rowOrder returns the value a column sorts on, biggest first.
// Comm is the one non-numeric column and gets handled by the caller.
func rowOrder(r *ToplikeRow, col int) float64 {
	switch col {
	case topPID:
		return float64(r.PID)
	case topEVENTSnr:
		return float64(r.Total.val)
	case topEVENTS:
		return r.Total.per
	case topFORK:
		return r.Fork.per
	case topEXEC:
		return r.Exec.per
	case topEXIT:
		return r.Exit.per
	case topSETCOMM:
		return r.Scomm.per
	}
	return 0
}

// topView is the interactive display state
type topView struct {
	table *ToplikeData

	sortBy  int
	byComm  bool
	keepOld bool

	started time.Time
	updated time.Time
	refresh time.Duration
}

// visibleRows applies the view toggles and sort order to the table
func (v *topView) visibleRows() []*ToplikeRow {
	t := v.table
	if !v.keepOld {
		t = t.oldFilter(v.refresh)
	}
	if v.byComm {
		t = t.aggregateComm()
	}

	rows := make([]*ToplikeRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		rows = append(rows, r)
	}
	if v.sortBy == topCOMM {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Comm > rows[j].Comm })
	} else {
		col := v.sortBy
		sort.Slice(rows, func(i, j int) bool {
			return rowOrder(rows[i], col) > rowOrder(rows[j], col)
		})
	}

	return rows
}

// handleKey mutates the view for one key press; a true return means
// the user asked to leave.
func (v *topView) handleKey(ev termbox.Event) bool {
	ncols := topSETCOMM + 1
	switch {
	case ev.Ch == '<':
		v.sortBy = (v.sortBy + ncols - 1) % ncols
	case ev.Ch == '>':
		v.sortBy = (v.sortBy + 1) % ncols
	case ev.Ch == 'w':
		v.byComm = !v.byComm
	case ev.Ch == 'o':
		v.keepOld = !v.keepOld
	case ev.Ch == 'q' || ev.Key == termbox.KeyCtrlC || ev.Key == termbox.KeyCtrlZ:
		return true
	default:
		if col, ok := topSortKeys[ev.Ch]; ok {
			v.sortBy = col
		}
	}

	return false
}

// draw repaints the whole screen from the current view state
func (v *topView) draw() {
	// \033[2J and termbox.Clear are used to clean the screen
	fmt.Printf("\033[2J")
	if err := termbox.Clear(coldef, coldef); err != nil {
		log.Error("failed to clear screen")
	}
	termbox.SetCursor(0, 0)

	dateFormat := "2006-01-02 15:04:05.000"
	fmt.Printf("%v", topDoc)
	fmt.Printf("\nSTART TIME: %10v, LAST REFRESH: %10v\n",
		v.started.Format(dateFormat), v.updated.Format(dateFormat))
	fmt.Printf("%-19v: %10v\n", "PROCESS EVENTS", v.table.total)
	fmt.Printf("%-19v: %10v, %-19v: %10v, %-19v: %10v, %-19v: %10v\n",
		"FORKS", v.table.forks, "EXECS", v.table.execs,
		"EXITS", v.table.exits, "COMM CHANGES", v.table.comms)

	formatHeader := "%-10v  %-15v  %-9v  %-9v  %-9v  %-9v  %-9v  %-9v\n"
	formatRow := "%-10v  %-15.14v  %-9v  %-9.4v  %-9.4v  %-9.4v  %-9.4v  %-9.4v\n"
	fmt.Printf(formatHeader, "PID", "COMM", "EVENTS", "%EVENTS", "%FORK", "%EXEC", "%EXIT", "%COMM")

	const headerLines = 13
	_, screenRows := termbox.Size()
	maxRows := screenRows - headerLines
	for i, r := range v.visibleRows() {
		if i > maxRows {
			break
		}
		pid := ""
		if r.PID > 0 && !v.byComm {
			pid = strconv.Itoa(r.PID)
		}
		fmt.Printf(formatRow, pid, r.Comm, r.Total.val, r.Total.per,
			r.Fork.per, r.Exec.per, r.Exit.per, r.Scomm.per)
	}

	termbox.HideCursor()
	termbox.Flush()
}

// StartTopLike is the toplike stdout handler
func StartTopLike(refreshChan <-chan *ToplikeData, stopChan chan<- bool, refTime time.Duration) {
	if err := termbox.Init(); err != nil {
		log.Error("failed to initialize screen")
	}
	defer termbox.Close()

	keys := make(chan termbox.Event)
	go func() {
		for {
			keys <- termbox.PollEvent()
		}
	}()

	v := &topView{
		table:   &ToplikeData{},
		keepOld: true,
		started: time.Now(),
		updated: time.Now(),
		refresh: refTime,
	}

	for v.draw(); ; v.draw() {
		select {
		case ev := <-keys:
			if ev.Type != termbox.EventKey {
				continue
			}
			if v.handleKey(ev) {
				stopChan <- true
				return
			}
		case table := <-refreshChan:
			table.computePercs()
			v.table = table
			v.updated = time.Now()
		}
	}
}
