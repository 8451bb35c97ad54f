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

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mjwolf/quark/quark"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var fieldList string

func init() {
	RootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&fieldList, "list", "PID,PPID,EVENTS,COMM,FILENAME,CWD", "fields displayed in stdout \n"+
		fmt.Sprintf("all fields: %s", strings.Join(quark.AllFieldNames(), " ")))
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Display all process lifecycle activity on the host in real-time",
	Long: `Display all process lifecycle activity on the host in real-time

Usage example:
  quark watch --list PID,EVENTS,COMM,CMDLINE
`,
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := runWatch(); err != nil {
			log.Fatalf("unable to run watch: %v", err)
		}
	},
}

func runWatch() error {
	fields, err := quark.ParseFields(fieldList)
	if err != nil {
		return fmt.Errorf("unable to parse fields string: %w", err)
	}

	q, err := quark.Open(queueConfig())
	if err != nil {
		return fmt.Errorf("unable to open queue: %w", err)
	}
	defer q.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	log.Infof(quark.DisplayHeader(fields))
	events := make([]quark.Event, 256)
	for {
		select {
		case <-sig:
			return nil
		default:
		}
		if err := q.Block(); err != nil {
			return err
		}
		if _, err := q.Populate(); err != nil {
			return err
		}
		for {
			n := q.GetEvents(events)
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				log.Infof(quark.FormatEvent(fields, &events[i]))
			}
		}
	}
}

func queueConfig() quark.Config {
	flags := quark.KprobeBackend
	if threadEvents {
		flags |= quark.ThreadEvents
	}

	return quark.Config{
		Flags:     flags,
		MaxLength: maxLength,
		HoldTime:  holdTime,
	}
}
