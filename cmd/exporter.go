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
	"github.com/mjwolf/quark/quark"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var exporterListen string

func init() {
	RootCmd.AddCommand(exporterCmd)
	exporterCmd.Flags().StringVar(&exporterListen, "listen", "[::]:9099", "exporter listen address")
}

var exporterCmd = &cobra.Command{
	Use:   "exporter",
	Short: "Export queue counters as prometheus metrics",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := runExporter(); err != nil {
			log.Fatalf("unable to run exporter: %v", err)
		}
	},
}

func runExporter() error {
	q, err := quark.Open(queueConfig())
	if err != nil {
		return err
	}
	defer q.Close()

	go func() {
		if err := quark.StartMetricsExporter(exporterListen); err != nil {
			log.Errorf("unable to serve metrics: %v", err)
		}
	}()

	events := make([]quark.Event, 256)
	for {
		if err := q.Block(); err != nil {
			return err
		}
		if _, err := q.Populate(); err != nil {
			return err
		}
		// Drain so the queue does not grow unbounded; the counters
		// are maintained by the library itself.
		for q.GetEvents(events) != 0 {
		}
	}
}
