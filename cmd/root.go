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
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is a main entry point. It's exported so quark could be easily extended without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "quark",
	Short: "Monitor process lifecycle events",
}

var (
	logLevel     string
	threadEvents bool
	maxLength    int
	holdTime     time.Duration
	period       time.Duration
)

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "set a log level. Can be: trace, debug, info, warning, error")
	RootCmd.PersistentFlags().BoolVar(&threadEvents, "threads", false, "deliver per-thread events, not only per-process")
	RootCmd.PersistentFlags().IntVar(&maxLength, "maxlength", 10000, "max events buffered in the queue")
	RootCmd.PersistentFlags().DurationVar(&holdTime, "hold", 100*time.Millisecond, "how long events linger for aggregation")
	RootCmd.PersistentFlags().DurationVar(&period, "period", 3*time.Second, "refresh timeframe for top")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs to be called by any subcommand.
func ConfigureVerbosity() {
	switch logLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", logLevel)
	}
}

// Execute is the main entry point for CLI interface
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
