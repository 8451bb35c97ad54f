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
	"time"

	"github.com/mjwolf/quark/quark"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(topCmd)
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Display which processes fork, exec and exit, top-style",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := runTop(); err != nil {
			log.Fatalf("unable to run top: %v", err)
		}
	},
}

func runTop() error {
	q, err := quark.Open(queueConfig())
	if err != nil {
		return err
	}
	defer q.Close()

	refresh := make(chan *quark.ToplikeData, 1)
	stop := make(chan bool, 1)
	go quark.StartTopLike(refresh, stop, period)

	data := &quark.ToplikeData{}
	events := make([]quark.Event, 256)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			select {
			case refresh <- data.Clone():
			default:
			}
		default:
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
				data.Account(&events[i])
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
}
