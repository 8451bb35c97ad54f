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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	insertions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quark_insertions",
		Help: "The number of raw events inserted into queues",
	})
	removals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quark_removals",
		Help: "The number of raw events handed to the embedder",
	})
	aggregations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quark_aggregations",
		Help: "The number of raw events folded behind a sibling",
	})
	lostRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quark_lost_records",
		Help: "The number of records the kernel reported lost",
	})
	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quark_decode_errors",
		Help: "The number of records dropped as undecodable",
	})
)

// StartMetricsExporter serves the process metrics over HTTP. It
// blocks; callers run it in a goroutine if they want it beside a
// populate loop.
func StartMetricsExporter(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("metrics exporter listening on %s", listen)

	return http.ListenAndServe(listen, mux)
}
