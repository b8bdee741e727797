// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	fetchRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strata_fetch_operations_total",
		Help: "Count of fetch operations started.",
	})
	fetchWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strata_fetch_waits_total",
		Help: "Count of fetch operations that waited for more data.",
	})
	fetchWaitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strata_fetch_wait_timeouts_total",
		Help: "Count of waits that ended at the request deadline.",
	})
	fetchWakes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strata_fetch_wakes_total",
		Help: "Count of append notifications that woke a waiting fetch.",
	})
	partitionReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_fetch_partition_reads_total",
		Help: "Count of partition reads labeled by outcome.",
	}, []string{"result"})
	responseBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strata_fetch_response_bytes_total",
		Help: "Record bytes handed to fetch clients.",
	})
)

func init() {
	prometheus.MustRegister(
		fetchRequests,
		fetchWaits,
		fetchWaitTimeouts,
		fetchWakes,
		partitionReads,
		responseBytes,
	)
}
