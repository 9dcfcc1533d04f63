// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		UploadsTotal, UploadBytes, DedupHits,
		DownloadsTotal, DeletesTotal,
		BlobsSwept, SweepErrors, SweepDuration,
		StagingReaped, QuotaRejections,
		RequestDuration, RateLimited,
	)
}

var (
	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_uploads_total",
		Help: "Uploads by result",
	}, []string{"result"})

	UploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filevault_upload_bytes_total",
		Help: "Logical bytes accepted by uploads",
	})

	DedupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filevault_dedup_hits_total",
		Help: "Uploads that matched an existing blob",
	})

	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_downloads_total",
		Help: "Downloads by result",
	}, []string{"result"})

	DeletesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_deletes_total",
		Help: "Deletes by result",
	}, []string{"result"})

	BlobsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filevault_blobs_swept_total",
		Help: "Blobs whose bytes were removed by the sweep",
	})

	SweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filevault_sweep_errors_total",
		Help: "Blob deletions that failed and were left for the next sweep",
	})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "filevault_sweep_duration_seconds",
		Help:    "Elapsed time of a sweep run",
		Buckets: prometheus.DefBuckets,
	})

	StagingReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filevault_staging_reaped_total",
		Help: "Abandoned staging files removed",
	})

	QuotaRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filevault_quota_rejections_total",
		Help: "Reservations refused for exceeding quota",
	})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filevault_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filevault_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)

// WritePrometheus writes the registry in the text exposition format.
func WritePrometheus(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
