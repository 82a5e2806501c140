// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfparse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	eventsProcessed *prometheus.CounterVec
	samples         *prometheus.CounterVec
	dataSamples     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		eventsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "perf_parser_events_processed_total",
			Help: "Number of records processed, by record type.",
		}, []string{"type"}),
		samples: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "perf_parser_samples_total",
			Help: "Number of sample records processed, by mapping result.",
		}, []string{"result"}),
		dataSamples: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "perf_parser_data_samples_total",
			Help: "Number of sample records carrying a data address, by mapping result.",
		}, []string{"result"}),
	}
}

func (m *metrics) observe(stats *Stats) {
	m.eventsProcessed.WithLabelValues("mmap").Add(float64(stats.NumMmapEvents))
	m.eventsProcessed.WithLabelValues("comm").Add(float64(stats.NumCommEvents))
	m.eventsProcessed.WithLabelValues("fork").Add(float64(stats.NumForkEvents))
	m.eventsProcessed.WithLabelValues("exit").Add(float64(stats.NumExitEvents))
	m.eventsProcessed.WithLabelValues("sample").Add(float64(stats.NumSampleEvents))

	m.samples.WithLabelValues("mapped").Add(float64(stats.NumSampleEventsMapped))
	m.samples.WithLabelValues("unmapped").Add(float64(stats.NumSampleEvents - stats.NumSampleEventsMapped))

	m.dataSamples.WithLabelValues("mapped").Add(float64(stats.NumDataSampleEventsMapped))
	m.dataSamples.WithLabelValues("unmapped").Add(float64(stats.NumDataSampleEvents - stats.NumDataSampleEventsMapped))
}
