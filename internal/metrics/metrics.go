// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics exports driver statistics to prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinasystems/mcdma/dma"
	"github.com/platinasystems/mcdma/rdm"
)

const (
	descBuffers = iota
	descBuffersInUse
	descPushes
	descRingFull
	descCompletions
	descForeign
	descAnomalies
	descChangeRequests
	descChangeAcks
	descRdmFreeBlocks
	descRdmBlocks
	descRdmUsedWords
	descRdmQueued
	descRdmWaiting
	descRdmPendingUpdates
	descRdmEpochs
)

var (
	deviceLabels = []string{"device", "id"}
	pipeLabels   = []string{"device", "pipe"}

	descriptors = []*prometheus.Desc{
		descBuffers: prometheus.NewDesc(
			"mcdma_buffers",
			"Write list buffers of a device.",
			deviceLabels, nil,
		),
		descBuffersInUse: prometheus.NewDesc(
			"mcdma_buffers_in_use",
			"Buffers handed to hardware and not yet completed.",
			deviceLabels, nil,
		),
		descPushes: prometheus.NewDesc(
			"mcdma_pushes_total",
			"Descriptors accepted by the transmit rings.",
			deviceLabels, nil,
		),
		descRingFull: prometheus.NewDesc(
			"mcdma_ring_full_total",
			"Pushes refused by a full transmit ring.",
			deviceLabels, nil,
		),
		descCompletions: prometheus.NewDesc(
			"mcdma_completions_total",
			"Completions matched to in flight buffers.",
			deviceLabels, nil,
		),
		descForeign: prometheus.NewDesc(
			"mcdma_foreign_completions_total",
			"Completions dropped because their tag named no in flight buffer.",
			deviceLabels, nil,
		),
		descAnomalies: prometheus.NewDesc(
			"mcdma_completion_errors_total",
			"Completions reporting a hardware error status.",
			deviceLabels, nil,
		),
		descChangeRequests: prometheus.NewDesc(
			"mcdma_rdm_change_requests_total",
			"RDM changes requested.",
			deviceLabels, nil,
		),
		descChangeAcks: prometheus.NewDesc(
			"mcdma_rdm_change_acks_total",
			"RDM changes acknowledged by hardware.",
			deviceLabels, nil,
		),
		descRdmFreeBlocks: prometheus.NewDesc(
			"mcdma_rdm_free_blocks",
			"RDM blocks owned by no pipe.",
			[]string{"device"}, nil,
		),
		descRdmBlocks: prometheus.NewDesc(
			"mcdma_rdm_blocks",
			"RDM blocks owned by a pipe for a node class.",
			[]string{"device", "pipe", "class"}, nil,
		),
		descRdmUsedWords: prometheus.NewDesc(
			"mcdma_rdm_used_words",
			"RDM words allocated by a pipe.",
			pipeLabels, nil,
		),
		descRdmQueued: prometheus.NewDesc(
			"mcdma_rdm_queued_frees",
			"Freed RDM addresses waiting for a first change acknowledgment.",
			pipeLabels, nil,
		),
		descRdmWaiting: prometheus.NewDesc(
			"mcdma_rdm_waiting_frees",
			"Freed RDM addresses waiting for a second change acknowledgment.",
			pipeLabels, nil,
		),
		descRdmPendingUpdates: prometheus.NewDesc(
			"mcdma_rdm_pending_tree_updates",
			"Tree size updates waiting for a change acknowledgment.",
			pipeLabels, nil,
		),
		descRdmEpochs: prometheus.NewDesc(
			"mcdma_rdm_epochs_total",
			"Acknowledged RDM changes of a pipe.",
			pipeLabels, nil,
		),
	}
)

// Source provides statistics to collect.
type Source interface {
	Stats() dma.Stats
}

// Collector is a prometheus.Collector over a driver.
type Collector struct {
	src Source
}

func NewCollector(src Source) *Collector { return &Collector{src: src} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(i int, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[i], prometheus.GaugeValue, v, labels...)
	}
	counter := func(i int, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[i], prometheus.CounterValue, float64(v), labels...)
	}
	for _, d := range c.src.Stats().Devices {
		gauge(descBuffers, float64(d.Buffers), d.Name, d.ID)
		gauge(descBuffersInUse, float64(d.BuffersInUse), d.Name, d.ID)
		counter(descPushes, d.Pushes, d.Name, d.ID)
		counter(descRingFull, d.RingFull, d.Name, d.ID)
		counter(descCompletions, d.Completions, d.Name, d.ID)
		counter(descForeign, d.Foreign, d.Name, d.ID)
		counter(descAnomalies, d.Anomalies, d.Name, d.ID)
		counter(descChangeRequests, d.ChangeRequests, d.Name, d.ID)
		counter(descChangeAcks, d.ChangeAcks, d.Name, d.ID)
		gauge(descRdmFreeBlocks, float64(d.Rdm.FreeBlocks), d.Name)
		for p, ps := range d.Rdm.Pipes {
			pipe := strconv.Itoa(p)
			for class := rdm.Class(0); class < rdm.NClass; class++ {
				gauge(descRdmBlocks, float64(ps.Blocks[class]), d.Name, pipe, class.String())
			}
			gauge(descRdmUsedWords, float64(ps.UsedWords), d.Name, pipe)
			gauge(descRdmQueued, float64(ps.Queued), d.Name, pipe)
			gauge(descRdmWaiting, float64(ps.Waiting), d.Name, pipe)
			gauge(descRdmPendingUpdates, float64(ps.PendingUpdates), d.Name, pipe)
			counter(descRdmEpochs, ps.Epochs, d.Name, pipe)
		}
	}
}
