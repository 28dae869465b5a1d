// Copyright 2025 The gVisor Authors.
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

package config

import (
	"strconv"

	"github.com/kvmarm/shadowmmu/pkg/prometheus"
)

var (
	abortsMetric = &prometheus.Metric{
		Name: "shadowmmu_aborts_total",
		Type: prometheus.TypeCounter,
		Help: "Guest aborts handled.",
	}
	mappedMetric = &prometheus.Metric{
		Name: "shadowmmu_mapped_total",
		Type: prometheus.TypeCounter,
		Help: "Aborts resolved by installing a shadow leaf.",
	}
	injectedMetric = &prometheus.Metric{
		Name: "shadowmmu_injected_faults_total",
		Type: prometheus.TypeCounter,
		Help: "Aborts reflected to the guest as faults.",
	}
	mmioMetric = &prometheus.Metric{
		Name: "shadowmmu_mmio_total",
		Type: prometheus.TypeCounter,
		Help: "Aborts on guest frames outside every memory slot.",
	}
	tablesMetric = &prometheus.Metric{
		Name: "shadowmmu_shadow_tables",
		Type: prometheus.TypeGauge,
		Help: "Live shadow first level tables.",
	}
	subTablesMetric = &prometheus.Metric{
		Name: "shadowmmu_shadow_subtables",
		Type: prometheus.TypeGauge,
		Help: "Live shadow second level tables.",
	}
	pagesMetric = &prometheus.Metric{
		Name: "shadowmmu_host_pages",
		Type: prometheus.TypeGauge,
		Help: "Host pages held by the shadow page source.",
	}
	pinsMetric = &prometheus.Metric{
		Name: "shadowmmu_frame_pins_total",
		Type: prometheus.TypeCounter,
		Help: "Guest frame references taken.",
	}
	releasesMetric = &prometheus.Metric{
		Name: "shadowmmu_frame_releases_total",
		Type: prometheus.TypeCounter,
		Help: "Guest frame references dropped.",
	}
	outstandingMetric = &prometheus.Metric{
		Name: "shadowmmu_frames_outstanding",
		Type: prometheus.TypeGauge,
		Help: "Guest frames currently referenced.",
	}
)

// Snapshot collects the counters of every part of e.
func (e *Env) Snapshot() *prometheus.Snapshot {
	s := prometheus.NewSnapshot()
	for _, c := range e.VCPUs {
		l := map[string]string{"vcpu": strconv.Itoa(c.ID())}
		st, sh := c.Stats(), c.Shadow().Stats()
		s.Add(
			prometheus.LabeledIntData(abortsMetric, l, st.Aborts),
			prometheus.LabeledIntData(mappedMetric, l, st.Mapped),
			prometheus.LabeledIntData(injectedMetric, l, st.Injected),
			prometheus.LabeledIntData(mmioMetric, l, st.MMIO),
			prometheus.LabeledIntData(tablesMetric, l, uint64(sh.Tables)),
			prometheus.LabeledIntData(subTablesMetric, l, uint64(sh.SubTables)),
		)
	}
	s.Add(prometheus.NewIntData(pagesMetric, e.Source.Stats().Live()))
	fs := e.Frames.Stats()
	s.Add(
		prometheus.NewIntData(pinsMetric, fs.Pins),
		prometheus.LabeledIntData(releasesMetric, map[string]string{"kind": "dirty"}, fs.DirtyReleases),
		prometheus.LabeledIntData(releasesMetric, map[string]string{"kind": "clean"}, fs.CleanReleases),
		prometheus.NewIntData(outstandingMetric, uint64(e.Frames.Outstanding())),
	)
	return s
}
