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

// Package prometheus exports emulator counters in the Prometheus text
// exposition format.
package prometheus

import (
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"google.golang.org/protobuf/proto"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

func (t Type) proto() *dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE.Enum()
	case TypeCounter:
		return dto.MetricType_COUNTER.Enum()
	default:
		return dto.MetricType_UNTYPED.Enum()
	}
}

// Metric is the metadata of a metric.
type Metric struct {
	Name string
	Type Type
	Help string
}

// Data is one observation of a metric.
type Data struct {
	Metric *Metric

	// Labels distinguish observations of the same metric.
	Labels map[string]string

	Value float64
}

// NewIntData returns an unlabeled observation.
func NewIntData(metric *Metric, val uint64) *Data {
	return &Data{Metric: metric, Value: float64(val)}
}

// LabeledIntData returns an observation with labels.
func LabeledIntData(metric *Metric, labels map[string]string, val uint64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: float64(val)}
}

// Snapshot is a set of observations taken together.
type Snapshot struct {
	Data []*Data
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Add appends data to s and returns s.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// families groups the observations by metric name.
func (s *Snapshot) families() ([]*dto.MetricFamily, error) {
	byName := make(map[string]*dto.MetricFamily)
	defs := make(map[string]*Metric)
	for _, d := range s.Data {
		m := d.Metric
		if !model.IsValidMetricName(model.LabelValue(m.Name)) {
			return nil, fmt.Errorf("invalid metric name %q", m.Name)
		}
		if prev, ok := defs[m.Name]; ok && *prev != *m {
			return nil, fmt.Errorf("metric %q defined twice with different metadata", m.Name)
		}
		defs[m.Name] = m
		fam, ok := byName[m.Name]
		if !ok {
			fam = &dto.MetricFamily{
				Name: proto.String(m.Name),
				Type: m.Type.proto(),
			}
			if m.Help != "" {
				fam.Help = proto.String(m.Help)
			}
			byName[m.Name] = fam
		}
		pm, err := d.proto()
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", m.Name, err)
		}
		fam.Metric = append(fam.Metric, pm)
	}
	fams := make([]*dto.MetricFamily, 0, len(byName))
	for _, f := range byName {
		fams = append(fams, f)
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams, nil
}

func (d *Data) proto() (*dto.Metric, error) {
	names := make([]string, 0, len(d.Labels))
	for k := range d.Labels {
		if !model.LabelName(k).IsValid() {
			return nil, fmt.Errorf("invalid label name %q", k)
		}
		names = append(names, k)
	}
	sort.Strings(names)
	pm := &dto.Metric{}
	for _, k := range names {
		pm.Label = append(pm.Label, &dto.LabelPair{
			Name:  proto.String(k),
			Value: proto.String(d.Labels[k]),
		})
	}
	v := proto.Float64(d.Value)
	switch d.Metric.Type {
	case TypeGauge:
		pm.Gauge = &dto.Gauge{Value: v}
	case TypeCounter:
		pm.Counter = &dto.Counter{Value: v}
	default:
		pm.Untyped = &dto.Untyped{Value: v}
	}
	return pm, nil
}

// Write writes s to w in the text exposition format, metrics sorted by
// name. It returns the number of bytes written.
func Write(w io.Writer, s *Snapshot) (int, error) {
	fams, err := s.families()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, f := range fams {
		n, err := expfmt.MetricFamilyToText(w, f)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
