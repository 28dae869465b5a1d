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

package prometheus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

var (
	aborts = &Metric{Name: "shadowmmu_aborts_total", Type: TypeCounter, Help: "Guest aborts handled."}
	tables = &Metric{Name: "shadowmmu_shadow_tables", Type: TypeGauge, Help: "Live shadow tables."}
)

func TestWrite(t *testing.T) {
	s := NewSnapshot().Add(
		LabeledIntData(aborts, map[string]string{"vcpu": "0"}, 12),
		LabeledIntData(aborts, map[string]string{"vcpu": "1"}, 3),
		NewIntData(tables, 2),
	)
	var buf bytes.Buffer
	n, err := Write(&buf, s)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d, wrote %d bytes", n, buf.Len())
	}

	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies(%q): %v", buf.String(), err)
	}
	got := make(map[string]float64)
	for name, fam := range parsed {
		for _, m := range fam.GetMetric() {
			key := name
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.Counter != nil:
				got[key] = m.GetCounter().GetValue()
			case m.Gauge != nil:
				got[key] = m.GetGauge().GetValue()
			}
		}
	}
	want := map[string]float64{
		"shadowmmu_aborts_total,vcpu=0": 12,
		"shadowmmu_aborts_total,vcpu=1": 3,
		"shadowmmu_shadow_tables":       2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed metrics mismatch (-want +got):\n%s", diff)
	}
	if out := buf.String(); out != "" {
		t.Errorf("parser left %q unread", out)
	}
}

func TestWriteOrder(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Write(&buf, NewSnapshot().Add(NewIntData(tables, 1), NewIntData(aborts, 1))); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	if strings.Index(out, aborts.Name) > strings.Index(out, tables.Name) {
		t.Errorf("metrics not sorted by name:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE shadowmmu_aborts_total counter") {
		t.Errorf("missing counter type line:\n%s", out)
	}
}

func TestWriteErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []*Data
	}{
		{"bad name", []*Data{NewIntData(&Metric{Name: "0bad"}, 1)}},
		{"bad label", []*Data{LabeledIntData(aborts, map[string]string{"v-cpu": "0"}, 1)}},
		{"conflicting type", []*Data{
			NewIntData(tables, 1),
			NewIntData(&Metric{Name: tables.Name, Type: TypeCounter}, 1),
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := Write(&buf, NewSnapshot().Add(tc.data...)); err == nil {
				t.Errorf("Write succeeded:\n%s", buf.String())
			}
		})
	}
}
