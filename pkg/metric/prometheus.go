// Copyright 2019 The gVisor Authors.
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

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// prometheusName converts a registered name such as /umm/brk to a Prometheus
// metric name such as sandbox_umm_brk.
func prometheusName(prefix, name string) string {
	return prefix + strings.ReplaceAll(name, "/", "_")
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format. Every metric is exported as a counter whose name is
// prefix followed by the registered name with slashes replaced by
// underscores.
func WritePrometheus(w io.Writer, prefix string) error {
	var (
		families []*dto.MetricFamily
		current  *dto.MetricFamily
	)
	for _, s := range Snapshot() {
		name := prometheusName(prefix, s.Name)
		if current == nil || current.GetName() != name {
			current = &dto.MetricFamily{
				Name: proto.String(name),
				Help: proto.String(s.Description),
				Type: dto.MetricType_COUNTER.Enum(),
			}
			families = append(families, current)
		}
		m := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(s.Value))},
		}
		if s.Field != "" {
			m.Label = []*dto.LabelPair{{
				Name:  proto.String(s.Field),
				Value: proto.String(s.FieldValue),
			}}
		}
		current.Metric = append(current.Metric, m)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
