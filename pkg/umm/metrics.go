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

package umm

import "github.com/andrewth/dune/pkg/metric"

// Operation names, used in errors, logs and metrics.
const (
	opBrk      = "brk"
	opMMap     = "mmap"
	opMUnmap   = "munmap"
	opMProtect = "mprotect"
	opStack    = "stack"
)

var (
	callsMetric = metric.MustCreateNewUint64Metric("/umm/calls", "Memory management calls by operation.",
		metric.NewField("op", opBrk, opMMap, opMUnmap, opMProtect, opStack))
	failuresMetric = metric.MustCreateNewUint64Metric("/umm/failures", "Failed memory management calls by kind.",
		metric.NewField("kind",
			OutOfAddressSpace.metricName(),
			InvalidArgument.metricName(),
			PermissionDenied.metricName(),
			HostMappingFailed.metricName(),
			ShadowMappingFailed.metricName(),
			Kind(0).metricName()))
	rollbacksMetric     = metric.MustCreateNewUint64Metric("/umm/rollbacks", "Host mappings undone after a failed shadow update.")
	hugeRetriesMetric   = metric.MustCreateNewUint64Metric("/umm/huge_unmap_retries", "Unmaps retried at huge page granularity.")
	hugeMappingsMetric  = metric.MustCreateNewUint64Metric("/umm/huge_mappings", "Mappings placed in the huge page zone.")
	deniedEscapesMetric = metric.MustCreateNewUint64Metric("/umm/denied_escapes", "Guest ranges rejected by the safety check.")
)

// record counts a call of op and its failure, if any.
func record(op string, err error) {
	callsMetric.Increment(op)
	if err == nil {
		return
	}
	kind := Kind(0)
	if e, ok := err.(*Error); ok {
		kind = e.Kind
	}
	failuresMetric.Increment(kind.metricName())
}
