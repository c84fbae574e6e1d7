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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidMetricName indicates that a metric name is not
	// slash-separated lowercase words.
	ErrInvalidMetricName = errors.New("metric name must be of the form /a/b_c")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. A metric has at most one field, each allowed value of which is
// counted separately.
type Uint64Metric struct {
	name        string
	description string
	field       *Field

	// values holds one counter per allowed field value, or a single counter
	// when the metric has no field.
	values []atomic.Uint64
}

// registry holds all registered metrics.
var registry = struct {
	mu          sync.Mutex
	initialized bool
	metrics     map[string]*Uint64Metric
}{
	metrics: make(map[string]*Uint64Metric),
}

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	for _, r := range name[1:] {
		if !(r == '/' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return !strings.Contains(name, "//")
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, ErrInvalidMetricName
	}
	if l := len(fields); l > 1 {
		return nil, fmt.Errorf("%d fields provided, must be <= 1", l)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		values:      make([]atomic.Uint64, 1),
	}
	if len(fields) == 1 {
		f := fields[0]
		if len(f.allowedValues) == 0 {
			return nil, ErrFieldHasNoAllowedValues
		}
		m.field = &f
		m.values = make([]atomic.Uint64, len(f.allowedValues))
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.initialized {
		return nil, ErrInitializationDone
	}
	if _, ok := registry.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	registry.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Initialize freezes the set of registered metrics. Metrics created after
// Initialize fail with ErrInitializationDone.
func Initialize() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.initialized = true
}

// index returns the counter slot for the given field values.
func (m *Uint64Metric) index(fieldValues ...string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %s has no fields, got %v", m.name, fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %s requires exactly one field value, got %v", m.name, fieldValues))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("metric %s: value %q not allowed for field %s", m.name, fieldValues[0], m.field.name))
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.index(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues...)].Add(v)
}

// Name returns the registered name of the metric.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Sample is a point-in-time reading of one metric value.
type Sample struct {
	// Name is the registered metric name.
	Name string

	// Description is the registered metric description.
	Description string

	// Field and FieldValue identify the counter when the metric has a field.
	Field      string
	FieldValue string

	// Value is the counter value.
	Value uint64
}

// Snapshot returns the values of all registered metrics, sorted by name and
// field value order.
func Snapshot() []Sample {
	registry.mu.Lock()
	names := make([]string, 0, len(registry.metrics))
	for name := range registry.metrics {
		names = append(names, name)
	}
	metrics := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, registry.metrics[name])
	}
	registry.mu.Unlock()

	var samples []Sample
	for _, m := range metrics {
		if m.field == nil {
			samples = append(samples, Sample{Name: m.name, Description: m.description, Value: m.values[0].Load()})
			continue
		}
		for i, v := range m.field.allowedValues {
			samples = append(samples, Sample{
				Name:        m.name,
				Description: m.description,
				Field:       m.field.name,
				FieldValue:  v,
				Value:       m.values[i].Load(),
			})
		}
	}
	return samples
}
