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
	"bytes"
	"strings"
	"testing"
)

func TestNames(t *testing.T) {
	for name, want := range map[string]bool{
		"/test/ok":        true,
		"/test/ok_2":      true,
		"test/no_slash":   false,
		"/test/trailing/": false,
		"/test//double":   false,
		"/test/Upper":     false,
	} {
		if got := validName(name); got != want {
			t.Errorf("validName(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := NewUint64Metric("/Bad", ""); err != ErrInvalidMetricName {
		t.Errorf("NewUint64Metric(/Bad) got err %v want %v", err, ErrInvalidMetricName)
	}
}

func TestDuplicateName(t *testing.T) {
	if _, err := NewUint64Metric("/test/duplicate", "first"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/test/duplicate", "second"); err != ErrNameInUse {
		t.Fatalf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
}

func TestFieldValidation(t *testing.T) {
	if _, err := NewUint64Metric("/test/nofield_values", "", NewField("kind")); err != ErrFieldHasNoAllowedValues {
		t.Errorf("got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
	if _, err := NewUint64Metric("/test/two_fields", "", NewField("a", "x"), NewField("b", "y")); err == nil {
		t.Errorf("two fields accepted")
	}
}

func TestIncrement(t *testing.T) {
	plain := MustCreateNewUint64Metric("/test/plain", "plain counter")
	plain.Increment()
	plain.IncrementBy(4)
	if got := plain.Value(); got != 5 {
		t.Errorf("plain.Value() = %d, want 5", got)
	}

	byKind := MustCreateNewUint64Metric("/test/by_kind", "counter with field", NewField("kind", "a", "b"))
	byKind.Increment("b")
	byKind.Increment("b")
	if got := byKind.Value("a"); got != 0 {
		t.Errorf("byKind.Value(a) = %d, want 0", got)
	}
	if got := byKind.Value("b"); got != 2 {
		t.Errorf("byKind.Value(b) = %d, want 2", got)
	}
}

func TestWritePrometheus(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/export", "exported counter", NewField("result", "ok", "failed"))
	m.IncrementBy(3, "ok")

	var buf bytes.Buffer
	if err := WritePrometheus(&buf, "sandbox"); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# HELP sandbox_test_export exported counter\n",
		"# TYPE sandbox_test_export counter\n",
		`sandbox_test_export{result="ok"} 3` + "\n",
		`sandbox_test_export{result="failed"} 0` + "\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
