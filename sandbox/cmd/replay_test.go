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

package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/andrewth/dune/pkg/metric"
	"github.com/andrewth/dune/sandbox/config"
	"github.com/andrewth/dune/sandbox/trace"
)

func smallConfig() *config.Config {
	c := config.Default()
	c.CeilingOffset = 4 << 20
	c.RegionLimit = 1 << 20
	c.StackSize = 64 << 10
	return c
}

const replayTrace = `
ops:
- op: brk
  expect: ok
- op: brk
  addr: 0x200000002000
  expect: ok
- op: mmap
  length: 0x2000
  prot: rw
  flags: [private, anonymous]
  expect: ok
- op: munmap
  addr: 0x1000
  length: 0x1000
  expect: EACCES
- op: mprotect
  addr: 0x2000003fe000
  length: 0x1000
  prot: r
  expect: ok
- op: mmap
  length: 0x1000
  prot: r
  flags: [private, shared, anonymous]
  expect: EINVAL
- op: mmap
  addr: 0x2000003fe000
  length: 0x1000
  prot: r
  flags: [private, anonymous, fixed_noreplace]
  expect: EEXIST
- op: stack
  expect: ok
`

func replay(t *testing.T, c *config.Config, src string) (string, int) {
	t.Helper()
	tr, err := trace.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	mm, err := newMemoryManager(c, false /* live */)
	if err != nil {
		t.Fatalf("newMemoryManager failed: %v", err)
	}
	var out bytes.Buffer
	failures := runTrace(&out, mm, tr)
	return out.String(), failures
}

func TestReplay(t *testing.T) {
	out, failures := replay(t, smallConfig(), replayTrace)
	if failures != 0 {
		t.Errorf("got %d mismatches, want 0:\n%s", failures, out)
	}
	for _, want := range []string{
		"0: brk(0x0) = 0x200000000000",
		"1: brk(0x200000002000) = 0x200000002000",
		"2: mmap(",
		") = 0x2000003fe000",
		"3: munmap(0x1000, 0x1000) = -EACCES",
		"4: mprotect(0x2000003fe000, 0x1000, \"r\") = 0x0",
		"5: mmap(",
		") = -EINVAL",
		"6: mmap(",
		") = -EEXIST",
		"heap 0x2000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestReplayMismatch(t *testing.T) {
	const src = `
ops:
- op: munmap
  addr: 0x1000
  length: 0x1000
  expect: ok
- op: brk
  addr: 0x1000
  expect: EINVAL
`
	out, failures := replay(t, smallConfig(), src)
	if failures != 1 {
		t.Errorf("got %d mismatches, want 1:\n%s", failures, out)
	}
	if !strings.Contains(out, "0: MISMATCH") {
		t.Errorf("output does not report the mismatch:\n%s", out)
	}
}

func TestReplayMetrics(t *testing.T) {
	if _, failures := replay(t, smallConfig(), replayTrace); failures != 0 {
		t.Fatalf("got %d mismatches, want 0", failures)
	}
	var buf bytes.Buffer
	if err := metric.WritePrometheus(&buf, metricPrefix); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	for _, want := range []string{
		`sandbox_umm_calls{op="mmap"}`,
		`sandbox_umm_failures{kind="denied"}`,
		`sandbox_umm_denied_escapes`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("metrics missing %q:\n%s", want, buf.String())
		}
	}
}

func TestNewMemoryManagerInvalidLayout(t *testing.T) {
	c := smallConfig()
	c.RegionLimit = c.CeilingOffset + 1
	if _, err := newMemoryManager(c, false /* live */); err == nil {
		t.Errorf("newMemoryManager succeeded with an invalid layout")
	}
}
