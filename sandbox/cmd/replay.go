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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/andrewth/dune/pkg/hostmm"
	"github.com/andrewth/dune/pkg/hostmm/hostmmtest"
	"github.com/andrewth/dune/pkg/log"
	"github.com/andrewth/dune/pkg/metric"
	"github.com/andrewth/dune/pkg/umm"
	"github.com/andrewth/dune/sandbox/config"
	"github.com/andrewth/dune/sandbox/trace"
)

// metricPrefix prefixes exported metric names.
const metricPrefix = "sandbox"

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	live    bool
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "replay a trace of guest memory system calls"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [options] <trace> - replay guest memory system calls.

Each operation of the trace is issued through the system call interface of
a fresh memory manager and its result is printed. Operations with an
expected result that does not match cause a non-zero exit status.

By default host memory is simulated. With --live, mappings are created in
the address space of this process at the configured layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.live, "live", false, "map host memory in this process instead of simulating it.")
	f.BoolVar(&r.metrics, "metrics", false, "print metrics in Prometheus text format after the replay.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	t, err := trace.Load(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	mm, err := newMemoryManager(conf, r.live)
	if err != nil {
		Fatalf("creating memory manager: %v", err)
	}
	failures := runTrace(os.Stdout, mm, t)
	if r.metrics {
		if err := metric.WritePrometheus(os.Stdout, metricPrefix); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	if failures > 0 {
		Errorf("%d of %d operations did not match their expected result", failures, len(t.Ops))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// newMemoryManager creates a memory manager over a simulated or live host.
func newMemoryManager(conf *config.Config, live bool) (*umm.MemoryManager, error) {
	layout, err := conf.Layout()
	if err != nil {
		return nil, err
	}
	var (
		host       hostmm.Memory
		translator hostmm.Translator
	)
	if live {
		log.Infof("Replaying against the live host, region %v", layout.Region())
		host = &hostmm.Host{
			HugeTLB:    conf.HostHugeTLB,
			Retries:    conf.HostRetries,
			RetryDelay: conf.HostRetryDelay,
		}
		// Guest memory is identity mapped.
		translator = hostmm.OffsetTranslator{}
	} else {
		fake := hostmmtest.New()
		fake.HugeTLB = conf.HostHugeTLB
		host, translator = fake, fake
	}
	return umm.New(layout, host, translator, umm.NewPageTablesShadow())
}

// runTrace issues every operation of t and writes one line per result to w.
// It returns the number of results that did not match their expectation.
func runTrace(w io.Writer, mm *umm.MemoryManager, t *trace.Trace) int {
	failures := 0
	for i := range t.Ops {
		op := &t.Ops[i]
		var ret uintptr
		if sysno, args, ok := op.Syscall(); ok {
			ret, _ = mm.Syscall(sysno, args)
		} else {
			ret = mm.SysAllocStack()
		}
		fmt.Fprintf(w, "%d: %v = %s\n", i, op, trace.FormatResult(ret))
		if err := op.Check(ret); err != nil {
			fmt.Fprintf(w, "%d: MISMATCH: %v\n", i, err)
			failures++
		}
	}
	u := mm.Usage()
	fmt.Fprintf(w, "brk %v, heap %#x, mapped %#x, top %v\n", u.Brk, u.HeapLen, u.MappedLen, u.Top)
	return failures
}
