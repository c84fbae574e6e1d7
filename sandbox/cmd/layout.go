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
	"text/tabwriter"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/andrewth/dune/pkg/umm"
	"github.com/andrewth/dune/sandbox/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	output string
}

// layoutDoc is the printable form of a layout.
type layoutDoc struct {
	Base          string   `yaml:"base"`
	Top           string   `yaml:"top"`
	CeilingOffset string   `yaml:"ceiling_offset"`
	RegionLimit   string   `yaml:"region_limit"`
	PageSize      string   `yaml:"page_size"`
	HugePageSize  string   `yaml:"huge_page_size"`
	StackSize     string   `yaml:"stack_size"`
	HugePages     bool     `yaml:"huge_pages"`
	HugeHeap      bool     `yaml:"huge_heap"`
	Authorized    []string `yaml:"authorized,omitempty"`
}

func newLayoutDoc(l umm.Layout) layoutDoc {
	d := layoutDoc{
		Base:          l.Base.String(),
		Top:           l.Region().End.String(),
		CeilingOffset: fmt.Sprintf("%#x", l.CeilingOffset),
		RegionLimit:   fmt.Sprintf("%#x", l.RegionLimit),
		PageSize:      fmt.Sprintf("%#x", l.PageSize),
		HugePageSize:  fmt.Sprintf("%#x", l.HugePageSize),
		StackSize:     fmt.Sprintf("%#x", l.StackSize),
		HugePages:     l.HugePages,
		HugeHeap:      l.HugeHeap,
	}
	for _, ar := range l.Authorized {
		d.Authorized = append(d.Authorized, ar.String())
	}
	return d
}

var layoutOutputs = map[string]func(io.Writer, layoutDoc) error{
	"table": writeLayoutTable,
	"yaml":  writeLayoutYAML,
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the effective guest address space layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [options] - print the guest address space layout that results from the
configuration file and flags.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.output, "o", "table", "output format (table, yaml).")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out, ok := layoutOutputs[l.output]
	if !ok {
		Fatalf("unsupported output format %q", l.output)
	}
	conf := args[0].(*config.Config)
	layout, err := conf.Layout()
	if err != nil {
		Fatalf("%v", err)
	}
	if err := out(os.Stdout, newLayoutDoc(layout)); err != nil {
		Fatalf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeLayoutTable(w io.Writer, d layoutDoc) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "base\t%s\n", d.Base)
	fmt.Fprintf(tw, "top\t%s\n", d.Top)
	fmt.Fprintf(tw, "ceiling offset\t%s\n", d.CeilingOffset)
	fmt.Fprintf(tw, "region limit\t%s\n", d.RegionLimit)
	fmt.Fprintf(tw, "page size\t%s\n", d.PageSize)
	fmt.Fprintf(tw, "huge page size\t%s\n", d.HugePageSize)
	fmt.Fprintf(tw, "stack size\t%s\n", d.StackSize)
	fmt.Fprintf(tw, "huge pages\t%t\n", d.HugePages)
	fmt.Fprintf(tw, "huge heap\t%t\n", d.HugeHeap)
	for _, ar := range d.Authorized {
		fmt.Fprintf(tw, "authorized\t%s\n", ar)
	}
	return tw.Flush()
}

func writeLayoutYAML(w io.Writer, d layoutDoc) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		return err
	}
	return enc.Close()
}
