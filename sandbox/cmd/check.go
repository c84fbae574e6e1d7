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

	"github.com/google/subcommands"

	"github.com/andrewth/dune/pkg/log"
	"github.com/andrewth/dune/sandbox/trace"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "validate the configuration and trace files"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [trace...] - validate the configuration and, optionally, trace files.

The configuration is validated while flags are parsed, so reaching this
command means it is valid.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		t, err := trace.Load(path)
		if err != nil {
			Errorf("%v", err)
			status = subcommands.ExitFailure
			continue
		}
		log.Infof("Trace %q: %d ops", path, len(t.Ops))
	}
	if status == subcommands.ExitSuccess {
		fmt.Println("OK")
	}
	return status
}
