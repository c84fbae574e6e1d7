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

package config

import (
	"flag"
	"fmt"
	"reflect"
)

// configFlag names the flag carrying the configuration file path.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()

	flagSet.String(configFlag, "", "path to a TOML or YAML configuration file. Flags override file settings.")

	// Debugging flags.
	flagSet.String("log", d.LogFilename, "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.String("debug-log", d.DebugLog, "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.Bool("alsologtostderr", d.AlsoLogToStderr, "send log messages to stderr.")

	// Flags that control the guest address space layout.
	flagSet.Uint64("heap-base", d.HeapBase, "address where the guest heap begins.")
	flagSet.Uint64("ceiling-offset", d.CeilingOffset, "offset above the heap base of the top of the general region.")
	flagSet.Uint64("region-limit", d.RegionLimit, "bytes the heap and the general region may commit together.")
	flagSet.Uint64("page-size", d.PageSize, "page granularity.")
	flagSet.Uint64("huge-page-size", d.HugePageSize, "huge page granularity.")
	flagSet.Uint64("stack-size", d.StackSize, "size of a guest stack, guard page included.")
	flagSet.Bool("huge-pages", d.HugePages, "place large anonymous mappings in huge pages.")
	flagSet.Bool("huge-heap", d.HugeHeap, "round the heap to huge pages.")

	// Flags that control the live host.
	flagSet.Bool("host-hugetlb", d.HostHugeTLB, "back huge mappings with MAP_HUGETLB instead of transparent huge pages.")
	flagSet.Uint64("host-retries", d.HostRetries, "number of retries of an EAGAIN or EINTR host failure.")
	flagSet.Duration("host-retry-delay", d.HostRetryDelay, "delay between retries of a transient host failure.")
}

// NewFromFlags creates a new Config from the configuration file named by
// --config, if any, and the flags explicitly set in flagSet.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup(configFlag); fl != nil && fl.Value.String() != "" {
		if err := conf.loadFile(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
