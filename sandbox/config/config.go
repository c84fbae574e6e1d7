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

// Package config provides basic infrastructure to set configuration settings
// for the sandbox tool. The settings are set by a configuration file and
// command line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/andrewth/dune/pkg/hostarch"
	"github.com/andrewth/dune/pkg/log"
	"github.com/andrewth/dune/pkg/umm"
)

// Config holds configuration that is not part of the guest trace.
//
// Fields with a flag tag are settable from the command line. All fields are
// settable from a configuration file.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// DebugLog is the path to log debug information to, if not empty. The
	// variables %TIMESTAMP% and %COMMAND% are expanded.
	DebugLog string `flag:"debug-log" toml:"debug_log" yaml:"debug_log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// HeapBase is the address where the guest heap begins.
	HeapBase uint64 `flag:"heap-base" toml:"heap_base" yaml:"heap_base"`

	// CeilingOffset is the offset above HeapBase of the top of the
	// general region.
	CeilingOffset uint64 `flag:"ceiling-offset" toml:"ceiling_offset" yaml:"ceiling_offset"`

	// RegionLimit bounds the bytes committed to the heap and the general
	// region together.
	RegionLimit uint64 `flag:"region-limit" toml:"region_limit" yaml:"region_limit"`

	// PageSize is the ordinary page granularity.
	PageSize uint64 `flag:"page-size" toml:"page_size" yaml:"page_size"`

	// HugePageSize is the huge page granularity.
	HugePageSize uint64 `flag:"huge-page-size" toml:"huge_page_size" yaml:"huge_page_size"`

	// StackSize is the size of a guest stack, guard page included.
	StackSize uint64 `flag:"stack-size" toml:"stack_size" yaml:"stack_size"`

	// HugePages enables huge page backed placement of large mappings.
	HugePages bool `flag:"huge-pages" toml:"huge_pages" yaml:"huge_pages"`

	// HugeHeap rounds the heap to the huge page granularity.
	HugeHeap bool `flag:"huge-heap" toml:"huge_heap" yaml:"huge_heap"`

	// Authorized lists extra ranges the guest may reference.
	Authorized []Range `toml:"authorized" yaml:"authorized"`

	// HostHugeTLB backs huge mappings with MAP_HUGETLB on the live host.
	HostHugeTLB bool `flag:"host-hugetlb" toml:"host_hugetlb" yaml:"host_hugetlb"`

	// HostRetries is the number of retries of a transient host failure.
	HostRetries uint64 `flag:"host-retries" toml:"host_retries" yaml:"host_retries"`

	// HostRetryDelay is the delay between retries of a transient host
	// failure.
	HostRetryDelay time.Duration `flag:"host-retry-delay" toml:"host_retry_delay" yaml:"host_retry_delay"`
}

// Range is an authorized address range [Start, End).
type Range struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// Default returns the default configuration.
func Default() *Config {
	l := umm.DefaultLayout()
	return &Config{
		LogFormat:      "text",
		HeapBase:       uint64(l.Base),
		CeilingOffset:  l.CeilingOffset,
		RegionLimit:    l.RegionLimit,
		PageSize:       l.PageSize,
		HugePageSize:   l.HugePageSize,
		StackSize:      l.StackSize,
		HugePages:      l.HugePages,
		HugeHeap:       l.HugeHeap,
		HostRetries:    3,
		HostRetryDelay: time.Millisecond,
	}
}

// Load returns the default configuration overridden by the file at path.
// Files ending in .yaml or .yml are YAML, all others TOML. Unknown keys are
// an error.
func Load(path string) (*Config, error) {
	conf := Default()
	if err := conf.loadFile(path); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) loadFile(path string) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("decoding %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decoding %q: unknown keys %v", path, undecoded)
		}
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if _, err := c.Layout(); err != nil {
		return err
	}
	return nil
}

// Layout returns the validated address space layout described by c.
func (c *Config) Layout() (umm.Layout, error) {
	l := umm.Layout{
		Base:          hostarch.Addr(c.HeapBase),
		CeilingOffset: c.CeilingOffset,
		RegionLimit:   c.RegionLimit,
		PageSize:      c.PageSize,
		HugePageSize:  c.HugePageSize,
		StackSize:     c.StackSize,
		HugePages:     c.HugePages,
		HugeHeap:      c.HugeHeap,
	}
	for _, r := range c.Authorized {
		l.Authorized = append(l.Authorized, hostarch.AddrRange{Start: hostarch.Addr(r.Start), End: hostarch.Addr(r.End)})
	}
	if err := l.Validate(); err != nil {
		return umm.Layout{}, fmt.Errorf("invalid layout: %w", err)
	}
	return l, nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs the configuration at info level.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		v := obj.Field(i).Interface()
		if f.Type.Kind() == reflect.Uint64 {
			log.Infof("  %s: %#x", f.Name, v)
			continue
		}
		log.Infof("  %s: %v", f.Name, v)
	}
}
