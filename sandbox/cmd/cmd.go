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

// Package cmd holds implementations of the sandbox commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/andrewth/dune/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of the tool and are in addition to the debug
// log.
var ErrorLogger io.Writer

// Fatalf logs the same message to the debug log, ErrorLogger and stderr, then
// exits with status 128.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(format, args...)
	os.Exit(128)
}

// Errorf logs the message like Fatalf without exiting.
func Errorf(format string, args ...any) {
	log.Warningf(format, args...)
	writeError(format, args...)
}

func writeError(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if ErrorLogger != nil {
		_, _ = io.WriteString(ErrorLogger, msg)
	}
	_, _ = io.WriteString(os.Stderr, msg)
}
