// Copyright 2025 The gVisor Authors.
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

// Binary shadowmmu walks guest translation tables and replays guest aborts
// against the shadow MMU emulation.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/kvmarm/shadowmmu/pkg/log"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging, same as -log-level=debug.")
	logLevel  = flag.String("log-level", "info", "log level: warning, info or debug.")
	logFormat = flag.String("log-format", "text", "log format: text or json.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Translate), "")
	subcommands.Register(new(Resolve), "")
	subcommands.Register(new(Replay), "")

	flag.Parse()

	e, err := newEmitter(*logFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.SetTarget(e)
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *debug {
		level = log.Debug
	}
	log.SetLevel(level)
	os.Exit(int(subcommands.Execute(context.Background())))
}

func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}
