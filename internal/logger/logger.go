// Copyright 2024 The SDBTreeFS Authors.
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

// Package logger configures the process-wide leveled logger every other
// package logs through.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	std.SetLevel(logrus.InfoLevel)
}

// Init configures the package logger's level and whether it runs in
// debug mode (trace-level, caller-annotated output), mirroring the
// teacher's own leveled-logger setup.
func Init(debug bool) {
	if debug {
		std.SetLevel(logrus.TraceLevel)
		std.SetReportCaller(true)
		return
	}
	std.SetLevel(logrus.InfoLevel)
	std.SetReportCaller(false)
}

// SetOutput redirects log output, used by tests to capture log lines.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetLevel parses and applies a level name (trace, debug, info, warn,
// error, ...), the knob the --log-level flag drives.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(lvl)
	return nil
}

// For returns a component-scoped entry, e.g. For("fs") tags every line
// logged through it with component=fs.
func For(component string) *logrus.Entry {
	return std.WithField("component", component)
}

// Op returns an entry scoped to both a component and the path an
// operation is acting on, the shape every C9 VFS handler logs through.
func Op(component, op, path string) *logrus.Entry {
	return std.WithFields(logrus.Fields{
		"component": component,
		"op":        op,
		"path":      path,
	})
}
