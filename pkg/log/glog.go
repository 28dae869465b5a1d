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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// GoogleEmitter emits lines in the format of github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// L is the first letter of the level and pid is padded to seven columns.
type GoogleEmitter struct {
	*Writer
}

var glogPID = fmt.Sprintf("%7d", os.Getpid())

// caller returns the base name and line of the function depth frames above
// the emitter's caller.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???", 0
	}
	return filepath.Base(file), line
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	file, line := caller(depth)
	buf := make([]byte, 0, 128)
	buf = append(buf, level.String()[0])
	buf = timestamp.AppendFormat(buf, "0102 15:04:05.000000")
	buf = fmt.Appendf(buf, " %s %s:%d] ", glogPID, file, line)
	buf = fmt.Appendf(buf, format, args...)
	buf = append(buf, '\n')
	g.Writer.Write(buf)
}
