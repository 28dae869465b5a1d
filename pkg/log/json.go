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
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return strconv.AppendQuote(nil, levelNames[l]), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Levels may be
// given by name or by number.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if name, err := strconv.Unquote(s); err == nil {
		for lv, n := range levelNames {
			if n == name {
				*l = Level(lv)
				return nil
			}
		}
		return fmt.Errorf("unknown level %q", s)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n >= uint64(len(levelNames)) {
		return fmt.Errorf("unknown level %q", s)
	}
	*l = Level(n)
	return nil
}

// ParseLevel parses a level given on the command line by name or number.
func ParseLevel(s string) (Level, error) {
	var l Level
	if err := l.UnmarshalJSON([]byte(s)); err == nil {
		return l, nil
	}
	err := l.UnmarshalJSON(strconv.AppendQuote(nil, s))
	return l, err
}

// JSONEmitter emits one JSON object per line.
type JSONEmitter struct {
	*Writer
}

type jsonLine struct {
	Msg    string    `json:"msg"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
	Caller string    `json:"caller"`
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	file, line := caller(depth)
	b, err := json.Marshal(jsonLine{
		Msg:    fmt.Sprintf(format, v...),
		Level:  level,
		Time:   timestamp,
		Caller: fmt.Sprintf("%s:%d", file, line),
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
