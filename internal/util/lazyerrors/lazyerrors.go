// Copyright 2021 FerretDB Inc.
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

// Package lazyerrors provides error wrapping that records where the error was wrapped.
package lazyerrors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// located is an error annotated with the location of the wrapping call.
type located struct {
	err      error
	location string
}

// Error implements error interface.
func (e *located) Error() string {
	return "[" + e.location + "] " + e.err.Error()
}

// Unwrap returns the wrapped error.
func (e *located) Unwrap() error {
	return e.err
}

// New returns a new error with the given text and caller location.
func New(s string) error {
	return &located{
		err:      errors.New(s),
		location: caller(),
	}
}

// Error wraps err with the caller location. It panics if err is nil.
func Error(err error) error {
	if err == nil {
		panic("err is nil")
	}

	return &located{
		err:      err,
		location: caller(),
	}
}

// Errorf formats an error like fmt.Errorf and adds the caller location.
// %w verbs are unwrappable as usual.
func Errorf(format string, a ...any) error {
	return &located{
		err:      fmt.Errorf(format, a...),
		location: caller(),
	}
}

// UnwrapAll returns the innermost error of the chain, or nil, if err is nil.
func UnwrapAll(err error) error {
	if err == nil {
		return nil
	}

	for {
		e := errors.Unwrap(err)
		if e == nil {
			return err
		}

		err = e
	}
}

// caller returns "file.go:line pkg.Func" for the caller of the exported function.
func caller() string {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}

	_, file = filepath.Split(file)
	l := file + ":" + strconv.Itoa(line)

	if f := runtime.FuncForPC(pc); f != nil {
		name := f.Name()
		l += " " + name[strings.LastIndex(name, "/")+1:]
	}

	return l
}
