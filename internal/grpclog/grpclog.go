/*
 *
 * Copyright 2017 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package grpclog provides a small package-level Logger seam so the
// rest of the module never imports "log" directly.
package grpclog

import "log"

// Logger is the interface the core logs through.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

var logger Logger = defaultLogger{}

// SetLogger installs a replacement Logger, e.g. to route through an
// application's structured logging pipeline.
func SetLogger(l Logger) { logger = l }

type defaultLogger struct{}

func (defaultLogger) Infof(format string, args ...any)    { log.Printf("INFO: "+format, args...) }
func (defaultLogger) Warningf(format string, args ...any) { log.Printf("WARNING: "+format, args...) }
func (defaultLogger) Errorf(format string, args ...any)   { log.Printf("ERROR: "+format, args...) }

func Infof(format string, args ...any)    { logger.Infof(format, args...) }
func Warningf(format string, args ...any) { logger.Warningf(format, args...) }
func Errorf(format string, args ...any)   { logger.Errorf(format, args...) }
