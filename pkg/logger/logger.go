// Copyright 2025 UMH Systems GmbH
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

package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/smartspace/pkg/env"
)

// Format is the encoding of log lines.
type Format string

const (
	// FormatConsole is the human-readable console format.
	FormatConsole Format = "CONSOLE"
	// FormatJSON is the structured JSON format.
	FormatJSON Format = "JSON"

	// productionLevel is accepted as an alias for INFO.
	productionLevel = "PRODUCTION"
)

// Environment variables read by Initialize. The SIB_ names win over the
// generic ones.
const (
	envLevel          = "SIB_LOGGING_LEVEL"
	envFormat         = "SIB_LOGGING_FORMAT"
	envFallbackLevel  = "LOGGING_LEVEL"
	envFallbackFormat = "LOGGING_FORMAT"
)

var (
	initOnce    sync.Once
	initialized bool
)

// ParseLevel maps a level name to a zap level. Unknown names and the
// PRODUCTION alias yield INFO.
func ParseLevel(name string) zapcore.Level {
	if strings.EqualFold(name, productionLevel) {
		return zapcore.InfoLevel
	}

	level, err := zapcore.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zapcore.InfoLevel
	}

	return level
}

// ParseFormat maps a format name to a Format, falling back to def.
func ParseFormat(name string, def Format) Format {
	switch f := Format(strings.ToUpper(name)); f {
	case FormatConsole, FormatJSON:
		return f
	default:
		return def
	}
}

func lookup(key, fallback, def string) string {
	value, _ := env.GetAsString(fallback, false, def)
	value, _ = env.GetAsString(key, false, value)

	return value
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a zap logger writing to stdout.
func New(level zapcore.Level, format Format) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder

	switch format {
	case FormatJSON:
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level))

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// Initialize installs the global logger. Only the first call has an effect.
func Initialize() {
	initOnce.Do(func() {
		levelName := lookup(envLevel, envFallbackLevel, productionLevel)
		level := ParseLevel(levelName)
		format := ParseFormat(lookup(envFormat, envFallbackFormat, string(FormatConsole)), FormatConsole)

		log := New(level, format)
		zap.ReplaceGlobals(log)

		log.Info("Logger initialized",
			zap.Stringer("level", level),
			zap.String("format", string(format)))

		initialized = true
	})
}

// Sync flushes any buffered log entries.
func Sync() error {
	return zap.L().Sync()
}

// For returns the named logger of a component.
func For(component string) *zap.SugaredLogger {
	if !initialized {
		Initialize()
	}

	return zap.S().Named(component)
}
