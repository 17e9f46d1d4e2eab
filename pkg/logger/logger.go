// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides a package-level structured logger used by every
// other component in the service. It wraps a zap.SugaredLogger behind an
// atomic singleton so tests can swap the underlying logger without a
// dependency-injection pass through every call site.
package logger

import (
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	Initialize()
}

// EnvReader abstracts environment variable lookups so tests can stub them
// without mutating process-global state.
type EnvReader interface {
	Getenv(key string) string
}

type osEnvReader struct{}

func (osEnvReader) Getenv(key string) string { return os.Getenv(key) }

// Option configures a logger built by New.
type Option func(*options)

type options struct {
	output        io.Writer
	level         zapcore.Level
	unstructured  bool
	development   bool
}

// WithOutput directs log output to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithLevel sets the minimum enabled level.
func WithLevel(level zapcore.Level) Option {
	return func(o *options) { o.level = level }
}

// WithUnstructured selects a human-readable console encoder instead of
// JSON. Unstructured output is the default, matching local developer runs;
// structured JSON is meant for production log aggregation.
func WithUnstructured(unstructured bool) Option {
	return func(o *options) { o.unstructured = unstructured }
}

// New builds a standalone SugaredLogger; it does not touch the singleton.
func New(opts ...Option) *zap.SugaredLogger {
	o := &options{
		output:       os.Stderr,
		level:        zapcore.InfoLevel,
		unstructured: true,
		development:  true,
	}
	for _, opt := range opts {
		opt(o)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if o.unstructured {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(o.output), o.level)
	zopts := []zap.Option{zap.AddCaller()}
	if o.development {
		zopts = append(zopts, zap.Development())
	}
	l := zap.New(core, zopts...)
	return l.Sugar()
}

// unstructuredLogsWithEnv reports whether UNSTRUCTURED_LOGS requests
// human-readable console output. Defaults to true (unstructured) when the
// variable is unset or not a valid boolean.
func unstructuredLogsWithEnv(env EnvReader) bool {
	v := env.Getenv("UNSTRUCTURED_LOGS")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// Initialize (re)builds the singleton logger from the process environment.
func Initialize() {
	InitializeWithEnv(osEnvReader{})
}

// InitializeWithEnv (re)builds the singleton logger using env for variable
// lookups, for testability.
func InitializeWithEnv(env EnvReader) {
	l := New(WithUnstructured(unstructuredLogsWithEnv(env)))
	singleton.Store(l)
}

// Get returns the current singleton logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

func Debug(args ...interface{})                  { Get().Debug(args...) }
func Debugf(template string, args ...interface{}) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...interface{})        { Get().Debugw(msg, kv...) }

func Info(args ...interface{})                  { Get().Info(args...) }
func Infof(template string, args ...interface{}) { Get().Infof(template, args...) }
func Infow(msg string, kv ...interface{})        { Get().Infow(msg, kv...) }

func Warn(args ...interface{})                  { Get().Warn(args...) }
func Warnf(template string, args ...interface{}) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...interface{})        { Get().Warnw(msg, kv...) }

func Error(args ...interface{})                  { Get().Error(args...) }
func Errorf(template string, args ...interface{}) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...interface{})        { Get().Errorw(msg, kv...) }

func DPanic(args ...interface{})                  { Get().DPanic(args...) }
func DPanicf(template string, args ...interface{}) { Get().DPanicf(template, args...) }
func DPanicw(msg string, kv ...interface{})        { Get().DPanicw(msg, kv...) }

func Panic(args ...interface{})                  { Get().Panic(args...) }
func Panicf(template string, args ...interface{}) { Get().Panicf(template, args...) }
func Panicw(msg string, kv ...interface{})        { Get().Panicw(msg, kv...) }
