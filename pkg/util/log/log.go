// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package log exposes package-level logging functions backed by seelog.
// The main binary installs a configured logger at startup; until then
// messages fall through to seelog's default logger.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *meterLogger
	mu     sync.RWMutex

	defaultStackDepth = 3
)

// meterLogger wraps a seelog logger with a runtime-adjustable level.
type meterLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger installs l as the process-wide logger.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	l.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	mu.Lock()
	logger = &meterLogger{inner: l, level: lvl}
	mu.Unlock()
}

// ChangeLogLevel updates the minimum level of the installed logger.
func ChangeLogLevel(level string) error {
	mu.RLock()
	sw := logger
	mu.RUnlock()
	if sw == nil {
		return errors.New("logger not initialized")
	}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	sw.l.Lock()
	sw.level = lvl
	sw.l.Unlock()
	return nil
}

func current() *meterLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func (sw *meterLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	ok := level >= sw.level
	sw.l.RUnlock()
	return ok
}

// Debugf logs at the debug level.
func Debugf(format string, params ...interface{}) {
	sw := current()
	if sw == nil {
		seelog.Default.Debugf(format, params...)
		return
	}
	if sw.shouldLog(seelog.DebugLvl) {
		sw.l.Lock()
		sw.inner.Debugf(format, params...)
		sw.l.Unlock()
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	Debugf("%s", fmt.Sprint(v...))
}

// Infof logs at the info level.
func Infof(format string, params ...interface{}) {
	sw := current()
	if sw == nil {
		seelog.Default.Infof(format, params...)
		return
	}
	if sw.shouldLog(seelog.InfoLvl) {
		sw.l.Lock()
		sw.inner.Infof(format, params...)
		sw.l.Unlock()
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	Infof("%s", fmt.Sprint(v...))
}

// Warnf logs at the warn level and returns the message as an error.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	sw := current()
	if sw == nil {
		seelog.Default.Warn(err.Error()) //nolint:errcheck
		return err
	}
	if sw.shouldLog(seelog.WarnLvl) {
		sw.l.Lock()
		sw.inner.Warn(err.Error()) //nolint:errcheck
		sw.l.Unlock()
	}
	return err
}

// Warn logs at the warn level and returns the message as an error.
func Warn(v ...interface{}) error {
	return Warnf("%s", fmt.Sprint(v...))
}

// Errorf logs at the error level and returns the message as an error.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	sw := current()
	if sw == nil {
		seelog.Default.Error(err.Error()) //nolint:errcheck
		return err
	}
	if sw.shouldLog(seelog.ErrorLvl) {
		sw.l.Lock()
		sw.inner.Error(err.Error()) //nolint:errcheck
		sw.l.Unlock()
	}
	return err
}

// Error logs at the error level and returns the message as an error.
func Error(v ...interface{}) error {
	return Errorf("%s", fmt.Sprint(v...))
}

// Flush flushes the underlying logger.
func Flush() {
	sw := current()
	if sw == nil {
		return
	}
	sw.l.Lock()
	sw.inner.Flush()
	sw.l.Unlock()
}
