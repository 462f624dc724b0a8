// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package meterdata

import (
	"github.com/cihub/seelog"

	"github.com/leehonan/meterman-server/pkg/util/log"
)

// EventWriter appends audit lines to the optional event file. Meter lines
// are always written; device lines are dropped when the writer is
// meter-only.
type EventWriter struct {
	logger    seelog.LoggerInterface
	meterOnly bool
}

// NewEventWriter opens the event file at path.
func NewEventWriter(path string, meterOnly bool) (*EventWriter, error) {
	logger, err := log.BuildEventLogger(path)
	if err != nil {
		return nil, err
	}
	return &EventWriter{logger: logger, meterOnly: meterOnly}, nil
}

// Write appends one meter audit line.
func (w *EventWriter) Write(line string) {
	w.logger.Info(line)
}

// WriteDevice appends one device audit line unless the writer is meter-only.
func (w *EventWriter) WriteDevice(line string) {
	if w.meterOnly {
		return
	}
	w.logger.Info(line)
}

// Close flushes pending lines and closes the file.
func (w *EventWriter) Close() {
	w.logger.Flush()
	w.logger.Close()
}
