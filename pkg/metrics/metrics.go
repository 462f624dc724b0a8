// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package metrics declares the Prometheus instruments shared across the
// server. All counters live here so the set of exported series is visible
// in one place.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRx counts frames received from gateways, by message type.
	FramesRx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterman_frames_rx_total",
		Help: "Frames received from gateways.",
	}, []string{"type"})

	// FramesTx counts frames sent to gateways, by message type.
	FramesTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterman_frames_tx_total",
		Help: "Frames sent to gateways.",
	}, []string{"type"})

	// FramesMalformed counts received lines that failed to decode.
	FramesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterman_frames_malformed_total",
		Help: "Received lines dropped as malformed.",
	})

	// MessagesDispatched counts buffered messages drained into the device
	// manager, by message type.
	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterman_messages_dispatched_total",
		Help: "Buffered gateway messages processed.",
	}, []string{"type"})

	// DispatchErrors counts messages whose processing failed.
	DispatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterman_dispatch_errors_total",
		Help: "Gateway messages whose processing failed.",
	})

	// EntriesWritten counts meter entries persisted, by entry type.
	EntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterman_entries_written_total",
		Help: "Meter entries persisted to the store.",
	}, []string{"entry_type"})

	// EntryConflicts counts meter entry writes rejected as duplicates.
	EntryConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meterman_entry_conflicts_total",
		Help: "Meter entry writes rejected on primary key conflict.",
	})

	// APIRequests counts HTTP API requests, by route and status code.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meterman_api_requests_total",
		Help: "HTTP API requests served.",
	}, []string{"route", "code"})
)
