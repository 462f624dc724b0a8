// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package meterdata persists the evidence stream coming off the gateways
// (meter entries, device snapshots, node events) and answers consumption
// queries over it.
package meterdata

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/leehonan/meterman-server/pkg/metrics"
	"github.com/leehonan/meterman-server/pkg/store"
	"github.com/leehonan/meterman-server/pkg/util/log"
)

// nonceRetryLimit bounds primary-key re-rolls before an entry is dropped.
const nonceRetryLimit = 5

// nonceFn is swapped by tests that need deterministic entry keys.
var nonceFn = newNonce

// newNonce returns the 2-character uppercase tag that breaks ties between
// entries sharing a raw start time.
func newNonce() string {
	return string([]byte{byte('A' + rand.Intn(26)), byte('A' + rand.Intn(26))})
}

// UpdateEntry is one reconstructed or supplied meter reading: the interval
// it covers, the watt-hours consumed within it, and the cumulative counter
// at its end.
type UpdateEntry struct {
	WhenStart      int64 `json:"when_start"`
	EntryValue     int64 `json:"entry_value"`
	IntervalLength int64 `json:"entry_interval_length"`
	MeterValue     int64 `json:"meter_value"`
}

// Manager owns the store write path and the queries backing the HTTP
// surface. A nil event writer disables the audit file.
type Manager struct {
	store  *store.Store
	events *EventWriter
}

// NewManager wraps the store, optionally mirroring writes to an event file.
func NewManager(st *store.Store, events *EventWriter) *Manager {
	return &Manager{store: st, events: events}
}

// writeEntry inserts one meter entry, re-rolling the nonce on primary-key
// conflicts. After nonceRetryLimit collisions the entry is dropped with a
// warning; persisted reports whether a row was written.
func (m *Manager) writeEntry(e *store.MeterEntry) (persisted bool, err error) {
	for attempt := 0; attempt < nonceRetryLimit; attempt++ {
		e.WhenStartRawNonce = nonceFn()
		err := m.store.WriteMeterEntry(e)
		if err == nil {
			metrics.EntriesWritten.WithLabelValues(string(e.EntryType)).Inc()
			return true, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, err
		}
		metrics.EntryConflicts.Inc()
		log.Debugf("Nonce collision on meter entry [%s,%d,%s], re-rolling", e.NodeUUID, e.WhenStartRaw, e.WhenStartRawNonce)
	}
	log.Warnf("Dropping %s entry for node %s at %d, nonce collisions exhausted", e.EntryType, e.NodeUUID, e.WhenStartRaw)
	return false, nil
}

// ProcMeterUpdate writes one MUP row per reconstructed entry.
func (m *Manager) ProcMeterUpdate(nodeUUID string, entries []UpdateEntry) error {
	for _, en := range entries {
		e := store.MeterEntry{
			NodeUUID:     nodeUUID,
			WhenStartRaw: en.WhenStart,
			WhenStart:    en.WhenStart,
			Duration:     en.IntervalLength,
			EntryType:    store.EntryMeterUpdate,
			EntryValue:   en.EntryValue,
			MeterValue:   en.MeterValue,
			RecStatus:    store.RecStatusNormal,
		}
		persisted, err := m.writeEntry(&e)
		if err != nil {
			return err
		}
		if persisted && m.events != nil {
			m.events.Write(fmt.Sprintf("MTRUPDATE,%s,%d,%s,%d,%s,%d,%d,%d,%s",
				e.NodeUUID, e.WhenStartRaw, e.WhenStartRawNonce, e.WhenStart,
				e.EntryType, e.EntryValue, e.Duration, e.MeterValue, e.RecStatus))
		}
	}
	return nil
}

// ProcMeterRebase writes one MREB row restating the cumulative counter at
// the given instant.
func (m *Manager) ProcMeterRebase(nodeUUID string, entryTimestamp, meterValue int64) error {
	e := store.MeterEntry{
		NodeUUID:     nodeUUID,
		WhenStartRaw: entryTimestamp,
		WhenStart:    entryTimestamp,
		EntryType:    store.EntryMeterRebase,
		MeterValue:   meterValue,
		RecStatus:    store.RecStatusNormal,
	}
	persisted, err := m.writeEntry(&e)
	if err != nil {
		return err
	}
	if persisted && m.events != nil {
		m.events.Write(fmt.Sprintf("MTRREBASE,%s,%d,%s,%d,%s,%d,%s",
			e.NodeUUID, e.WhenStartRaw, e.WhenStartRawNonce, e.WhenStart,
			e.EntryType, e.MeterValue, e.RecStatus))
	}
	return nil
}

// ProcGatewaySnapshot records a gateway state audit row. A second snapshot
// within the same receive second is dropped.
func (m *Manager) ProcGatewaySnapshot(snap *store.GatewaySnapshot) error {
	snap.RecStatus = store.RecStatusNormal
	err := m.store.WriteGatewaySnapshot(snap)
	if errors.Is(err, store.ErrConflict) {
		log.Warnf("Gateway snapshot already recorded: %v", err)
		return nil
	}
	if err != nil {
		return err
	}
	if m.events != nil {
		m.events.WriteDevice(fmt.Sprintf("GWSNAP,%s,%d,%s,%d,%d,%d,%d,%s,%d",
			snap.GatewayUUID, snap.WhenReceived, snap.NetworkID, snap.GatewayID,
			snap.WhenBooted, snap.FreeRAM, snap.GatewayTime, snap.LogLevel, snap.TXPower))
	}
	return nil
}

// ProcNodeSnapshot records a node state audit row. A second snapshot within
// the same receive second is dropped.
func (m *Manager) ProcNodeSnapshot(snap *store.NodeSnapshot) error {
	snap.RecStatus = store.RecStatusNormal
	err := m.store.WriteNodeSnapshot(snap)
	if errors.Is(err, store.ErrConflict) {
		log.Warnf("Node snapshot already recorded: %v", err)
		return nil
	}
	if err != nil {
		return err
	}
	if m.events != nil {
		m.events.WriteDevice(fmt.Sprintf("NODESNAP,%s,%d,%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%s,%d,%d,%d",
			snap.NodeUUID, snap.WhenReceived, snap.NetworkID, snap.NodeID, snap.GatewayID,
			snap.BattVoltageMV, snap.UpTime, snap.SleepTime, snap.FreeRAM, snap.WhenLastSeen,
			snap.LastClockDrift, snap.MeterInterval, snap.MeterImpulsesPerKWH,
			snap.LastMeterEntryFinish, snap.LastMeterValue,
			strconv.FormatFloat(snap.LastRMSCurrent, 'f', -1, 64),
			snap.PuckLEDRate, snap.PuckLEDTime, snap.LastRSSIAtGateway))
	}
	return nil
}

// ProcNodeEvent records a discrete node occurrence (BOOT, DARK, LBATT).
func (m *Manager) ProcNodeEvent(nodeUUID string, timestamp int64, eventType store.NodeEventType, details string) error {
	return m.store.WriteNodeEvent(nodeUUID, timestamp, eventType, details)
}

// MeterEntries returns stored entries matching the filter.
func (m *Manager) MeterEntries(f store.MeterEntryFilter) ([]store.MeterEntry, error) {
	return m.store.MeterEntries(f)
}

// GatewaySnapshots returns stored gateway snapshots matching the filter.
func (m *Manager) GatewaySnapshots(f store.GatewaySnapFilter) ([]store.GatewaySnapshot, error) {
	return m.store.GatewaySnapshots(f)
}

// NodeSnapshots returns stored node snapshots matching the filter.
func (m *Manager) NodeSnapshots(f store.NodeSnapFilter) ([]store.NodeSnapshot, error) {
	return m.store.NodeSnapshots(f)
}

// NodeEvents returns stored node events matching the filter.
func (m *Manager) NodeEvents(f store.NodeEventFilter) ([]store.NodeEvent, error) {
	return m.store.NodeEvents(f)
}
