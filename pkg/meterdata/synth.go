// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package meterdata

import (
	"errors"
	"math/rand"

	"github.com/leehonan/meterman-server/pkg/store"
)

// EntryKindTypes maps a delete request's entry_kind selector onto the entry
// types it covers.
func EntryKindTypes(kind string) ([]store.EntryType, bool) {
	switch kind {
	case "all":
		return store.AllEntryTypes, true
	case "observed":
		return store.ObservedEntryTypes, true
	case "synth":
		return store.SynthEntryTypes, true
	}
	return nil, false
}

// SoftDeleteMeterEntries marks a node's entries of the given types as DEL
// within the inclusive window, removing them from every query that honours
// rec_status. Returns the number of rows marked.
func (m *Manager) SoftDeleteMeterEntries(nodeUUID string, timeFrom, timeTo int64, types []store.EntryType) (int64, error) {
	return m.store.MarkMeterEntriesInRange(nodeUUID, timeFrom, timeTo, types, store.RecStatusDeleted)
}

// UpsertSynthMeterUpdates overwrites the window spanned by the supplied
// entries with synthetic updates. Observed and synthetic updates already in
// the window are soft-deleted first. With rebaseFirst a synthetic rebase
// anchors the counter at the first entry. With liftLater every NORM entry
// after the last supplied one has its cumulative value re-anchored so the
// counter stays consistent across the splice.
func (m *Manager) UpsertSynthMeterUpdates(nodeUUID string, entries []UpdateEntry, rebaseFirst, liftLater bool) error {
	if len(entries) == 0 {
		return errors.New("no entries supplied")
	}
	first := entries[0]
	last := entries[len(entries)-1]

	updateTypes := []store.EntryType{store.EntryMeterUpdate, store.EntryMeterUpdateSynth}
	if _, err := m.store.MarkMeterEntriesInRange(nodeUUID, first.WhenStart, last.WhenStart, updateTypes, store.RecStatusDeleted); err != nil {
		return err
	}

	if rebaseFirst {
		reb := store.MeterEntry{
			NodeUUID:     nodeUUID,
			WhenStartRaw: first.WhenStart,
			WhenStart:    first.WhenStart,
			EntryType:    store.EntryMeterRebaseSynth,
			MeterValue:   first.MeterValue,
			RecStatus:    store.RecStatusNormal,
		}
		if _, err := m.writeEntry(&reb); err != nil {
			return err
		}
	}

	for _, en := range entries {
		e := store.MeterEntry{
			NodeUUID:     nodeUUID,
			WhenStartRaw: en.WhenStart,
			WhenStart:    en.WhenStart,
			Duration:     en.IntervalLength,
			EntryType:    store.EntryMeterUpdateSynth,
			EntryValue:   en.EntryValue,
			MeterValue:   en.MeterValue,
			RecStatus:    store.RecStatusNormal,
		}
		if _, err := m.writeEntry(&e); err != nil {
			return err
		}
	}

	if !liftLater {
		return nil
	}

	later, err := m.store.MeterEntriesAfter(nodeUUID, last.WhenStart)
	if err != nil {
		return err
	}
	running := last.MeterValue
	for i := range later {
		running += later[i].EntryValue
		if err := m.store.SetMeterEntryValue(later[i].NodeUUID, later[i].WhenStartRaw, later[i].WhenStartRawNonce, running); err != nil {
			return err
		}
	}
	return nil
}

// GenerateSynthEntries synthesizes entries covering [timeFrom, timeTo] at
// the given interval, with per-entry values drawn uniformly from
// [readMin, readMax] and the cumulative counter running on from
// startMeterValue.
func GenerateSynthEntries(timeFrom, timeTo, interval, readMin, readMax, startMeterValue int64) []UpdateEntry {
	if interval <= 0 || timeTo < timeFrom {
		return nil
	}
	var entries []UpdateEntry
	meter := startMeterValue
	for ts := timeFrom; ts <= timeTo; ts += interval {
		v := readMin
		if readMax > readMin {
			v += rand.Int63n(readMax - readMin + 1)
		}
		meter += v
		entries = append(entries, UpdateEntry{
			WhenStart:      ts,
			EntryValue:     v,
			IntervalLength: interval,
			MeterValue:     meter,
		})
	}
	return entries
}
