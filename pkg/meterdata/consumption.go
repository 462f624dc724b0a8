// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package meterdata

import (
	"github.com/leehonan/meterman-server/pkg/store"
	"github.com/leehonan/meterman-server/pkg/util/log"
)

// MeterConsumption computes watt-hours consumed by a node over the window
// (bounds inclusive, zero leaves a bound open). Rebase entries are
// authoritative restatements of the cumulative counter: consumption between
// the first and last rebase is taken as their difference, with observed
// deltas added either side.
func (m *Manager) MeterConsumption(nodeUUID string, timeFrom, timeTo int64) (int64, error) {
	firstMUP, err := m.store.FirstMUP(nodeUUID, timeFrom, timeTo)
	if err != nil {
		return 0, err
	}
	lastMUP, err := m.store.LastMUP(nodeUUID, timeFrom, timeTo)
	if err != nil {
		return 0, err
	}
	if firstMUP == nil || lastMUP == nil {
		return 0, nil
	}

	firstRebase, err := m.store.FirstRebase(nodeUUID, timeFrom, timeTo)
	if err != nil {
		return 0, err
	}

	var mupBeforeFirstRebase, lastRebase *store.MeterEntry
	if firstRebase != nil {
		mupBeforeFirstRebase, err = m.store.LastMUP(nodeUUID, timeFrom, firstRebase.WhenStart-1)
		if err != nil {
			return 0, err
		}
		lastRebase, err = m.store.LastRebase(nodeUUID, timeFrom, timeTo)
		if err != nil {
			return 0, err
		}
		// a lone rebase is first and last at once
		if lastRebase.WhenStart == firstRebase.WhenStart {
			lastRebase = nil
		}
	}

	// no rebase: the observed span is all there is
	if firstRebase == nil {
		return lastMUP.MeterValue - firstMUP.MeterValue, nil
	}

	var total int64

	// observed reads before the first rebase
	if mupBeforeFirstRebase != nil && firstMUP.WhenStart < firstRebase.WhenStart {
		total = mupBeforeFirstRebase.MeterValue - firstMUP.MeterValue
	}

	switch {
	case lastRebase != nil:
		// the span between rebases is authoritative
		total += lastRebase.MeterValue - firstRebase.MeterValue
		if lastMUP.WhenStart >= lastRebase.WhenStart {
			total += lastMUP.MeterValue - lastRebase.MeterValue
		}
	case lastMUP.WhenStart >= firstRebase.WhenStart:
		total += lastMUP.MeterValue - firstRebase.MeterValue
	default:
		// the lone rebase moved the counter past the last observed value
		total += firstRebase.MeterValue - lastMUP.MeterValue
	}

	log.Debugf("Calculated consumption as %d Wh with:", total)
	log.Debugf("First MUP Entry: %v", meterValueOf(firstMUP))
	log.Debugf("MUP Entry before first rebase: %v", meterValueOf(mupBeforeFirstRebase))
	log.Debugf("First Rebase Entry: %v", meterValueOf(firstRebase))
	log.Debugf("Last Rebase Entry: %v", meterValueOf(lastRebase))
	log.Debugf("Last MUP Entry: %v", meterValueOf(lastMUP))

	return total, nil
}

func meterValueOf(e *store.MeterEntry) interface{} {
	if e == nil {
		return nil
	}
	return e.MeterValue
}
