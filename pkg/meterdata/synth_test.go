// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package meterdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leehonan/meterman-server/pkg/store"
)

func TestEntryKindTypes(t *testing.T) {
	types, ok := EntryKindTypes("all")
	require.True(t, ok)
	assert.ElementsMatch(t, store.AllEntryTypes, types)

	types, ok = EntryKindTypes("observed")
	require.True(t, ok)
	assert.ElementsMatch(t, store.ObservedEntryTypes, types)

	types, ok = EntryKindTypes("synth")
	require.True(t, ok)
	assert.ElementsMatch(t, store.SynthEntryTypes, types)

	_, ok = EntryKindTypes("bogus")
	assert.False(t, ok)
}

func TestSoftDeleteIdempotent(t *testing.T) {
	m, st := newTestManager(t)

	writeTestEntry(t, st, testNode, 1000, store.EntryMeterUpdateSynth, 5, 60, 1005)
	writeTestEntry(t, st, testNode, 1060, store.EntryMeterRebaseSynth, 0, 0, 2000)
	writeTestEntry(t, st, testNode, 1120, store.EntryMeterUpdate, 5, 60, 2005)

	types, ok := EntryKindTypes("synth")
	require.True(t, ok)

	n, err := m.SoftDeleteMeterEntries(testNode, 1000, 2000, types)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := st.MeterEntryCount(testNode, "", store.RecStatusNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// running the delete again leaves the store in the same state
	n, err = m.SoftDeleteMeterEntries(testNode, 1000, 2000, types)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err = st.MeterEntryCount(testNode, "", store.RecStatusNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertSynthOverwritesRange(t *testing.T) {
	m, st := newTestManager(t)

	// observed entries that the splice supersedes
	writeTestEntry(t, st, testNode, 1000, store.EntryMeterUpdate, 5, 60, 1005)
	writeTestEntry(t, st, testNode, 1060, store.EntryMeterUpdate, 5, 60, 1010)
	writeTestEntry(t, st, testNode, 1120, store.EntryMeterUpdate, 5, 60, 1015)

	entries := []UpdateEntry{
		{WhenStart: 1000, EntryValue: 10, IntervalLength: 60, MeterValue: 2010},
		{WhenStart: 1060, EntryValue: 10, IntervalLength: 60, MeterValue: 2020},
	}
	require.NoError(t, m.UpsertSynthMeterUpdates(testNode, entries, true, false))

	// two observed updates in [1000,1060] went DEL; the one at 1120 survived
	norm, err := st.MeterEntries(store.MeterEntryFilter{NodeUUID: testNode, RecStatus: store.RecStatusNormal, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, norm, 4)

	synth, err := st.MeterEntries(store.MeterEntryFilter{NodeUUID: testNode, EntryType: store.EntryMeterUpdateSynth, RecStatus: store.RecStatusNormal, Limit: 100})
	require.NoError(t, err)
	require.Len(t, synth, 2)
	assert.Equal(t, int64(2020), synth[0].MeterValue)

	rebase, err := st.FirstRebase(testNode, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, rebase)
	assert.Equal(t, store.EntryMeterRebaseSynth, rebase.EntryType)
	assert.Equal(t, int64(1000), rebase.WhenStart)
	assert.Equal(t, int64(2010), rebase.MeterValue)
	assert.Equal(t, int64(0), rebase.EntryValue)
}

func TestUpsertSynthRejectsEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.UpsertSynthMeterUpdates(testNode, nil, false, false))
}

func TestUpsertSynthLiftsLaterEntries(t *testing.T) {
	m, st := newTestManager(t)

	// later observed entries whose counters must be re-anchored
	writeTestEntry(t, st, testNode, 2000, store.EntryMeterUpdate, 5, 60, 1005)
	writeTestEntry(t, st, testNode, 2060, store.EntryMeterUpdate, 7, 60, 1012)

	entries := []UpdateEntry{
		{WhenStart: 1000, EntryValue: 10, IntervalLength: 60, MeterValue: 5010},
		{WhenStart: 1060, EntryValue: 10, IntervalLength: 60, MeterValue: 5020},
	}
	require.NoError(t, m.UpsertSynthMeterUpdates(testNode, entries, false, true))

	later, err := st.MeterEntriesAfter(testNode, 1060)
	require.NoError(t, err)
	require.Len(t, later, 2)
	assert.Equal(t, int64(5025), later[0].MeterValue)
	assert.Equal(t, int64(5032), later[1].MeterValue)

	// the lifted counter stays strictly increasing
	prev := entries[len(entries)-1].MeterValue
	for _, e := range later {
		assert.Greater(t, e.MeterValue, prev)
		prev = e.MeterValue
	}

	// consumption over the whole span now follows the lifted chain
	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5032-5010), got)
}

func TestGenerateSynthEntries(t *testing.T) {
	entries := GenerateSynthEntries(1000, 1600, 60, 3, 9, 500)
	require.Len(t, entries, 11)

	meter := int64(500)
	when := int64(1000)
	for _, e := range entries {
		assert.Equal(t, when, e.WhenStart)
		assert.Equal(t, int64(60), e.IntervalLength)
		assert.GreaterOrEqual(t, e.EntryValue, int64(3))
		assert.LessOrEqual(t, e.EntryValue, int64(9))
		meter += e.EntryValue
		assert.Equal(t, meter, e.MeterValue)
		when += 60
	}

	// degenerate windows yield nothing
	assert.Nil(t, GenerateSynthEntries(1000, 900, 60, 3, 9, 500))
	assert.Nil(t, GenerateSynthEntries(1000, 1600, 0, 3, 9, 500))

	// a single-value band is deterministic
	entries = GenerateSynthEntries(1000, 1060, 60, 4, 4, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].EntryValue)
	assert.Equal(t, int64(8), entries[1].MeterValue)
}
