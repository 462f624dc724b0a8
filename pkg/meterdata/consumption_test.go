// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package meterdata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leehonan/meterman-server/pkg/store"
)

const testNode = "99.99.99.99.1"

// minTime is the earliest timestamp the API accepts (2017-01-01 UTC).
const minTime = int64(1483228800)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "meterman_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, nil), st
}

// nextTestNonce hands out distinct nonces so test fixtures never collide on
// the primary key.
var testNonceSeq int

func nextTestNonce() string {
	testNonceSeq++
	return string([]byte{byte('A' + (testNonceSeq/26)%26), byte('A' + testNonceSeq%26)})
}

func writeTestEntry(t *testing.T, st *store.Store, node string, whenStart int64, entryType store.EntryType, entryValue, duration, meterValue int64) {
	t.Helper()
	require.NoError(t, st.WriteMeterEntry(&store.MeterEntry{
		NodeUUID:          node,
		WhenStartRaw:      whenStart,
		WhenStartRawNonce: nextTestNonce(),
		WhenStart:         whenStart,
		Duration:          duration,
		EntryType:         entryType,
		EntryValue:        entryValue,
		MeterValue:        meterValue,
		RecStatus:         store.RecStatusNormal,
	}))
}

// insertCumulativeEntries writes count synthetic updates of entryValue Wh
// each, starting at startTime with the cumulative counter running on from
// startMeterValue.
func insertCumulativeEntries(t *testing.T, st *store.Store, node string, startTime, entryValue, interval, startMeterValue int64, count int) {
	t.Helper()
	entryTime := startTime
	meterValue := startMeterValue + entryValue
	for i := 0; i < count; i++ {
		writeTestEntry(t, st, node, entryTime, store.EntryMeterUpdateSynth, entryValue, interval, meterValue)
		entryTime += interval
		meterValue += entryValue
	}
}

func TestConsumptionSimpleEntries(t *testing.T) {
	m, st := newTestManager(t)

	// 20 cumulative entries of 5Wh each; the first value is the baseline
	insertCumulativeEntries(t, st, testNode, minTime, 5, 60, 1000, 20)

	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(95), got)

	// window bounds clamp the anchors
	got, err = m.MeterConsumption(testNode, minTime+60, minTime+600)
	require.NoError(t, err)
	assert.Equal(t, int64(45), got)
}

func TestConsumptionSingleRebaseUpfront(t *testing.T) {
	m, st := newTestManager(t)

	// baseline rebase, then 20 entries of 5Wh ending at 1100Wh
	writeTestEntry(t, st, testNode, minTime, store.EntryMeterRebaseSynth, 0, 0, 1000)
	insertCumulativeEntries(t, st, testNode, minTime, 5, 60, 1000, 20)

	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)
}

func TestConsumptionSingleRebaseMidway(t *testing.T) {
	m, st := newTestManager(t)

	// 95Wh observed, then a rebase to 1200 with another 100Wh on top
	insertCumulativeEntries(t, st, testNode, minTime, 5, 60, 1000, 20)
	rebaseTime := minTime + 1260
	writeTestEntry(t, st, testNode, rebaseTime, store.EntryMeterRebaseSynth, 0, 0, 1200)
	insertCumulativeEntries(t, st, testNode, rebaseTime, 5, 60, 1200, 20)

	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(195), got)
}

func TestConsumptionSingleRebaseAtEnd(t *testing.T) {
	m, st := newTestManager(t)

	// 95Wh observed, then the rebase restates the counter at 1200
	insertCumulativeEntries(t, st, testNode, minTime, 5, 60, 1000, 20)
	writeTestEntry(t, st, testNode, minTime+1260, store.EntryMeterRebaseSynth, 0, 0, 1200)

	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(195), got)
}

func TestConsumptionMultipleRebasesUpfrontRebase(t *testing.T) {
	m, st := newTestManager(t)

	writeTestEntry(t, st, testNode, minTime, store.EntryMeterRebaseSynth, 0, 0, 1000)
	insertCumulativeEntries(t, st, testNode, minTime, 5, 60, 1000, 5)

	rebase2 := minTime + 360
	writeTestEntry(t, st, testNode, rebase2, store.EntryMeterRebaseSynth, 0, 0, 1100)
	insertCumulativeEntries(t, st, testNode, rebase2, 5, 60, 1100, 5)

	rebase3 := rebase2 + 360
	writeTestEntry(t, st, testNode, rebase3, store.EntryMeterRebaseSynth, 0, 0, 1200)
	insertCumulativeEntries(t, st, testNode, rebase3, 5, 60, 1200, 10)

	// authoritative span 1000->1200 plus 50Wh observed after the last rebase
	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(250), got)
}

func TestConsumptionMultipleRebasesNoneUpfront(t *testing.T) {
	m, st := newTestManager(t)

	// 20Wh observed before the first rebase (baseline read is 1005)
	insertCumulativeEntries(t, st, testNode, minTime, 5, 60, 1000, 5)

	rebase1 := minTime + 360
	writeTestEntry(t, st, testNode, rebase1, store.EntryMeterRebaseSynth, 0, 0, 1100)
	insertCumulativeEntries(t, st, testNode, rebase1, 5, 60, 1100, 5)

	rebase2 := rebase1 + 360
	writeTestEntry(t, st, testNode, rebase2, store.EntryMeterRebaseSynth, 0, 0, 1200)
	insertCumulativeEntries(t, st, testNode, rebase2, 5, 60, 1200, 10)

	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(170), got)
}

func TestConsumptionZeroOrOneEntry(t *testing.T) {
	m, st := newTestManager(t)

	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	writeTestEntry(t, st, testNode, minTime, store.EntryMeterUpdateSynth, 5, 60, 1005)
	got, err = m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	// a rebase with no updates at all still yields zero
	writeTestEntry(t, st, "99.99.99.99.2", minTime, store.EntryMeterRebaseSynth, 0, 0, 1000)
	got, err = m.MeterConsumption("99.99.99.99.2", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestConsumptionIgnoresDeletedEntries(t *testing.T) {
	m, st := newTestManager(t)

	insertCumulativeEntries(t, st, testNode, minTime, 5, 60, 1000, 20)

	// hide the tail; the window now ends at the surviving entry
	n, err := st.MarkMeterEntriesInRange(testNode, minTime+600, minTime+1200, store.AllEntryTypes, store.RecStatusDeleted)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	got, err := m.MeterConsumption(testNode, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(45), got)
}
