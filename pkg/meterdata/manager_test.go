// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package meterdata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leehonan/meterman-server/pkg/store"
)

func TestProcMeterUpdateWritesEntries(t *testing.T) {
	m, st := newTestManager(t)

	entries := []UpdateEntry{
		{WhenStart: 1496842913444, EntryValue: 1, IntervalLength: 15, MeterValue: 18829394},
		{WhenStart: 1496842913459, EntryValue: 5, IntervalLength: 15, MeterValue: 18829399},
	}
	require.NoError(t, m.ProcMeterUpdate(testNode, entries))

	rows, err := st.MeterEntries(store.MeterEntryFilter{NodeUUID: testNode, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// newest first
	assert.Equal(t, int64(1496842913459), rows[0].WhenStart)
	assert.Equal(t, store.EntryMeterUpdate, rows[0].EntryType)
	assert.Equal(t, int64(5), rows[0].EntryValue)
	assert.Equal(t, int64(15), rows[0].Duration)
	assert.Equal(t, int64(18829399), rows[0].MeterValue)
	assert.Equal(t, store.RecStatusNormal, rows[0].RecStatus)
	assert.Len(t, rows[0].WhenStartRawNonce, 2)
}

func TestProcMeterRebaseWritesEntry(t *testing.T) {
	m, st := newTestManager(t)

	require.NoError(t, m.ProcMeterRebase(testNode, 1496842913428, 18829393))

	rows, err := st.MeterEntries(store.MeterEntryFilter{NodeUUID: testNode, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.EntryMeterRebase, rows[0].EntryType)
	assert.Equal(t, int64(0), rows[0].EntryValue)
	assert.Equal(t, int64(0), rows[0].Duration)
	assert.Equal(t, int64(18829393), rows[0].MeterValue)
}

func TestWriteEntryRerollsNonceOnConflict(t *testing.T) {
	m, st := newTestManager(t)

	nonces := []string{"AA", "AA", "AB"}
	restore := nonceFn
	nonceFn = func() string {
		n := nonces[0]
		if len(nonces) > 1 {
			nonces = nonces[1:]
		}
		return n
	}
	defer func() { nonceFn = restore }()

	require.NoError(t, m.ProcMeterUpdate(testNode, []UpdateEntry{{WhenStart: 1000, EntryValue: 5, IntervalLength: 60, MeterValue: 1005}}))
	// same raw start collides on AA and lands on AB
	require.NoError(t, m.ProcMeterUpdate(testNode, []UpdateEntry{{WhenStart: 1000, EntryValue: 7, IntervalLength: 60, MeterValue: 1012}}))

	count, err := st.MeterEntryCount(testNode, store.EntryMeterUpdate, store.RecStatusNormal)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWriteEntryDropsAfterNonceExhaustion(t *testing.T) {
	m, st := newTestManager(t)

	restore := nonceFn
	nonceFn = func() string { return "ZZ" }
	defer func() { nonceFn = restore }()

	require.NoError(t, m.ProcMeterUpdate(testNode, []UpdateEntry{{WhenStart: 1000, EntryValue: 5, IntervalLength: 60, MeterValue: 1005}}))
	// every re-roll collides; the duplicate is dropped without error
	require.NoError(t, m.ProcMeterUpdate(testNode, []UpdateEntry{{WhenStart: 1000, EntryValue: 7, IntervalLength: 60, MeterValue: 1012}}))

	count, err := st.MeterEntryCount(testNode, store.EntryMeterUpdate, store.RecStatusNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProcSnapshotsAndEvents(t *testing.T) {
	m, _ := newTestManager(t)

	snap := &store.GatewaySnapshot{
		GatewayUUID: "9.9.9.99.1", WhenReceived: 1500000100, NetworkID: "9.9.9.99",
		GatewayID: 1, WhenBooted: 1490000000, FreeRAM: 4096, GatewayTime: 1500000099,
		LogLevel: "DEBUG", TXPower: 13,
	}
	require.NoError(t, m.ProcGatewaySnapshot(snap))
	// a duplicate within the same receive second is swallowed
	require.NoError(t, m.ProcGatewaySnapshot(snap))

	snaps, err := m.GatewaySnapshots(store.GatewaySnapFilter{GatewayUUID: "9.9.9.99.1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, store.RecStatusNormal, snaps[0].RecStatus)

	nodeSnap := &store.NodeSnapshot{
		NodeUUID: testNode, WhenReceived: 1500000100, NetworkID: "99.99.99.99",
		NodeID: 1, GatewayID: 1, BattVoltageMV: 3100, UpTime: 86400, SleepTime: 600,
		FreeRAM: 1024, WhenLastSeen: 1500000090, LastClockDrift: 2, MeterInterval: 15,
		MeterImpulsesPerKWH: 1000, LastMeterEntryFinish: 1499999990,
		LastMeterValue: 18829404, LastRMSCurrent: 10.2, PuckLEDRate: 100,
		PuckLEDTime: 50, LastRSSIAtGateway: -70,
	}
	require.NoError(t, m.ProcNodeSnapshot(nodeSnap))
	require.NoError(t, m.ProcNodeSnapshot(nodeSnap))

	nodeSnaps, err := m.NodeSnapshots(store.NodeSnapFilter{NodeUUID: testNode, Limit: 10})
	require.NoError(t, err)
	require.Len(t, nodeSnaps, 1)
	assert.Equal(t, 10.2, nodeSnaps[0].LastRMSCurrent)

	require.NoError(t, m.ProcNodeEvent(testNode, 1500000101, store.EventDark, "last seen at: 1500000090"))
	events, err := m.NodeEvents(store.NodeEventFilter{NodeUUID: testNode, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventDark, events[0].EventType)
	assert.Equal(t, "last seen at: 1500000090", events[0].Details)
}

// readEventFile flushes the writer and returns the audit lines written.
func readEventFile(t *testing.T, ev *EventWriter, path string) []string {
	t.Helper()
	ev.Close()
	matches, err := filepath.Glob(path + "*")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestEventFileAuditLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	ev, err := NewEventWriter(path, false)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "meterman_test.db"))
	require.NoError(t, err)
	defer st.Close()
	m := NewManager(st, ev)

	require.NoError(t, m.ProcMeterUpdate(testNode, []UpdateEntry{{WhenStart: 1500000000, EntryValue: 5, IntervalLength: 60, MeterValue: 1005}}))
	require.NoError(t, m.ProcMeterRebase(testNode, 1500000060, 2000))
	require.NoError(t, m.ProcGatewaySnapshot(&store.GatewaySnapshot{
		GatewayUUID: "9.9.9.99.1", WhenReceived: 1500000100, NetworkID: "9.9.9.99",
		GatewayID: 1, WhenBooted: 1490000000, FreeRAM: 4096, GatewayTime: 1500000099,
		LogLevel: "DEBUG", TXPower: 13,
	}))
	require.NoError(t, m.ProcNodeSnapshot(&store.NodeSnapshot{
		NodeUUID: testNode, WhenReceived: 1500000100, NetworkID: "99.99.99.99",
		NodeID: 1, GatewayID: 1, BattVoltageMV: 3100, UpTime: 86400, SleepTime: 600,
		FreeRAM: 1024, WhenLastSeen: 1500000090, LastClockDrift: 2, MeterInterval: 15,
		MeterImpulsesPerKWH: 1000, LastMeterEntryFinish: 1499999990,
		LastMeterValue: 18829404, LastRMSCurrent: 10.2, PuckLEDRate: 100,
		PuckLEDTime: 50, LastRSSIAtGateway: -70,
	}))

	lines := readEventFile(t, ev, path)
	require.Len(t, lines, 4)
	assert.Regexp(t, `^MTRUPDATE,99\.99\.99\.99\.1,1500000000,[A-Z]{2},1500000000,MUP,5,60,1005,NORM$`, lines[0])
	assert.Regexp(t, `^MTRREBASE,99\.99\.99\.99\.1,1500000060,[A-Z]{2},1500000060,MREB,2000,NORM$`, lines[1])
	assert.Equal(t, "GWSNAP,9.9.9.99.1,1500000100,9.9.9.99,1,1490000000,4096,1500000099,DEBUG,13", lines[2])
	assert.Equal(t, "NODESNAP,99.99.99.99.1,1500000100,99.99.99.99,1,1,3100,86400,600,1024,1500000090,2,15,1000,1499999990,18829404,10.2,100,50,-70", lines[3])
}

func TestEventFileMeterOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	ev, err := NewEventWriter(path, true)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "meterman_test.db"))
	require.NoError(t, err)
	defer st.Close()
	m := NewManager(st, ev)

	require.NoError(t, m.ProcGatewaySnapshot(&store.GatewaySnapshot{
		GatewayUUID: "9.9.9.99.1", WhenReceived: 1500000100, NetworkID: "9.9.9.99",
		GatewayID: 1, WhenBooted: 1490000000, FreeRAM: 4096, GatewayTime: 1500000099,
		LogLevel: "DEBUG", TXPower: 13,
	}))
	require.NoError(t, m.ProcMeterRebase(testNode, 1500000060, 2000))

	// the snapshot row is persisted but only the meter line reaches the file
	snaps, err := m.GatewaySnapshots(store.GatewaySnapFilter{GatewayUUID: "9.9.9.99.1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	lines := readEventFile(t, ev, path)
	require.Len(t, lines, 1)
	assert.Regexp(t, `^MTRREBASE,`, lines[0])
}
