// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package devices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leehonan/meterman-server/pkg/meterdata"
)

func TestSimMeterEmitsUpdates(t *testing.T) {
	mgr, sink, _, mock := newTestManager()
	require.NoError(t, mgr.AddSimMeter(SimMeterConfig{
		NetworkID:     "9.9.9.99",
		GatewayID:     1,
		NodeID:        100,
		Interval:      15,
		StartValue:    1000,
		ReadMin:       5,
		ReadMax:       5,
		MaxMsgEntries: 4,
	}))

	// first fire is backdated one full message interval
	mgr.Tick()
	require.Len(t, sink.updates, 1)
	assert.Equal(t, "9.9.9.99.100", sink.updates[0].nodeUUID)
	assert.Equal(t, []meterdata.UpdateEntry{
		{WhenStart: 1756999956, EntryValue: 5, IntervalLength: 15, MeterValue: 1005},
		{WhenStart: 1756999971, EntryValue: 5, IntervalLength: 15, MeterValue: 1010},
		{WhenStart: 1756999986, EntryValue: 5, IntervalLength: 15, MeterValue: 1015},
	}, sink.updates[0].entries)

	// nothing more until the message interval lapses again
	mgr.Tick()
	assert.Len(t, sink.updates, 1)

	mock.Add(61 * time.Second)
	mgr.Tick()
	require.Len(t, sink.updates, 2)
	assert.Equal(t, []meterdata.UpdateEntry{
		{WhenStart: 1757000016, EntryValue: 5, IntervalLength: 15, MeterValue: 1020},
		{WhenStart: 1757000031, EntryValue: 5, IntervalLength: 15, MeterValue: 1025},
		{WhenStart: 1757000046, EntryValue: 5, IntervalLength: 15, MeterValue: 1030},
	}, sink.updates[1].entries)
}

func TestSimMeterReadsStayInRange(t *testing.T) {
	mgr, sink, _, _ := newTestManager()
	require.NoError(t, mgr.AddSimMeter(SimMeterConfig{
		NetworkID:     "9.9.9.99",
		GatewayID:     1,
		NodeID:        100,
		Interval:      10,
		StartValue:    0,
		ReadMin:       1,
		ReadMax:       10,
		MaxMsgEntries: 6,
	}))

	mgr.Tick()

	require.Len(t, sink.updates, 1)
	require.Len(t, sink.updates[0].entries, 5)
	var total int64
	for _, e := range sink.updates[0].entries {
		assert.GreaterOrEqual(t, e.EntryValue, int64(1))
		assert.LessOrEqual(t, e.EntryValue, int64(10))
		total += e.EntryValue
		assert.Equal(t, total, e.MeterValue)
	}
}

func TestSimMeterSingleEntryMessageIsEmpty(t *testing.T) {
	mgr, sink, _, _ := newTestManager()
	require.NoError(t, mgr.AddSimMeter(SimMeterConfig{
		NetworkID:     "9.9.9.99",
		GatewayID:     1,
		NodeID:        100,
		Interval:      15,
		StartValue:    1000,
		ReadMin:       5,
		ReadMax:       5,
		MaxMsgEntries: 1,
	}))

	mgr.Tick()

	// header-only update carries no entries but still registers the node
	assert.Empty(t, sink.updates)
	_, ok := mgr.Node("9.9.9.99.100")
	assert.True(t, ok)
}

func TestAddSimMeterRequiresGateway(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	err := mgr.AddSimMeter(SimMeterConfig{
		NetworkID: "9.9.9.99",
		GatewayID: 9,
		NodeID:    100,
	})
	assert.Error(t, err)
}
