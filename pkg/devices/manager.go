// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package devices supervises the gateway links and the nodes behind them.
// Each tick it drains the links' receive buffers, dispatches frames to the
// data layer, runs the periodic control cadences and feeds any configured
// simulated meters through the same path as real traffic.
package devices

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/leehonan/meterman-server/pkg/gwlink"
	"github.com/leehonan/meterman-server/pkg/gwproto"
	"github.com/leehonan/meterman-server/pkg/meterdata"
	"github.com/leehonan/meterman-server/pkg/metrics"
	"github.com/leehonan/meterman-server/pkg/store"
	"github.com/leehonan/meterman-server/pkg/util/log"
)

// Control cadences, in epoch seconds.
const (
	gatewayTimeSyncIntervalSecs = 600
	nodeUpdateIntervalSecs      = 900
)

// Sink receives everything the device layer harvests off the radio network.
type Sink interface {
	ProcMeterUpdate(nodeUUID string, entries []meterdata.UpdateEntry) error
	ProcMeterRebase(nodeUUID string, entryTimestamp, meterValue int64) error
	ProcGatewaySnapshot(snap *store.GatewaySnapshot) error
	ProcNodeSnapshot(snap *store.NodeSnapshot) error
	ProcNodeEvent(nodeUUID string, timestamp int64, eventType store.NodeEventType, details string) error
}

// GatewayLink is the slice of the link worker the manager drives.
type GatewayLink interface {
	UUID() string
	Info() gwlink.GatewayInfo
	Start()
	Stop()
	BufferedSince(last gwlink.BufferKey) []gwlink.BufferedFrame
	SendSetTime()
	RequestGatewaySnapshot()
	RequestNodeSnapshot(nodeID int)
	SetNodeGINRRate(nodeID, tmpPollRate, tmpPollPeriod int)
	SetNodeMeterValue(nodeID int, newMeterValue int64)
	SetNodeMeterInterval(nodeID, newMeterInterval int)
	SetNodePuckLED(nodeID, newPuckLEDRate, newPuckLEDTime int)
}

var _ GatewayLink = (*gwlink.Worker)(nil)

// NodeRecord is the in-memory bookkeeping for one node. A node snapshot
// replaces the record wholesale; meter traffic only refreshes the last-entry
// fields.
type NodeRecord struct {
	NodeUUID    string `json:"node_uuid"`
	NetworkID   string `json:"network_id"`
	NodeID      int    `json:"node_id"`
	GatewayUUID string `json:"gateway_uuid"`
	GatewayID   int    `json:"gateway_id"`

	WhenLastMeterEntry int64   `json:"when_last_meter_entry"`
	LastEntryTimestamp int64   `json:"last_entry_timestamp"`
	LastMeterValue     int64   `json:"last_meter_value"`
	LastRMSCurrent     float64 `json:"last_rms_current"`

	BattVoltageMV        int   `json:"batt_voltage"`
	UpTime               int64 `json:"up_time"`
	SleepTime            int64 `json:"sleep_time"`
	FreeRAM              int   `json:"free_ram"`
	WhenLastSeen         int64 `json:"when_last_seen"`
	LastClockDrift       int64 `json:"last_clock_drift"`
	MeterInterval        int   `json:"meter_interval"`
	MeterImpulsesPerKWH  int   `json:"meter_impulses_per_kwh"`
	LastMeterEntryFinish int64 `json:"last_meter_entry_finish"`
	PuckLEDRate          int   `json:"puck_led_rate"`
	PuckLEDTime          int   `json:"puck_led_time"`
	LastRSSI             int   `json:"last_rssi"`
}

type gatewayState struct {
	link              GatewayLink
	lastKey           gwlink.BufferKey
	lastSnapTime      int64
	lastClockSyncTime int64
	simMeters         map[string]*simMeter
}

// Manager owns the gateway links and the node bookkeeping built from their
// traffic.
type Manager struct {
	sink  Sink
	clock clock.Clock

	mu       sync.Mutex
	gateways map[string]*gatewayState
	nodes    map[string]*NodeRecord
}

// NewManager returns a manager feeding the given sink.
func NewManager(sink Sink, clk clock.Clock) *Manager {
	return &Manager{
		sink:     sink,
		clock:    clk,
		gateways: map[string]*gatewayState{},
		nodes:    map[string]*NodeRecord{},
	}
}

// AddGateway registers a link and starts its worker loop.
func (m *Manager) AddGateway(link GatewayLink) {
	m.mu.Lock()
	m.gateways[link.UUID()] = &gatewayState{
		link:      link,
		simMeters: map[string]*simMeter{},
	}
	m.mu.Unlock()
	link.Start()
}

// Stop stops every gateway link.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gw := range m.gateways {
		gw.link.Stop()
	}
}

// Tick drains and dispatches buffered frames, fires due control cadences and
// runs the simulated meters. The supervisor calls it on its processing loop.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gw := range m.gateways {
		m.drainGateway(gw)
		m.runCadences(gw)
		m.runSimMeters(gw)
	}
}

// drainGateway processes buffered frames past the high-water mark. The mark
// advances over every frame, failed ones included, so a poison frame cannot
// wedge the link.
func (m *Manager) drainGateway(gw *gatewayState) {
	for _, bf := range gw.link.BufferedSince(gw.lastKey) {
		m.dispatchFrame(bf.Frame)
		gw.lastKey = bf.Key
	}
}

func (m *Manager) dispatchFrame(f *gwproto.Frame) {
	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchErrors.Inc()
			log.Errorf("Failed to process %s message from gateway %s: %v", f.Type, f.GatewayUUID, r)
		}
	}()

	var err error
	switch f.Type {
	case gwproto.TypeMeterUpdate:
		err = m.procMeterUpdate(f, false)
	case gwproto.TypeMeterUpdateIRMS:
		err = m.procMeterUpdate(f, true)
	case gwproto.TypeMeterRebase:
		err = m.procMeterRebase(f)
	case gwproto.TypeGatewaySnap:
		err = m.procGatewaySnapshot(f)
	case gwproto.TypeNodeSnap:
		err = m.procNodeSnapshot(f)
	case gwproto.TypeNodeDark:
		err = m.procNodeDark(f)
	case gwproto.TypeGPMsg:
		err = m.procGPMessage(f)
	default:
		log.Warnf("Got unknown message object: %s", f)
		return
	}

	if err != nil {
		metrics.DispatchErrors.Inc()
		log.Errorf("Failed to process %s message from gateway %s: %v", f.Type, f.GatewayUUID, err)
		return
	}
	metrics.MessagesDispatched.WithLabelValues(f.Type).Inc()
}

// procMeterUpdate reconstructs absolute entries from a MUP_/MUPC payload.
// The header carries the finish time and meter value of the entry just
// before the first detail: each detail advances when_start by its interval
// and the running meter value by its entry value.
func (m *Manager) procMeterUpdate(f *gwproto.Frame, isIRMS bool) error {
	u, err := f.MeterUpdate()
	if err != nil {
		return err
	}

	nodeUUID := nodeUUIDFor(f.NetworkID, u.NodeID)
	rec := m.ensureNode(nodeUUID, f, u.NodeID)

	if len(u.Entries) == 0 {
		log.Infof("Got empty meter update from node %s", nodeUUID)
		return nil
	}

	whenStart := u.LastEntryFinishTime + 1
	meterValue := u.LastEntryMeterValue
	out := make([]meterdata.UpdateEntry, 0, len(u.Entries))
	var lastRMS float64
	for _, e := range u.Entries {
		whenStart += e.IntervalLength
		meterValue += e.Value
		out = append(out, meterdata.UpdateEntry{
			WhenStart:      whenStart,
			EntryValue:     e.Value,
			IntervalLength: e.IntervalLength,
			MeterValue:     meterValue,
		})
		lastRMS = e.SpotRMSCurrent
	}

	last := out[len(out)-1]
	rec.WhenLastMeterEntry = last.WhenStart
	rec.LastMeterValue = last.MeterValue
	if isIRMS {
		rec.LastRMSCurrent = lastRMS
	}

	if err := m.sink.ProcMeterUpdate(nodeUUID, out); err != nil {
		return err
	}
	log.Infof("Got meter update from node %s.  Last entry was at %s value: %dWh",
		nodeUUID, localTime(last.WhenStart), last.MeterValue)
	return nil
}

func (m *Manager) procMeterRebase(f *gwproto.Frame) error {
	r, err := f.MeterRebase()
	if err != nil {
		return err
	}

	nodeUUID := nodeUUIDFor(f.NetworkID, r.NodeID)
	rec := m.ensureNode(nodeUUID, f, r.NodeID)
	rec.LastEntryTimestamp = r.EntryTimestamp
	rec.LastMeterValue = r.MeterValue

	if err := m.sink.ProcMeterRebase(nodeUUID, r.EntryTimestamp, r.MeterValue); err != nil {
		return err
	}
	log.Infof("Got meter rebase from node %s.  Last entry was at %s value: %dWh",
		nodeUUID, localTime(r.EntryTimestamp), r.MeterValue)
	return nil
}

// procGatewaySnapshot forwards a gateway state dump. The snapshot body is
// authoritative for the gateway's address; the radio encryption key it
// carries is dropped here and never persisted.
func (m *Manager) procGatewaySnapshot(f *gwproto.Frame) error {
	snap, err := f.GatewaySnap()
	if err != nil {
		return err
	}

	gatewayUUID := nodeUUIDFor(snap.NetworkID, snap.GatewayID)
	if err := m.sink.ProcGatewaySnapshot(&store.GatewaySnapshot{
		GatewayUUID:  gatewayUUID,
		WhenReceived: f.WhenReceived,
		NetworkID:    snap.NetworkID,
		GatewayID:    snap.GatewayID,
		WhenBooted:   snap.WhenBooted,
		FreeRAM:      snap.FreeRAM,
		GatewayTime:  snap.GatewayTime,
		LogLevel:     snap.LogLevel,
		TXPower:      snap.TXPower,
	}); err != nil {
		return err
	}
	log.Infof("Got gateway snapshot from gateway: %s", gatewayUUID)
	return nil
}

func (m *Manager) procNodeSnapshot(f *gwproto.Frame) error {
	snaps, err := f.NodeSnaps()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		log.Infof("Got 0 node snapshots")
		return nil
	}

	for _, ns := range snaps {
		nodeUUID := nodeUUIDFor(f.NetworkID, ns.NodeID)
		m.ensureNode(nodeUUID, f, ns.NodeID)
		m.nodes[nodeUUID] = &NodeRecord{
			NodeUUID:             nodeUUID,
			NetworkID:            f.NetworkID,
			NodeID:               ns.NodeID,
			GatewayUUID:          f.GatewayUUID,
			GatewayID:            f.GatewayID,
			LastMeterValue:       ns.LastMeterValue,
			LastRMSCurrent:       ns.LastRMSCurrent,
			BattVoltageMV:        ns.BattVoltage,
			UpTime:               ns.UpTime,
			SleepTime:            ns.SleepTime,
			FreeRAM:              ns.FreeRAM,
			WhenLastSeen:         ns.WhenLastSeen,
			LastClockDrift:       ns.LastClockDrift,
			MeterInterval:        ns.MeterInterval,
			MeterImpulsesPerKWH:  ns.MeterImpulsesPerKWH,
			LastMeterEntryFinish: ns.LastMeterEntryFinish,
			PuckLEDRate:          ns.PuckLEDRate,
			PuckLEDTime:          ns.PuckLEDTime,
			LastRSSI:             ns.LastRSSIAtGateway,
		}

		if err := m.sink.ProcNodeSnapshot(&store.NodeSnapshot{
			NodeUUID:             nodeUUID,
			WhenReceived:         f.WhenReceived,
			NetworkID:            f.NetworkID,
			NodeID:               ns.NodeID,
			GatewayID:            f.GatewayID,
			BattVoltageMV:        ns.BattVoltage,
			UpTime:               ns.UpTime,
			SleepTime:            ns.SleepTime,
			FreeRAM:              ns.FreeRAM,
			WhenLastSeen:         ns.WhenLastSeen,
			LastClockDrift:       ns.LastClockDrift,
			MeterInterval:        ns.MeterInterval,
			MeterImpulsesPerKWH:  ns.MeterImpulsesPerKWH,
			LastMeterEntryFinish: ns.LastMeterEntryFinish,
			LastMeterValue:       ns.LastMeterValue,
			LastRMSCurrent:       ns.LastRMSCurrent,
			PuckLEDRate:          ns.PuckLEDRate,
			PuckLEDTime:          ns.PuckLEDTime,
			LastRSSIAtGateway:    ns.LastRSSIAtGateway,
		}); err != nil {
			return err
		}
		log.Infof("Got node snapshot from node: %s", nodeUUID)
	}
	return nil
}

func (m *Manager) procNodeDark(f *gwproto.Frame) error {
	d, err := f.NodeDark()
	if err != nil {
		return err
	}

	nodeUUID := nodeUUIDFor(f.NetworkID, d.NodeID)
	m.ensureNode(nodeUUID, f, d.NodeID)

	details := fmt.Sprintf("last seen at: %d", d.LastSeen)
	if err := m.sink.ProcNodeEvent(nodeUUID, f.WhenReceived, store.EventDark, details); err != nil {
		return err
	}
	log.Infof("Got node dark from node: %s.  Last seen at: %s", nodeUUID, localTime(d.LastSeen))
	return nil
}

// procGPMessage records boot announcements; other broadcast chatter is
// logged and dropped.
func (m *Manager) procGPMessage(f *gwproto.Frame) error {
	g, err := f.GPMessage()
	if err != nil {
		return err
	}

	nodeUUID := nodeUUIDFor(f.NetworkID, g.NodeID)
	m.ensureNode(nodeUUID, f, g.NodeID)

	if strings.HasPrefix(g.Message, "BOOT") {
		if err := m.sink.ProcNodeEvent(nodeUUID, f.WhenReceived, store.EventBoot, g.Message); err != nil {
			return err
		}
	} else {
		log.Debugf("Dropping general-purpose message from node %s: %s", nodeUUID, g.Message)
	}
	log.Infof("Got general-purpose message from node: %s - %s", nodeUUID, g.Message)
	return nil
}

// runCadences fires the periodic gateway housekeeping: clock sync and
// gateway/node snapshot refresh. Both fire immediately for a fresh gateway.
func (m *Manager) runCadences(gw *gatewayState) {
	now := m.clock.Now().Unix()

	if gw.lastClockSyncTime < now-gatewayTimeSyncIntervalSecs {
		gw.link.SendSetTime()
		gw.lastClockSyncTime = now
	}

	if gw.lastSnapTime < now-nodeUpdateIntervalSecs {
		gw.link.RequestGatewaySnapshot()
		gw.link.RequestNodeSnapshot(gwproto.BroadcastNodeID)
		gw.lastSnapTime = now
	}
}

func (m *Manager) ensureNode(nodeUUID string, f *gwproto.Frame, nodeID int) *NodeRecord {
	rec, ok := m.nodes[nodeUUID]
	if !ok {
		rec = &NodeRecord{
			NodeUUID:    nodeUUID,
			NetworkID:   f.NetworkID,
			NodeID:      nodeID,
			GatewayUUID: f.GatewayUUID,
			GatewayID:   f.GatewayID,
		}
		m.nodes[nodeUUID] = rec
	}
	return rec
}

// SetNodeGINRRate queues a temporary instruction-poll-rate change for a node.
func (m *Manager) SetNodeGINRRate(nodeUUID string, tmpPollRate, tmpPollPeriod int) error {
	rec, gw, err := m.nodeGateway(nodeUUID)
	if err != nil {
		return err
	}
	gw.link.SetNodeGINRRate(rec.NodeID, tmpPollRate, tmpPollPeriod)
	return nil
}

// SetNodeMeterValue queues a meter value reset for a node.
func (m *Manager) SetNodeMeterValue(nodeUUID string, newMeterValue int64) error {
	rec, gw, err := m.nodeGateway(nodeUUID)
	if err != nil {
		return err
	}
	gw.link.SetNodeMeterValue(rec.NodeID, newMeterValue)
	return nil
}

// SetNodeMeterInterval queues a metering interval change for a node.
func (m *Manager) SetNodeMeterInterval(nodeUUID string, newMeterInterval int) error {
	rec, gw, err := m.nodeGateway(nodeUUID)
	if err != nil {
		return err
	}
	gw.link.SetNodeMeterInterval(rec.NodeID, newMeterInterval)
	return nil
}

// SetNodePuckLED queues a puck LED rate/time change for a node.
func (m *Manager) SetNodePuckLED(nodeUUID string, newPuckLEDRate, newPuckLEDTime int) error {
	rec, gw, err := m.nodeGateway(nodeUUID)
	if err != nil {
		return err
	}
	gw.link.SetNodePuckLED(rec.NodeID, newPuckLEDRate, newPuckLEDTime)
	return nil
}

func (m *Manager) nodeGateway(nodeUUID string) (*NodeRecord, *gatewayState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeUUID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown node %s", nodeUUID)
	}
	gw, ok := m.gateways[rec.GatewayUUID]
	if !ok {
		return nil, nil, fmt.Errorf("no gateway %s for node %s", rec.GatewayUUID, nodeUUID)
	}
	return rec, gw, nil
}

// Nodes returns a copy of the node bookkeeping, ordered by UUID.
func (m *Manager) Nodes() []NodeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeRecord, 0, len(m.nodes))
	for _, rec := range m.nodes {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeUUID < out[j].NodeUUID })
	return out
}

// Node returns the bookkeeping for one node.
func (m *Manager) Node(nodeUUID string) (NodeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.nodes[nodeUUID]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// Gateways returns the cached view of every gateway, ordered by UUID.
func (m *Manager) Gateways() []gwlink.GatewayInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gwlink.GatewayInfo, 0, len(m.gateways))
	for _, gw := range m.gateways {
		out = append(out, gw.link.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func nodeUUIDFor(networkID string, nodeID int) string {
	return fmt.Sprintf("%s.%d", networkID, nodeID)
}

func localTime(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}
