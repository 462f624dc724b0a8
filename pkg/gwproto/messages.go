// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package gwproto

import (
	"fmt"
	"strconv"
)

func (r *Record) field(name string) (string, error) {
	v, ok := r.Values[name]
	if !ok {
		return "", fmt.Errorf("missing attribute %s", name)
	}
	return v, nil
}

func (r *Record) intField(name string) (int, error) {
	v, err := r.field(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

func (r *Record) int64Field(name string) (int64, error) {
	v, err := r.field(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

func (r *Record) floatField(name string) (float64, error) {
	v, err := r.field(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

// MeterUpdateEntry is one metering interval within a meter update.
type MeterUpdateEntry struct {
	IntervalLength int64
	Value          int64
	SpotRMSCurrent float64 // MUPC only
}

// MeterUpdate is the typed form of a MUP_ or MUPC frame.
type MeterUpdate struct {
	NodeID              int
	LastEntryFinishTime int64
	LastEntryMeterValue int64
	Entries             []MeterUpdateEntry
}

// MeterUpdate parses the frame as a meter update.
func (f *Frame) MeterUpdate() (*MeterUpdate, error) {
	if f.Type != TypeMeterUpdate && f.Type != TypeMeterUpdateIRMS {
		return nil, fmt.Errorf("%s is not a meter update", f.Type)
	}
	if f.Header == nil {
		return nil, fmt.Errorf("%s without header record", f.Type)
	}

	u := &MeterUpdate{}
	var err error
	if u.NodeID, err = f.Header.intField("node_id"); err != nil {
		return nil, err
	}
	if u.LastEntryFinishTime, err = f.Header.int64Field("last_entry_finish_time"); err != nil {
		return nil, err
	}
	if u.LastEntryMeterValue, err = f.Header.int64Field("last_entry_meter_value"); err != nil {
		return nil, err
	}

	for i := range f.Details {
		det := &f.Details[i]
		var e MeterUpdateEntry
		if e.IntervalLength, err = det.int64Field("entry_interval_length"); err != nil {
			return nil, err
		}
		if e.Value, err = det.int64Field("entry_value"); err != nil {
			return nil, err
		}
		if f.Type == TypeMeterUpdateIRMS {
			if e.SpotRMSCurrent, err = det.floatField("spot_rms_current"); err != nil {
				return nil, err
			}
		}
		u.Entries = append(u.Entries, e)
	}
	return u, nil
}

// MeterRebase is the typed form of a MREB frame.
type MeterRebase struct {
	NodeID         int
	EntryTimestamp int64
	MeterValue     int64
}

// MeterRebase parses the frame as a meter rebase.
func (f *Frame) MeterRebase() (*MeterRebase, error) {
	if f.Type != TypeMeterRebase {
		return nil, fmt.Errorf("%s is not a meter rebase", f.Type)
	}
	if f.Header == nil {
		return nil, fmt.Errorf("%s without header record", f.Type)
	}

	r := &MeterRebase{}
	var err error
	if r.NodeID, err = f.Header.intField("node_id"); err != nil {
		return nil, err
	}
	if r.EntryTimestamp, err = f.Header.int64Field("entry_timestamp"); err != nil {
		return nil, err
	}
	if r.MeterValue, err = f.Header.int64Field("meter_value"); err != nil {
		return nil, err
	}
	return r, nil
}

// GatewaySnap is the typed form of a GWSNAP frame.
type GatewaySnap struct {
	GatewayID   int
	WhenBooted  int64
	FreeRAM     int64
	GatewayTime int64
	LogLevel    string
	EncryptKey  string
	NetworkID   string
	TXPower     int
}

// GatewaySnap parses the frame as a gateway snapshot.
func (f *Frame) GatewaySnap() (*GatewaySnap, error) {
	if f.Type != TypeGatewaySnap {
		return nil, fmt.Errorf("%s is not a gateway snapshot", f.Type)
	}
	if f.Header == nil {
		return nil, fmt.Errorf("%s without header record", f.Type)
	}

	s := &GatewaySnap{}
	var err error
	if s.GatewayID, err = f.Header.intField("gateway_id"); err != nil {
		return nil, err
	}
	if s.WhenBooted, err = f.Header.int64Field("when_booted"); err != nil {
		return nil, err
	}
	if s.FreeRAM, err = f.Header.int64Field("free_ram"); err != nil {
		return nil, err
	}
	if s.GatewayTime, err = f.Header.int64Field("gateway_time"); err != nil {
		return nil, err
	}
	if s.LogLevel, err = f.Header.field("log_level"); err != nil {
		return nil, err
	}
	if s.EncryptKey, err = f.Header.field("encrypt_key"); err != nil {
		return nil, err
	}
	if s.NetworkID, err = f.Header.field("network_id"); err != nil {
		return nil, err
	}
	if s.TXPower, err = f.Header.intField("tx_power"); err != nil {
		return nil, err
	}
	return s, nil
}

// NodeSnap is one node state dump within a NOSNAP frame.
type NodeSnap struct {
	NodeID               int
	BattVoltage          int
	UpTime               int64
	SleepTime            int64
	FreeRAM              int
	WhenLastSeen         int64
	LastClockDrift       int64
	MeterInterval        int
	MeterImpulsesPerKWH  int
	LastMeterEntryFinish int64
	LastMeterValue       int64
	LastRMSCurrent       float64
	PuckLEDRate          int
	PuckLEDTime          int
	LastRSSIAtGateway    int
}

// NodeSnaps parses the frame as a set of node snapshots, one per detail
// record.
func (f *Frame) NodeSnaps() ([]NodeSnap, error) {
	if f.Type != TypeNodeSnap {
		return nil, fmt.Errorf("%s is not a node snapshot", f.Type)
	}

	var snaps []NodeSnap
	for i := range f.Details {
		det := &f.Details[i]
		var s NodeSnap
		var err error
		if s.NodeID, err = det.intField("node_id"); err != nil {
			return nil, err
		}
		if s.BattVoltage, err = det.intField("batt_voltage"); err != nil {
			return nil, err
		}
		if s.UpTime, err = det.int64Field("up_time"); err != nil {
			return nil, err
		}
		if s.SleepTime, err = det.int64Field("sleep_time"); err != nil {
			return nil, err
		}
		if s.FreeRAM, err = det.intField("free_ram"); err != nil {
			return nil, err
		}
		if s.WhenLastSeen, err = det.int64Field("when_last_seen"); err != nil {
			return nil, err
		}
		if s.LastClockDrift, err = det.int64Field("last_clock_drift"); err != nil {
			return nil, err
		}
		if s.MeterInterval, err = det.intField("meter_interval"); err != nil {
			return nil, err
		}
		if s.MeterImpulsesPerKWH, err = det.intField("meter_impulses_per_kwh"); err != nil {
			return nil, err
		}
		if s.LastMeterEntryFinish, err = det.int64Field("last_meter_entry_finish"); err != nil {
			return nil, err
		}
		if s.LastMeterValue, err = det.int64Field("last_meter_value"); err != nil {
			return nil, err
		}
		if s.LastRMSCurrent, err = det.floatField("last_rms_current"); err != nil {
			return nil, err
		}
		if s.PuckLEDRate, err = det.intField("puck_led_rate"); err != nil {
			return nil, err
		}
		if s.PuckLEDTime, err = det.intField("puck_led_time"); err != nil {
			return nil, err
		}
		if s.LastRSSIAtGateway, err = det.intField("last_rssi_at_gateway"); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// NodeDark is the typed form of an NDARK frame.
type NodeDark struct {
	NodeID   int
	LastSeen int64
}

// NodeDark parses the frame as a node dark notification.
func (f *Frame) NodeDark() (*NodeDark, error) {
	if f.Type != TypeNodeDark {
		return nil, fmt.Errorf("%s is not a node dark notification", f.Type)
	}
	if f.Header == nil {
		return nil, fmt.Errorf("%s without header record", f.Type)
	}

	d := &NodeDark{}
	var err error
	if d.NodeID, err = f.Header.intField("node_id"); err != nil {
		return nil, err
	}
	if d.LastSeen, err = f.Header.int64Field("last_seen"); err != nil {
		return nil, err
	}
	return d, nil
}

// GPMessage is the typed form of a GMSG frame.
type GPMessage struct {
	NodeID  int
	Message string
}

// GPMessage parses the frame as a general purpose message.
func (f *Frame) GPMessage() (*GPMessage, error) {
	if f.Type != TypeGPMsg {
		return nil, fmt.Errorf("%s is not a general purpose message", f.Type)
	}
	if f.Header == nil {
		return nil, fmt.Errorf("%s without header record", f.Type)
	}

	m := &GPMessage{}
	var err error
	if m.NodeID, err = f.Header.intField("node_id"); err != nil {
		return nil, err
	}
	if m.Message, err = f.Header.field("message"); err != nil {
		return nil, err
	}
	return m, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func i64toa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// GetTimeMsg builds a GTIME request for the server's time.
func GetTimeMsg() string {
	return encode(defnGetTime, nil, nil)
}

// SetTimeMsg builds an STIME instruction carrying the new gateway time.
func SetTimeMsg(newEpochTimeUTC int64) string {
	return encode(defnSetTime, map[string]string{"new_epoch_time_utc": i64toa(newEpochTimeUTC)}, nil)
}

// SetTimeAckMsg builds an STIME_ACK.
func SetTimeAckMsg() string {
	return encode(defnSetTimeAck, nil, nil)
}

// SetTimeNackMsg builds an STIME_NACK.
func SetTimeNackMsg() string {
	return encode(defnSetTimeNack, nil, nil)
}

// GetGatewaySnapMsg builds a GGWSNAP request for the gateway's state.
func GetGatewaySnapMsg() string {
	return encode(defnGetGatewaySnap, nil, nil)
}

// GatewaySnapMsg builds a GWSNAP state dump.
func GatewaySnapMsg(gatewayID int, whenBooted, freeRAM, gatewayTime int64, logLevel, encryptKey, networkID string, txPower int) string {
	return encode(defnGatewaySnap, map[string]string{
		"gateway_id":  itoa(gatewayID),
		"when_booted": i64toa(whenBooted),
		"free_ram":    i64toa(freeRAM),
		"gateway_time": i64toa(gatewayTime),
		"log_level":   logLevel,
		"encrypt_key": encryptKey,
		"network_id":  networkID,
		"tx_power":    itoa(txPower),
	}, nil)
}

// SetGITRMsg builds an SGITR instruction setting a node's gateway
// instruction poll rate for a temporary period.
func SetGITRMsg(nodeID, tmpPollRate, tmpPollPeriod int) string {
	return encode(defnSetGITR, map[string]string{
		"node_id":         itoa(nodeID),
		"tmp_poll_rate":   itoa(tmpPollRate),
		"tmp_poll_period": itoa(tmpPollPeriod),
	}, nil)
}

// SetGITRAckMsg builds an SGITR_ACK for a node.
func SetGITRAckMsg(nodeID int) string {
	return encode(defnSetGITRAck, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// SetGITRNackMsg builds an SGITR_NACK for a node.
func SetGITRNackMsg(nodeID int) string {
	return encode(defnSetGITRNack, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// GetNodeSnapMsg builds a GNOSNAP request. Node 254 requests every node.
func GetNodeSnapMsg(nodeID int) string {
	return encode(defnGetNodeSnap, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// GetNodeSnapNackMsg builds a GNOSNAP_NACK for a node.
func GetNodeSnapNackMsg(nodeID int) string {
	return encode(defnGetNodeSnapNack, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// NodeSnapMsg builds a NOSNAP state dump with one detail record per node.
func NodeSnapMsg(snaps ...NodeSnap) string {
	details := make([]map[string]string, 0, len(snaps))
	for _, s := range snaps {
		details = append(details, map[string]string{
			"node_id":                 itoa(s.NodeID),
			"batt_voltage":            itoa(s.BattVoltage),
			"up_time":                 i64toa(s.UpTime),
			"sleep_time":              i64toa(s.SleepTime),
			"free_ram":                itoa(s.FreeRAM),
			"when_last_seen":          i64toa(s.WhenLastSeen),
			"last_clock_drift":        i64toa(s.LastClockDrift),
			"meter_interval":          itoa(s.MeterInterval),
			"meter_impulses_per_kwh":  itoa(s.MeterImpulsesPerKWH),
			"last_meter_entry_finish": i64toa(s.LastMeterEntryFinish),
			"last_meter_value":        i64toa(s.LastMeterValue),
			"last_rms_current":        ftoa(s.LastRMSCurrent),
			"puck_led_rate":           itoa(s.PuckLEDRate),
			"puck_led_time":           itoa(s.PuckLEDTime),
			"last_rssi_at_gateway":    itoa(s.LastRSSIAtGateway),
		})
	}
	return encode(defnNodeSnap, nil, details)
}

// MeterUpdateMsg builds a MUP_ meter update.
func MeterUpdateMsg(nodeID int, lastEntryFinishTime, lastEntryMeterValue int64, entries []MeterUpdateEntry) string {
	details := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		details = append(details, map[string]string{
			"entry_interval_length": i64toa(e.IntervalLength),
			"entry_value":           i64toa(e.Value),
		})
	}
	return encode(defnMeterUpdate, map[string]string{
		"node_id":               itoa(nodeID),
		"last_entry_finish_time": i64toa(lastEntryFinishTime),
		"last_entry_meter_value": i64toa(lastEntryMeterValue),
	}, details)
}

// MeterUpdateIRMSMsg builds a MUPC meter update with spot current readings.
func MeterUpdateIRMSMsg(nodeID int, lastEntryFinishTime, lastEntryMeterValue int64, entries []MeterUpdateEntry) string {
	details := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		details = append(details, map[string]string{
			"entry_interval_length": i64toa(e.IntervalLength),
			"entry_value":           i64toa(e.Value),
			"spot_rms_current":      ftoa(e.SpotRMSCurrent),
		})
	}
	return encode(defnMeterUpdateIRMS, map[string]string{
		"node_id":               itoa(nodeID),
		"last_entry_finish_time": i64toa(lastEntryFinishTime),
		"last_entry_meter_value": i64toa(lastEntryMeterValue),
	}, details)
}

// MeterRebaseMsg builds a MREB meter rebase.
func MeterRebaseMsg(nodeID int, entryTimestamp, meterValue int64) string {
	return encode(defnMeterRebase, map[string]string{
		"node_id":         itoa(nodeID),
		"entry_timestamp": i64toa(entryTimestamp),
		"meter_value":     i64toa(meterValue),
	}, nil)
}

// SetMeterValueMsg builds an SMVAL instruction resetting a node's meter
// value in watt-hours.
func SetMeterValueMsg(nodeID int, newMeterValue int64) string {
	return encode(defnSetMeterValue, map[string]string{
		"node_id":         itoa(nodeID),
		"new_meter_value": i64toa(newMeterValue),
	}, nil)
}

// SetMeterValueAckMsg builds an SMVAL_ACK for a node.
func SetMeterValueAckMsg(nodeID int) string {
	return encode(defnSetMeterValAck, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// SetMeterValueNackMsg builds an SMVAL_NACK for a node.
func SetMeterValueNackMsg(nodeID int) string {
	return encode(defnSetMeterValNack, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// SetMeterIntervalMsg builds an SMINT instruction setting a node's
// metering interval in seconds.
func SetMeterIntervalMsg(nodeID, newMeterInterval int) string {
	return encode(defnSetMeterInt, map[string]string{
		"node_id":            itoa(nodeID),
		"new_meter_interval": itoa(newMeterInterval),
	}, nil)
}

// SetMeterIntervalAckMsg builds an SMINT_ACK for a node.
func SetMeterIntervalAckMsg(nodeID int) string {
	return encode(defnSetMeterIntAck, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// SetMeterIntervalNackMsg builds an SMINT_NACK for a node.
func SetMeterIntervalNackMsg(nodeID int) string {
	return encode(defnSetMeterIntNack, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// SetPuckLEDMsg builds an SPLED instruction setting a node's puck LED
// rate and time.
func SetPuckLEDMsg(nodeID, newPuckLEDRate, newPuckLEDTime int) string {
	return encode(defnSetPuckLED, map[string]string{
		"node_id":           itoa(nodeID),
		"new_puck_led_rate": itoa(newPuckLEDRate),
		"new_puck_led_time": itoa(newPuckLEDTime),
	}, nil)
}

// SetPuckLEDAckMsg builds an SPLED_ACK for a node.
func SetPuckLEDAckMsg(nodeID int) string {
	return encode(defnSetPuckLEDAck, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// SetPuckLEDNackMsg builds an SPLED_NACK for a node.
func SetPuckLEDNackMsg(nodeID int) string {
	return encode(defnSetPuckLEDNack, map[string]string{"node_id": itoa(nodeID)}, nil)
}

// NodeDarkMsg builds an NDARK notification.
func NodeDarkMsg(nodeID int, lastSeen int64) string {
	return encode(defnNodeDark, map[string]string{
		"node_id":   itoa(nodeID),
		"last_seen": i64toa(lastSeen),
	}, nil)
}

// GeneralPurposeMsg builds a GMSG carrying free text from a node.
func GeneralPurposeMsg(nodeID int, message string) string {
	return encode(defnGPMsg, map[string]string{
		"node_id": itoa(nodeID),
		"message": message,
	}, nil)
}
