// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package store

import (
	"fmt"
	"strings"

	"github.com/leehonan/meterman-server/pkg/util/log"
)

// GatewaySnapshot is one row of the gateway_snapshot table. The gateway's
// encryption key is deliberately not persisted.
type GatewaySnapshot struct {
	GatewayUUID  string    `db:"gateway_uuid" json:"gateway_uuid"`
	WhenReceived int64     `db:"when_received" json:"when_received"`
	NetworkID    string    `db:"network_id" json:"network_id"`
	GatewayID    int       `db:"gateway_id" json:"gateway_id"`
	WhenBooted   int64     `db:"when_booted" json:"when_booted"`
	FreeRAM      int64     `db:"free_ram" json:"free_ram"`
	GatewayTime  int64     `db:"gateway_time" json:"gateway_time"`
	LogLevel     string    `db:"log_level" json:"log_level"`
	TXPower      int       `db:"tx_power" json:"tx_power"`
	RecStatus    RecStatus `db:"rec_status" json:"rec_status"`
}

// NodeSnapshot is one row of the node_snapshot table.
type NodeSnapshot struct {
	NodeUUID             string    `db:"node_uuid" json:"node_uuid"`
	WhenReceived         int64     `db:"when_received" json:"when_received"`
	NetworkID            string    `db:"network_id" json:"network_id"`
	NodeID               int       `db:"node_id" json:"node_id"`
	GatewayID            int       `db:"gateway_id" json:"gateway_id"`
	BattVoltageMV        int       `db:"batt_voltage_mv" json:"batt_voltage_mv"`
	UpTime               int64     `db:"up_time" json:"up_time"`
	SleepTime            int64     `db:"sleep_time" json:"sleep_time"`
	FreeRAM              int       `db:"free_ram" json:"free_ram"`
	WhenLastSeen         int64     `db:"when_last_seen" json:"when_last_seen"`
	LastClockDrift       int64     `db:"last_clock_drift" json:"last_clock_drift"`
	MeterInterval        int       `db:"meter_interval" json:"meter_interval"`
	MeterImpulsesPerKWH  int       `db:"meter_impulses_per_kwh" json:"meter_impulses_per_kwh"`
	LastMeterEntryFinish int64     `db:"last_meter_entry_finish" json:"last_meter_entry_finish"`
	LastMeterValue       int64     `db:"last_meter_value" json:"last_meter_value"`
	LastRMSCurrent       float64   `db:"last_rms_current" json:"last_rms_current"`
	PuckLEDRate          int       `db:"puck_led_rate" json:"puck_led_rate"`
	PuckLEDTime          int       `db:"puck_led_time" json:"puck_led_time"`
	LastRSSIAtGateway    int       `db:"last_rssi_at_gateway" json:"last_rssi_at_gateway"`
	RecStatus            RecStatus `db:"rec_status" json:"rec_status"`
}

// GatewaySnapFilter narrows gateway snapshot queries.
type GatewaySnapFilter struct {
	GatewayUUID string
	TimeFrom    int64
	TimeTo      int64
	RecStatus   RecStatus
	Limit       int
}

// NodeSnapFilter narrows node snapshot queries.
type NodeSnapFilter struct {
	NodeUUID  string
	NetworkID string
	TimeFrom  int64
	TimeTo    int64
	RecStatus RecStatus
	Limit     int
}

// WriteGatewaySnapshot inserts a gateway snapshot, returning ErrConflict
// when one already exists for the same gateway and receive time.
func (s *Store) WriteGatewaySnapshot(snap *GatewaySnapshot) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO gateway_snapshot
			(gateway_uuid, when_received, network_id, gateway_id, when_booted, free_ram, gateway_time, log_level, tx_power, rec_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.GatewayUUID, snap.WhenReceived, snap.NetworkID, snap.GatewayID, snap.WhenBooted,
		snap.FreeRAM, snap.GatewayTime, snap.LogLevel, snap.TXPower, snap.RecStatus)
	if err != nil {
		return fmt.Errorf("insert gateway_snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert gateway_snapshot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("gateway_snapshot [%s,%d]: %w", snap.GatewayUUID, snap.WhenReceived, ErrConflict)
	}
	log.Debugf("Inserted gateway_snapshot record for PRIMARY KEY [%s,%d]", snap.GatewayUUID, snap.WhenReceived)
	return nil
}

// GatewaySnapshots returns snapshots matching the filter, newest first
// when a limit is set.
func (s *Store) GatewaySnapshots(f GatewaySnapFilter) ([]GatewaySnapshot, error) {
	var conds []string
	var args []interface{}

	if f.GatewayUUID != "" {
		conds = append(conds, "gateway_uuid = ?")
		args = append(args, f.GatewayUUID)
	}
	if f.RecStatus != "" {
		conds = append(conds, "rec_status = ?")
		args = append(args, f.RecStatus)
	}
	if f.TimeFrom != 0 {
		conds = append(conds, "when_received >= ?")
		args = append(args, f.TimeFrom)
	}
	if f.TimeTo != 0 {
		conds = append(conds, "when_received <= ?")
		args = append(args, f.TimeTo)
	}

	query := "SELECT * FROM gateway_snapshot"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" ORDER BY when_received DESC LIMIT %d", f.Limit)
	}

	var snaps []GatewaySnapshot
	if err := s.db.Select(&snaps, query, args...); err != nil {
		return nil, fmt.Errorf("query gateway_snapshot: %w", err)
	}
	return snaps, nil
}

// WriteNodeSnapshot inserts a node snapshot, returning ErrConflict when
// one already exists for the same node and receive time.
func (s *Store) WriteNodeSnapshot(snap *NodeSnapshot) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO node_snapshot
			(node_uuid, when_received, network_id, node_id, gateway_id, batt_voltage_mv, up_time, sleep_time, free_ram,
			when_last_seen, last_clock_drift, meter_interval, meter_impulses_per_kwh, last_meter_entry_finish,
			last_meter_value, last_rms_current, puck_led_rate, puck_led_time, last_rssi_at_gateway, rec_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.NodeUUID, snap.WhenReceived, snap.NetworkID, snap.NodeID, snap.GatewayID, snap.BattVoltageMV,
		snap.UpTime, snap.SleepTime, snap.FreeRAM, snap.WhenLastSeen, snap.LastClockDrift, snap.MeterInterval,
		snap.MeterImpulsesPerKWH, snap.LastMeterEntryFinish, snap.LastMeterValue, snap.LastRMSCurrent,
		snap.PuckLEDRate, snap.PuckLEDTime, snap.LastRSSIAtGateway, snap.RecStatus)
	if err != nil {
		return fmt.Errorf("insert node_snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert node_snapshot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("node_snapshot [%s,%d]: %w", snap.NodeUUID, snap.WhenReceived, ErrConflict)
	}
	log.Debugf("Inserted node_snapshot record for PRIMARY KEY [%s,%d]", snap.NodeUUID, snap.WhenReceived)
	return nil
}

// NodeSnapshots returns snapshots matching the filter, newest first when
// a limit is set.
func (s *Store) NodeSnapshots(f NodeSnapFilter) ([]NodeSnapshot, error) {
	var conds []string
	var args []interface{}

	if f.NodeUUID != "" {
		conds = append(conds, "node_uuid = ?")
		args = append(args, f.NodeUUID)
	}
	if f.TimeFrom != 0 {
		conds = append(conds, "when_received >= ?")
		args = append(args, f.TimeFrom)
	}
	if f.TimeTo != 0 {
		conds = append(conds, "when_received <= ?")
		args = append(args, f.TimeTo)
	}
	if f.NetworkID != "" {
		conds = append(conds, "network_id = ?")
		args = append(args, f.NetworkID)
	}
	if f.RecStatus != "" {
		conds = append(conds, "rec_status = ?")
		args = append(args, f.RecStatus)
	}

	query := "SELECT * FROM node_snapshot"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" ORDER BY when_received DESC LIMIT %d", f.Limit)
	}

	var snaps []NodeSnapshot
	if err := s.db.Select(&snaps, query, args...); err != nil {
		return nil, fmt.Errorf("query node_snapshot: %w", err)
	}
	return snaps, nil
}
