// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package store persists meter entries, device snapshots, node events and
// system parameters to an embedded sqlite database.
package store

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/leehonan/meterman-server/pkg/util/log"
)

// RecStatus marks the lifecycle state of a stored record.
type RecStatus string

const (
	RecStatusNormal  RecStatus = "NORM"
	RecStatusHidden  RecStatus = "HDN"
	RecStatusDeleted RecStatus = "DEL"
)

// EntryType classifies a meter entry as observed or synthetic.
type EntryType string

const (
	EntryMeterUpdate      EntryType = "MUP"
	EntryMeterRebase      EntryType = "MREB"
	EntryMeterUpdateSynth EntryType = "MUPS"
	EntryMeterRebaseSynth EntryType = "MREBS"
)

// ObservedEntryTypes are the entry types written from live gateway traffic.
var ObservedEntryTypes = []EntryType{EntryMeterUpdate, EntryMeterRebase}

// SynthEntryTypes are the entry types written through the upload API.
var SynthEntryTypes = []EntryType{EntryMeterUpdateSynth, EntryMeterRebaseSynth}

// AllEntryTypes covers every meter entry type.
var AllEntryTypes = []EntryType{EntryMeterUpdate, EntryMeterRebase, EntryMeterUpdateSynth, EntryMeterRebaseSynth}

// NodeEventType classifies a node event.
type NodeEventType string

const (
	EventBoot    NodeEventType = "BOOT"
	EventDark    NodeEventType = "DARK"
	EventLowBatt NodeEventType = "LBATT"
)

// ErrConflict reports an insert whose primary key already exists.
var ErrConflict = errors.New("record already exists")

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store wraps the sqlite database holding all server state.
type Store struct {
	db *sqlx.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS meter_entry (
		node_uuid TEXT NOT NULL,
		when_start_raw INTEGER NOT NULL,
		when_start_raw_nonce TEXT NOT NULL,
		when_start INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		entry_value INTEGER NOT NULL,
		meter_value INTEGER NOT NULL,
		rec_status TEXT NOT NULL,
		PRIMARY KEY (node_uuid, when_start_raw, when_start_raw_nonce)) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_meter_entry_node_uuid ON meter_entry (node_uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_meter_entry_when_start ON meter_entry (when_start)`,
	`CREATE INDEX IF NOT EXISTS idx_meter_entry_entry_type ON meter_entry (entry_type)`,
	`CREATE INDEX IF NOT EXISTS idx_meter_entry_rec_status ON meter_entry (rec_status)`,

	`CREATE TABLE IF NOT EXISTS gateway_snapshot (
		gateway_uuid TEXT NOT NULL,
		when_received INTEGER NOT NULL,
		network_id TEXT NOT NULL,
		gateway_id INTEGER NOT NULL,
		when_booted INTEGER NOT NULL,
		free_ram INTEGER NOT NULL,
		gateway_time INTEGER NOT NULL,
		log_level TEXT NOT NULL,
		tx_power INTEGER NOT NULL,
		rec_status TEXT NOT NULL,
		PRIMARY KEY (gateway_uuid, when_received)) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_snapshot_uuid ON gateway_snapshot (gateway_uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_snapshot_when_received ON gateway_snapshot (when_received)`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_snapshot_rec_status ON gateway_snapshot (rec_status)`,

	`CREATE TABLE IF NOT EXISTS node_snapshot (
		node_uuid TEXT NOT NULL,
		when_received INTEGER NOT NULL,
		network_id TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		gateway_id INTEGER NOT NULL,
		batt_voltage_mv INTEGER NOT NULL,
		up_time INTEGER NOT NULL,
		sleep_time INTEGER NOT NULL,
		free_ram INTEGER NOT NULL,
		when_last_seen INTEGER NOT NULL,
		last_clock_drift INTEGER NOT NULL,
		meter_interval INTEGER NOT NULL,
		meter_impulses_per_kwh INTEGER NOT NULL,
		last_meter_entry_finish INTEGER NOT NULL,
		last_meter_value INTEGER NOT NULL,
		last_rms_current REAL NOT NULL,
		puck_led_rate INTEGER NOT NULL,
		puck_led_time INTEGER NOT NULL,
		last_rssi_at_gateway INTEGER NOT NULL,
		rec_status TEXT NOT NULL,
		PRIMARY KEY (node_uuid, when_received)) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_node_snapshot_uuid ON node_snapshot (node_uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_node_snapshot_when_received ON node_snapshot (when_received)`,
	`CREATE INDEX IF NOT EXISTS idx_node_snapshot_network_id ON node_snapshot (network_id)`,
	`CREATE INDEX IF NOT EXISTS idx_node_snapshot_rec_status ON node_snapshot (rec_status)`,

	`CREATE TABLE IF NOT EXISTS node_event (
		event_id INTEGER PRIMARY KEY,
		node_uuid TEXT NOT NULL,
		timestamp INT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS idx_node_event_node_uuid ON node_event (node_uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_node_event_timestamp ON node_event (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_node_event_event_type ON node_event (event_type)`,

	`CREATE TABLE IF NOT EXISTS sys_param (
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (name)) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_sys_param_name ON sys_param (name)`,

	`CREATE TABLE IF NOT EXISTS user (
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		permissions TEXT NOT NULL,
		PRIMARY KEY (username)) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_user_username ON user (username)`,
}

// Open connects to the sqlite database at path, creating the schema if
// needed and vacuuming on the way in.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open meter db: %w", err)
	}
	// modernc sqlite allows a single writer; serialise access through one
	// connection rather than fielding SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	var version string
	if err := db.Get(&version, "SELECT sqlite_version()"); err != nil {
		db.Close()
		return nil, fmt.Errorf("query sqlite version: %w", err)
	}
	log.Infof("Connected to sqlite DB.  Version is: %s", version)

	s := &Store{db: db}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := db.Exec("VACUUM"); err != nil {
		db.Close()
		return nil, fmt.Errorf("vacuum: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
