// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/leehonan/meterman-server/pkg/util/log"
)

// MeterEntry is one row of the meter_entry table. WhenStartRaw carries the
// entry start time as received; WhenStart may be adjusted for drift. The
// nonce disambiguates entries sharing a raw start time.
type MeterEntry struct {
	NodeUUID          string    `db:"node_uuid" json:"node_uuid"`
	WhenStartRaw      int64     `db:"when_start_raw" json:"when_start_raw"`
	WhenStartRawNonce string    `db:"when_start_raw_nonce" json:"when_start_raw_nonce"`
	WhenStart         int64     `db:"when_start" json:"when_start"`
	Duration          int64     `db:"duration" json:"duration"`
	EntryType         EntryType `db:"entry_type" json:"entry_type"`
	EntryValue        int64     `db:"entry_value" json:"entry_value"`
	MeterValue        int64     `db:"meter_value" json:"meter_value"`
	RecStatus         RecStatus `db:"rec_status" json:"rec_status"`
}

// MeterEntryFilter narrows meter entry queries. Zero values leave a
// dimension unfiltered; Limit 0 returns every match unordered.
type MeterEntryFilter struct {
	NodeUUID  string
	EntryType EntryType
	RecStatus RecStatus
	TimeFrom  int64
	TimeTo    int64
	Limit     int
}

// WriteMeterEntry inserts a meter entry, returning ErrConflict when the
// primary key already exists.
func (s *Store) WriteMeterEntry(e *MeterEntry) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO meter_entry
			(node_uuid, when_start_raw, when_start_raw_nonce, when_start, entry_type, entry_value, duration, meter_value, rec_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.NodeUUID, e.WhenStartRaw, e.WhenStartRawNonce, e.WhenStart, e.EntryType, e.EntryValue, e.Duration, e.MeterValue, e.RecStatus)
	if err != nil {
		return fmt.Errorf("insert meter_entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert meter_entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("meter_entry [%s,%d,%s]: %w", e.NodeUUID, e.WhenStartRaw, e.WhenStartRawNonce, ErrConflict)
	}
	log.Debugf("Inserted meter_entry record for PRIMARY KEY [%s,%d,%s]", e.NodeUUID, e.WhenStartRaw, e.WhenStartRawNonce)
	return nil
}

// MeterEntries returns entries matching the filter, newest first when a
// limit is set.
func (s *Store) MeterEntries(f MeterEntryFilter) ([]MeterEntry, error) {
	var conds []string
	var args []interface{}

	if f.NodeUUID != "" {
		conds = append(conds, "node_uuid = ?")
		args = append(args, f.NodeUUID)
	}
	if f.EntryType != "" {
		conds = append(conds, "entry_type = ?")
		args = append(args, f.EntryType)
	}
	if f.RecStatus != "" {
		conds = append(conds, "rec_status = ?")
		args = append(args, f.RecStatus)
	}
	if f.TimeFrom != 0 {
		conds = append(conds, "when_start >= ?")
		args = append(args, f.TimeFrom)
	}
	if f.TimeTo != 0 {
		conds = append(conds, "when_start <= ?")
		args = append(args, f.TimeTo)
	}

	query := "SELECT * FROM meter_entry"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" ORDER BY when_start DESC LIMIT %d", f.Limit)
	}

	var entries []MeterEntry
	if err := s.db.Select(&entries, query, args...); err != nil {
		return nil, fmt.Errorf("query meter_entry: %w", err)
	}
	return entries, nil
}

// MeterEntryCount counts entries for the given dimensions; zero values
// leave a dimension unfiltered.
func (s *Store) MeterEntryCount(nodeUUID string, entryType EntryType, recStatus RecStatus) (int, error) {
	var conds []string
	var args []interface{}

	if nodeUUID != "" {
		conds = append(conds, "node_uuid = ?")
		args = append(args, nodeUUID)
	}
	if entryType != "" {
		conds = append(conds, "entry_type = ?")
		args = append(args, entryType)
	}
	if recStatus != "" {
		conds = append(conds, "rec_status = ?")
		args = append(args, recStatus)
	}

	query := "SELECT COUNT(*) FROM meter_entry"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var count int
	if err := s.db.Get(&count, query, args...); err != nil {
		return 0, fmt.Errorf("count meter_entry: %w", err)
	}
	return count, nil
}

// entryBound returns the earliest or latest NORM entry of the observed or
// rebase kind within the optional time window, or nil when none exists.
func (s *Store) entryBound(nodeUUID string, rebase, first bool, timeFrom, timeTo int64) (*MeterEntry, error) {
	types := []EntryType{EntryMeterUpdate, EntryMeterUpdateSynth}
	if rebase {
		types = []EntryType{EntryMeterRebase, EntryMeterRebaseSynth}
	}

	query := `SELECT * FROM meter_entry WHERE node_uuid = ? AND entry_type IN (?) AND rec_status = ?`
	args := []interface{}{nodeUUID, types, RecStatusNormal}
	if timeFrom != 0 {
		query += " AND when_start >= ?"
		args = append(args, timeFrom)
	}
	if timeTo != 0 {
		query += " AND when_start <= ?"
		args = append(args, timeTo)
	}
	if first {
		query += " ORDER BY when_start ASC LIMIT 1"
	} else {
		query += " ORDER BY when_start DESC LIMIT 1"
	}

	query, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query meter_entry bound: %w", err)
	}

	var entry MeterEntry
	err = s.db.Get(&entry, query, inArgs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query meter_entry bound: %w", err)
	}
	return &entry, nil
}

// FirstMUP returns the earliest observed or synthetic meter update.
func (s *Store) FirstMUP(nodeUUID string, timeFrom, timeTo int64) (*MeterEntry, error) {
	return s.entryBound(nodeUUID, false, true, timeFrom, timeTo)
}

// LastMUP returns the latest observed or synthetic meter update.
func (s *Store) LastMUP(nodeUUID string, timeFrom, timeTo int64) (*MeterEntry, error) {
	return s.entryBound(nodeUUID, false, false, timeFrom, timeTo)
}

// FirstRebase returns the earliest observed or synthetic rebase.
func (s *Store) FirstRebase(nodeUUID string, timeFrom, timeTo int64) (*MeterEntry, error) {
	return s.entryBound(nodeUUID, true, true, timeFrom, timeTo)
}

// LastRebase returns the latest observed or synthetic rebase.
func (s *Store) LastRebase(nodeUUID string, timeFrom, timeTo int64) (*MeterEntry, error) {
	return s.entryBound(nodeUUID, true, false, timeFrom, timeTo)
}

// MarkMeterEntriesInRange sets rec_status on a node's entries of the given
// types whose when_start falls within the inclusive time window, returning
// the number of rows touched.
func (s *Store) MarkMeterEntriesInRange(nodeUUID string, timeFrom, timeTo int64, types []EntryType, status RecStatus) (int64, error) {
	query, args, err := sqlx.In(
		"UPDATE meter_entry SET rec_status = ? WHERE node_uuid = ? AND when_start >= ? AND when_start <= ? AND entry_type IN (?)",
		status, nodeUUID, timeFrom, timeTo, types)
	if err != nil {
		return 0, fmt.Errorf("mark meter_entry range: %w", err)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark meter_entry range: %w", err)
	}
	return res.RowsAffected()
}

// MeterEntriesAfter returns a node's NORM entries with when_start strictly
// greater than the given time, oldest first.
func (s *Store) MeterEntriesAfter(nodeUUID string, whenStart int64) ([]MeterEntry, error) {
	var entries []MeterEntry
	err := s.db.Select(&entries,
		"SELECT * FROM meter_entry WHERE node_uuid = ? AND when_start > ? AND rec_status = ? ORDER BY when_start ASC",
		nodeUUID, whenStart, RecStatusNormal)
	if err != nil {
		return nil, fmt.Errorf("query meter_entry after: %w", err)
	}
	return entries, nil
}

// SetMeterEntryValue rewrites one entry's cumulative meter value by
// primary key.
func (s *Store) SetMeterEntryValue(nodeUUID string, whenStartRaw int64, nonce string, meterValue int64) error {
	_, err := s.db.Exec(
		"UPDATE meter_entry SET meter_value = ? WHERE node_uuid = ? AND when_start_raw = ? AND when_start_raw_nonce = ?",
		meterValue, nodeUUID, whenStartRaw, nonce)
	if err != nil {
		return fmt.Errorf("update meter_entry value: %w", err)
	}
	return nil
}

// DeleteMeterEntry removes one entry by primary key.
func (s *Store) DeleteMeterEntry(nodeUUID string, whenStartRaw int64, nonce string) error {
	_, err := s.db.Exec(
		"DELETE FROM meter_entry WHERE node_uuid = ? AND when_start_raw = ? AND when_start_raw_nonce = ?",
		nodeUUID, whenStartRaw, nonce)
	if err != nil {
		return fmt.Errorf("delete meter_entry: %w", err)
	}
	return nil
}

// DeleteNodeMeterEntries removes every entry for a node.
func (s *Store) DeleteNodeMeterEntries(nodeUUID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM meter_entry WHERE node_uuid = ?", nodeUUID)
	if err != nil {
		return 0, fmt.Errorf("delete meter_entry: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMeterEntriesInRange removes a node's entries of the given types
// whose when_start falls within the inclusive time window.
func (s *Store) DeleteMeterEntriesInRange(nodeUUID string, timeFrom, timeTo int64, types []EntryType) (int64, error) {
	query, args, err := sqlx.In(
		"DELETE FROM meter_entry WHERE node_uuid = ? AND when_start >= ? AND when_start <= ? AND entry_type IN (?)",
		nodeUUID, timeFrom, timeTo, types)
	if err != nil {
		return 0, fmt.Errorf("delete meter_entry range: %w", err)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete meter_entry range: %w", err)
	}
	return res.RowsAffected()
}
