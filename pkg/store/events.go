// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package store

import (
	"fmt"
	"strings"

	"github.com/leehonan/meterman-server/pkg/util/log"
)

// NodeEvent is one row of the node_event table.
type NodeEvent struct {
	EventID   int64         `db:"event_id" json:"event_id"`
	NodeUUID  string        `db:"node_uuid" json:"node_uuid"`
	Timestamp int64         `db:"timestamp" json:"timestamp"`
	EventType NodeEventType `db:"event_type" json:"event_type"`
	Details   string        `db:"details" json:"details"`
}

// NodeEventFilter narrows node event queries.
type NodeEventFilter struct {
	NodeUUID  string
	TimeFrom  int64
	TimeTo    int64
	EventType NodeEventType
	Limit     int
}

// WriteNodeEvent inserts a node event.
func (s *Store) WriteNodeEvent(nodeUUID string, timestamp int64, eventType NodeEventType, details string) error {
	_, err := s.db.Exec(
		"INSERT INTO node_event (node_uuid, timestamp, event_type, details) VALUES (?, ?, ?, ?)",
		nodeUUID, timestamp, eventType, details)
	if err != nil {
		return fmt.Errorf("insert node_event: %w", err)
	}
	log.Debugf("Inserted node_event record with node=%s, event type=%s", nodeUUID, eventType)
	return nil
}

// NodeEvents returns events matching the filter, newest first when a
// limit is set.
func (s *Store) NodeEvents(f NodeEventFilter) ([]NodeEvent, error) {
	var conds []string
	var args []interface{}

	if f.NodeUUID != "" {
		conds = append(conds, "node_uuid = ?")
		args = append(args, f.NodeUUID)
	}
	if f.TimeFrom != 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.TimeFrom)
	}
	if f.TimeTo != 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.TimeTo)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}

	query := "SELECT * FROM node_event"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", f.Limit)
	}

	var events []NodeEvent
	if err := s.db.Select(&events, query, args...); err != nil {
		return nil, fmt.Errorf("query node_event: %w", err)
	}
	return events, nil
}
