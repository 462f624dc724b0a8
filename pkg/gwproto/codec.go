// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package gwproto

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame reports a received line that does not decode to a
// known, well-formed message.
var ErrMalformedFrame = errors.New("malformed frame")

// GatewayIdentity names the gateway a frame was received from.
type GatewayIdentity struct {
	UUID      string
	GatewayID int
	NetworkID string
}

// Record is one decoded frame record: its position within the frame and
// its stored attribute values keyed by name.
type Record struct {
	Pos    int
	Values map[string]string
}

// Frame is a decoded gateway message together with receive context.
type Frame struct {
	Type         string
	WhenReceived int64
	GatewayUUID  string
	GatewayID    int
	NetworkID    string
	Header       *Record
	Details      []Record
}

// HeaderCount reports the number of header records decoded.
func (f *Frame) HeaderCount() int {
	if f.Header == nil {
		return 0
	}
	return 1
}

// DetailCount reports the number of detail records decoded.
func (f *Frame) DetailCount() int {
	return len(f.Details)
}

func (f *Frame) String() string {
	if f.Header == nil {
		return fmt.Sprintf("%s details=%d", f.Type, len(f.Details))
	}
	return fmt.Sprintf("%s header=%v details=%d", f.Type, f.Header.Values, len(f.Details))
}

// recKind tracks which record type the decoder is positioned in.
type recKind int

const (
	kindUnknown recKind = iota
	kindHeader
	kindDetail
)

// Decode parses a received line into a Frame. The line may carry the rx
// prefix and a trailing record separator; both are tolerated. Attribute
// positions are counted globally across the whole frame, wrapping into
// the repeating detail group once past the layout.
func Decode(line string, gw GatewayIdentity, whenReceived int64) (*Frame, error) {
	msg := strings.ReplaceAll(line, RxPrefix, "")

	var records []string
	for _, rec := range strings.Split(msg, RecordSep) {
		if rec != "" {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty message: %w", ErrMalformedFrame)
	}

	frame := &Frame{
		WhenReceived: whenReceived,
		GatewayUUID:  gw.UUID,
		GatewayID:    gw.GatewayID,
		NetworkID:    gw.NetworkID,
	}

	var defn *Definition
	pos := 0
	cur := kindUnknown

	for recPos, rec := range records {
		values := map[string]string{}

		for _, raw := range strings.Split(rec, FieldSep) {
			if pos == 0 {
				d, ok := definitions[raw]
				if !ok {
					return nil, fmt.Errorf("unknown message type %q: %w", raw, ErrMalformedFrame)
				}
				defn = d
				frame.Type = raw
			} else {
				idx, err := defn.layoutIndex(pos)
				if err != nil {
					return nil, err
				}
				attr := defn.Layout[idx]
				if attr.Role != RoleHeaderSkip && attr.Role != RoleDetailSkip {
					values[attr.Name] = raw
				}
				switch attr.Role {
				case RoleHeader, RoleHeaderSkip:
					cur = kindHeader
				case RoleDetail, RoleDetailSkip:
					cur = kindDetail
				}
			}
			pos++
		}

		if pos > 1 {
			switch cur {
			case kindHeader:
				if err := checkRecord(values, defn.headerNames); err != nil {
					return nil, fmt.Errorf("%s header record %d: %w", frame.Type, recPos, err)
				}
				frame.Header = &Record{Pos: recPos, Values: values}
			case kindDetail:
				if err := checkRecord(values, defn.detailNames); err != nil {
					return nil, fmt.Errorf("%s detail record %d: %w", frame.Type, recPos, err)
				}
				frame.Details = append(frame.Details, Record{Pos: recPos, Values: values})
			}
		}
	}

	return frame, nil
}

// layoutIndex maps a global attribute position to a layout index,
// wrapping into the detail group for positions past the layout end.
func (d *Definition) layoutIndex(pos int) (int, error) {
	if pos < len(d.Layout) {
		return pos, nil
	}
	if d.detailStart < 0 {
		return 0, fmt.Errorf("%s has no detail group for position %d: %w", d.Type, pos, ErrMalformedFrame)
	}
	detailLen := len(d.Layout) - d.detailStart
	return d.detailStart + ((pos - d.detailStart) % detailLen), nil
}

// checkRecord verifies a decoded record carries exactly the expected
// attribute set.
func checkRecord(values map[string]string, want []string) error {
	if len(values) != len(want) {
		return fmt.Errorf("got %d fields, want %d: %w", len(values), len(want), ErrMalformedFrame)
	}
	for _, name := range want {
		if _, ok := values[name]; !ok {
			return fmt.Errorf("missing field %s: %w", name, ErrMalformedFrame)
		}
	}
	return nil
}

// encode renders a message from its definition, a header value map and
// detail value maps. The type tag leads; a header record follows when
// header is non-nil; each detail map becomes one record.
func encode(defn *Definition, header map[string]string, details []map[string]string) string {
	var b strings.Builder
	b.WriteString(defn.Type)

	if header != nil {
		b.WriteString(RecordSep)
		for i, attr := range defn.Layout {
			if attr.Role != RoleHeader && attr.Role != RoleHeaderSkip {
				continue
			}
			if i > 1 {
				b.WriteString(FieldSep)
			}
			switch attr.Name {
			case attrRemoteType:
				b.WriteString(defn.Remote)
			case attrMsgType:
				// tag already leads the message
			default:
				b.WriteString(header[attr.Name])
			}
		}
	}

	for _, det := range details {
		b.WriteString(RecordSep)
		first := true
		for _, attr := range defn.Layout {
			if attr.Role != RoleDetail && attr.Role != RoleDetailSkip {
				continue
			}
			if !first {
				b.WriteString(FieldSep)
			}
			first = false
			b.WriteString(det[attr.Name])
		}
	}

	return b.String()
}
