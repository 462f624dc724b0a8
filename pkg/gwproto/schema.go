// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package gwproto implements the line-oriented serial protocol spoken
// between the server and metering gateways. Frames are ASCII lines: a
// direction prefix, records separated by ';', fields separated by ','.
// The first record carries the bare message type tag, the second the
// header, and any further records repeating detail groups.
package gwproto

// Wire constants.
const (
	RxPrefix  = "G>S:" // gateway to server
	TxPrefix  = "S>G:" // server to gateway
	FieldSep  = ","
	RecordSep = ";"
)

// BroadcastNodeID addresses every node behind a gateway.
const BroadcastNodeID = 254

// Message type tags.
const (
	TypeGetTime         = "GTIME"
	TypeSetTime         = "STIME"
	TypeSetTimeAck      = "STIME_ACK"
	TypeSetTimeNack     = "STIME_NACK"
	TypeGetGatewaySnap  = "GGWSNAP"
	TypeGatewaySnap     = "GWSNAP"
	TypeSetGITR         = "SGITR"
	TypeSetGITRAck      = "SGITR_ACK"
	TypeSetGITRNack     = "SGITR_NACK"
	TypeGetNodeSnap     = "GNOSNAP"
	TypeNodeSnap        = "NOSNAP"
	TypeGetNodeSnapNack = "GNOSNAP_NACK"
	TypeMeterUpdate     = "MUP_"
	TypeMeterUpdateIRMS = "MUPC"
	TypeMeterRebase     = "MREB"
	TypeSetMeterValue   = "SMVAL"
	TypeSetMeterValAck  = "SMVAL_ACK"
	TypeSetMeterValNack = "SMVAL_NACK"
	TypeSetMeterInt     = "SMINT"
	TypeSetMeterIntAck  = "SMINT_ACK"
	TypeSetMeterIntNack = "SMINT_NACK"
	TypeSetPuckLED      = "SPLED"
	TypeSetPuckLEDAck   = "SPLED_ACK"
	TypeSetPuckLEDNack  = "SPLED_NACK"
	TypeNodeDark        = "NDARK"
	TypeGPMsg           = "GMSG"
)

// Attribute names referenced outside the layout tables.
const (
	attrMsgType    = "smsg_type"
	attrRemoteType = "rmsg_type"
)

// Role positions an attribute within a frame. Skip roles are decoded for
// alignment but not stored.
type Role int

const (
	RoleHeader Role = iota
	RoleHeaderSkip
	RoleDetail
	RoleDetailSkip
)

// Direction indicates which side originates a message type.
type Direction int

const (
	GatewayToServer Direction = iota
	ServerToGateway
)

// Attrib is one field slot in a message layout.
type Attrib struct {
	Name string
	Role Role
}

// Definition describes one message type: its tag, origin and flat field
// layout. The layout covers the type tag, the header fields and one
// detail group; detail fields repeat for every detail record on the wire.
type Definition struct {
	Type      string
	Remote    string // tag echoed by the node inside the header, if any
	Direction Direction
	Layout    []Attrib

	headerNames []string
	detailNames []string
	detailStart int
}

var defnGetTime = &Definition{
	// GTIME
	Type:      TypeGetTime,
	Direction: GatewayToServer,
	Layout:    []Attrib{{attrMsgType, RoleHeader}},
}

var defnSetTime = &Definition{
	// STIME;<new_epoch_time_utc>
	Type:      TypeSetTime,
	Direction: ServerToGateway,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"new_epoch_time_utc", RoleHeader},
	},
}

var defnSetTimeAck = &Definition{
	Type:      TypeSetTimeAck,
	Direction: GatewayToServer,
	Layout:    []Attrib{{attrMsgType, RoleHeaderSkip}},
}

var defnSetTimeNack = &Definition{
	Type:      TypeSetTimeNack,
	Direction: GatewayToServer,
	Layout:    []Attrib{{attrMsgType, RoleHeaderSkip}},
}

var defnGetGatewaySnap = &Definition{
	// GGWSNAP
	Type:      TypeGetGatewaySnap,
	Direction: ServerToGateway,
	Layout:    []Attrib{{attrMsgType, RoleHeaderSkip}},
}

var defnGatewaySnap = &Definition{
	// GWSNAP;<gateway_id>,<when_booted>,<free_ram>,<time>,<log_level>,<encrypt_key>,<network_id>,<tx_power>
	Type:      TypeGatewaySnap,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"gateway_id", RoleHeader},
		{"when_booted", RoleHeader},
		{"free_ram", RoleHeader},
		{"gateway_time", RoleHeader},
		{"log_level", RoleHeader},
		{"encrypt_key", RoleHeader},
		{"network_id", RoleHeader},
		{"tx_power", RoleHeader},
	},
}

var defnSetGITR = &Definition{
	// SGITR;<node_id>,<tmp_poll_rate>,<tmp_poll_period>
	Type:      TypeSetGITR,
	Direction: ServerToGateway,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{"tmp_poll_rate", RoleHeader},
		{"tmp_poll_period", RoleHeader},
	},
}

var defnSetGITRAck = &Definition{
	Type:      TypeSetGITRAck,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnSetGITRNack = &Definition{
	Type:      TypeSetGITRNack,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnGetNodeSnap = &Definition{
	// GNOSNAP;<node_id>      node 254 asks for every node
	Type:      TypeGetNodeSnap,
	Direction: ServerToGateway,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnNodeSnap = &Definition{
	// NOSNAP;[1..n of <node_id>,<batt_voltage>,...,<last_rssi_at_gateway>]
	Type:      TypeNodeSnap,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleDetail},
		{"batt_voltage", RoleDetail},
		{"up_time", RoleDetail},
		{"sleep_time", RoleDetail},
		{"free_ram", RoleDetail},
		{"when_last_seen", RoleDetail},
		{"last_clock_drift", RoleDetail},
		{"meter_interval", RoleDetail},
		{"meter_impulses_per_kwh", RoleDetail},
		{"last_meter_entry_finish", RoleDetail},
		{"last_meter_value", RoleDetail},
		{"last_rms_current", RoleDetail},
		{"puck_led_rate", RoleDetail},
		{"puck_led_time", RoleDetail},
		{"last_rssi_at_gateway", RoleDetail},
	},
}

var defnGetNodeSnapNack = &Definition{
	Type:      TypeGetNodeSnapNack,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnMeterUpdateIRMS = &Definition{
	// MUPC;<node_id>,MUPC,<last_entry_finish_time>,<last_entry_meter_value>;
	// [1..n of <entry_interval_length>,<entry_value>,<spot_rms_current>]
	Type:      TypeMeterUpdateIRMS,
	Remote:    TypeMeterUpdateIRMS,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{attrRemoteType, RoleHeaderSkip},
		{"last_entry_finish_time", RoleHeader},
		{"last_entry_meter_value", RoleHeader},
		{"entry_interval_length", RoleDetail},
		{"entry_value", RoleDetail},
		{"spot_rms_current", RoleDetail},
	},
}

var defnMeterUpdate = &Definition{
	// MUP_;<node_id>,MUP_,<last_entry_finish_time>,<last_entry_meter_value>;
	// [1..n of <entry_interval_length>,<entry_value>]
	Type:      TypeMeterUpdate,
	Remote:    TypeMeterUpdate,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{attrRemoteType, RoleHeaderSkip},
		{"last_entry_finish_time", RoleHeader},
		{"last_entry_meter_value", RoleHeader},
		{"entry_interval_length", RoleDetail},
		{"entry_value", RoleDetail},
	},
}

var defnMeterRebase = &Definition{
	// MREB;<node_id>,MREB,<entry_timestamp>,<meter_value>
	Type:      TypeMeterRebase,
	Remote:    TypeMeterRebase,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{attrRemoteType, RoleHeaderSkip},
		{"entry_timestamp", RoleHeader},
		{"meter_value", RoleHeader},
	},
}

var defnSetMeterValue = &Definition{
	// SMVAL;<node_id>,<new_meter_value>
	Type:      TypeSetMeterValue,
	Direction: ServerToGateway,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{"new_meter_value", RoleHeader},
	},
}

var defnSetMeterValAck = &Definition{
	Type:      TypeSetMeterValAck,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnSetMeterValNack = &Definition{
	Type:      TypeSetMeterValNack,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnSetMeterInt = &Definition{
	// SMINT;<node_id>,<new_meter_interval>
	Type:      TypeSetMeterInt,
	Direction: ServerToGateway,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{"new_meter_interval", RoleHeader},
	},
}

var defnSetMeterIntAck = &Definition{
	Type:      TypeSetMeterIntAck,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnSetMeterIntNack = &Definition{
	Type:      TypeSetMeterIntNack,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnSetPuckLED = &Definition{
	// SPLED;<node_id>,<new_puck_led_rate>,<new_puck_led_time>
	Type:      TypeSetPuckLED,
	Direction: ServerToGateway,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{"new_puck_led_rate", RoleHeader},
		{"new_puck_led_time", RoleHeader},
	},
}

var defnSetPuckLEDAck = &Definition{
	Type:      TypeSetPuckLEDAck,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnSetPuckLEDNack = &Definition{
	Type:      TypeSetPuckLEDNack,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
	},
}

var defnNodeDark = &Definition{
	// NDARK;<node_id>,<last_seen>
	Type:      TypeNodeDark,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{"last_seen", RoleHeader},
	},
}

var defnGPMsg = &Definition{
	// GMSG;<node_id>,GMSG,<message>
	Type:      TypeGPMsg,
	Remote:    TypeGPMsg,
	Direction: GatewayToServer,
	Layout: []Attrib{
		{attrMsgType, RoleHeaderSkip},
		{"node_id", RoleHeader},
		{attrRemoteType, RoleHeaderSkip},
		{"message", RoleHeader},
	},
}

var definitions = map[string]*Definition{}

func register(d *Definition) {
	d.detailStart = -1
	for i, a := range d.Layout {
		switch a.Role {
		case RoleHeader:
			d.headerNames = append(d.headerNames, a.Name)
		case RoleDetail:
			d.detailNames = append(d.detailNames, a.Name)
			if d.detailStart < 0 {
				d.detailStart = i
			}
		}
	}
	definitions[d.Type] = d
}

func init() {
	for _, d := range []*Definition{
		defnGetTime, defnSetTime, defnSetTimeAck, defnSetTimeNack,
		defnGetGatewaySnap, defnGatewaySnap,
		defnSetGITR, defnSetGITRAck, defnSetGITRNack,
		defnGetNodeSnap, defnNodeSnap, defnGetNodeSnapNack,
		defnMeterUpdate, defnMeterUpdateIRMS, defnMeterRebase,
		defnSetMeterValue, defnSetMeterValAck, defnSetMeterValNack,
		defnSetMeterInt, defnSetMeterIntAck, defnSetMeterIntNack,
		defnSetPuckLED, defnSetPuckLEDAck, defnSetPuckLEDNack,
		defnNodeDark, defnGPMsg,
	} {
		register(d)
	}
}
