// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package gwlink

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/leehonan/meterman-server/pkg/gwproto"
	"github.com/leehonan/meterman-server/pkg/metrics"
	"github.com/leehonan/meterman-server/pkg/util/log"
)

const (
	tickInterval  = 500 * time.Millisecond
	purgeInterval = 15 * time.Second
	purgeHorizon  = 600 * time.Second

	// rxBufferCap bounds the receive buffer when nothing drains it; the
	// oldest frame is dropped first.
	rxBufferCap = 4096
)

// Status tracks link liveness.
type Status int

const (
	StatusInit Status = iota
	StatusUp
	StatusDark
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "UP"
	case StatusDark:
		return "DARK"
	default:
		return "INIT"
	}
}

// BufferKey orders buffered frames by arrival: epoch seconds first, then a
// per-worker sequence that never resets.
type BufferKey struct {
	Epoch int64
	Seq   uint64
}

// Less reports whether k arrived before o.
func (k BufferKey) Less(o BufferKey) bool {
	if k.Epoch != o.Epoch {
		return k.Epoch < o.Epoch
	}
	return k.Seq < o.Seq
}

func (k BufferKey) String() string {
	return strconv.FormatInt(k.Epoch, 10) + "/" + strconv.FormatUint(k.Seq, 10)
}

// BufferedFrame is one decoded inbound frame awaiting the device manager.
type BufferedFrame struct {
	Key   BufferKey
	Frame *gwproto.Frame
}

// GatewayInfo is the cached view of a gateway, refreshed from its GWSNAP
// reports. The radio encryption key a snapshot carries is dropped at the
// link; it never leaves this package.
type GatewayInfo struct {
	UUID          string `json:"uuid"`
	Label         string `json:"label"`
	State         string `json:"state"`
	LastSeen      int64  `json:"last_seen"`
	WhenBooted    int64  `json:"when_booted"`
	FreeRAM       int64  `json:"free_ram"`
	LastTimeDrift int64  `json:"last_time_drift"`
	LogLevel      string `json:"log_level"`
	NetworkID     string `json:"network_id"`
	GatewayID     int    `json:"gateway_id"`
	TXPower       int    `json:"tx_power"`
}

type txMessage struct {
	msgType string
	wire    string
}

// Worker owns one gateway link. It reads at most one frame and writes at
// most one frame per tick, buffers inbound traffic for the device manager,
// and answers gateway housekeeping (GTIME) itself.
type Worker struct {
	conn  Conn
	clock clock.Clock

	mu            sync.Mutex
	label         string
	networkID     string
	gatewayID     int
	uuid          string
	state         Status
	lastSeen      int64
	whenBooted    int64
	freeRAM       int64
	lastTimeDrift int64
	logLevel      string
	txPower       int

	txMu    sync.Mutex
	txQueue []txMessage

	bufMu  sync.Mutex
	buffer []BufferedFrame
	seq    uint64
	rxCap  int

	lastPurge time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWorker wires a worker to an open link. Call Start to run its loop.
func NewWorker(label, networkID string, gatewayID int, conn Conn, clk clock.Clock) *Worker {
	return &Worker{
		conn:      conn,
		clock:     clk,
		label:     label,
		networkID: networkID,
		gatewayID: gatewayID,
		uuid:      fmt.Sprintf("%s.%d", networkID, gatewayID),
		state:     StatusInit,
		rxCap:     rxBufferCap,
		lastPurge: clk.Now(),
		stop:      make(chan struct{}, 1),
		done:      make(chan struct{}, 1),
	}
}

// Start runs the worker loop until Stop.
func (w *Worker) Start() {
	log.Infof("Starting link worker for gateway %s", w.UUID())
	go w.run()
}

// Stop signals the loop, closes the link and waits for the loop to exit.
func (w *Worker) Stop() {
	w.stop <- struct{}{}
	<-w.done
}

func (w *Worker) run() {
	defer func() { w.done <- struct{}{} }()
	ticker := w.clock.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			w.conn.Close()
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick performs one loop pass: at most one inbound line, at most one
// outbound frame, and an age purge of the receive buffer on its own cadence.
func (w *Worker) tick() {
	line, ok, err := w.conn.ReadLine()
	switch {
	case err != nil:
		log.Debugf("Serial read error on gateway %s: %v", w.UUID(), err)
	case ok:
		w.handleLine(line)
	}

	w.writeOne()

	if now := w.clock.Now(); now.Sub(w.lastPurge) >= purgeInterval {
		w.lastPurge = now
		w.purgeBuffer(now.Add(-purgeHorizon).Unix())
	}
}

func (w *Worker) handleLine(line string) {
	if !strings.HasPrefix(line, gwproto.RxPrefix) {
		// gateway debug chatter, not a frame
		return
	}
	log.Debugf("Got serial data: %s", line)

	now := w.clock.Now().Unix()
	w.mu.Lock()
	w.lastSeen = now
	ident := gwproto.GatewayIdentity{UUID: w.uuid, GatewayID: w.gatewayID, NetworkID: w.networkID}
	w.mu.Unlock()

	frame, err := gwproto.Decode(line, ident, now)
	if err != nil {
		metrics.FramesMalformed.Inc()
		log.Debugf("Dropping malformed frame from gateway %s: %v", ident.UUID, err)
		return
	}
	metrics.FramesRx.WithLabelValues(frame.Type).Inc()

	w.mu.Lock()
	if w.state == StatusInit {
		w.state = StatusUp
	}
	w.mu.Unlock()

	w.dispatch(frame, now)
}

// dispatch routes a frame: housekeeping and acknowledgements are consumed
// here, everything carrying node or gateway data is buffered for the device
// manager.
func (w *Worker) dispatch(f *gwproto.Frame, now int64) {
	networkID, gatewayID := w.identity()
	switch f.Type {
	case gwproto.TypeGetTime:
		log.Debugf("Got time request from gateway %s.%d", networkID, gatewayID)
		w.SendSetTime()
	case gwproto.TypeSetTimeAck:
		log.Debugf("Set time for gateway %s.%d", networkID, gatewayID)
	case gwproto.TypeSetTimeNack:
		log.Warnf("Failed to set time for gateway %s.%d", networkID, gatewayID)
	case gwproto.TypeGatewaySnap:
		w.procGatewaySnap(f, now)
	case gwproto.TypeNodeSnap:
		log.Debugf("Got node snapshot(s): %s", f)
		w.bufferFrame(f, now)
	case gwproto.TypeGetNodeSnapNack:
		log.Warnf("Failed to get node snapshot for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeMeterUpdate:
		log.Debugf("Got meter update (network=%s): %s", networkID, f)
		w.bufferFrame(f, now)
	case gwproto.TypeMeterUpdateIRMS:
		log.Debugf("Got meter update with IRMS (network=%s): %s", networkID, f)
		w.bufferFrame(f, now)
	case gwproto.TypeMeterRebase:
		log.Debugf("Got meter rebase (network=%s): %s", networkID, f)
		w.bufferFrame(f, now)
	case gwproto.TypeSetGITRAck:
		log.Debugf("Set meter GINR rate for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeSetGITRNack:
		log.Warnf("Failed to set meter GINR rate for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeSetMeterValAck:
		log.Debugf("Set meter value for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeSetMeterValNack:
		log.Warnf("Failed to set meter value for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeSetMeterIntAck:
		log.Debugf("Set meter interval for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeSetMeterIntNack:
		log.Warnf("Failed to set meter interval for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeSetPuckLEDAck:
		log.Debugf("Set puck LED for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeSetPuckLEDNack:
		log.Warnf("Failed to set puck LED for node %s.%s", networkID, headerField(f, "node_id"))
	case gwproto.TypeNodeDark:
		log.Debugf("Got node dark notification for node %s.%s", networkID, headerField(f, "node_id"))
		w.bufferFrame(f, now)
	case gwproto.TypeGPMsg:
		log.Debugf("Got general-purpose message from gateway: %s", f)
		w.bufferFrame(f, now)
	default:
		log.Debugf("Dropping unhandled %s frame from gateway %s", f.Type, f.GatewayUUID)
	}
}

// procGatewaySnap refreshes the cached gateway view and buffers the frame
// for persistence by the layers above.
func (w *Worker) procGatewaySnap(f *gwproto.Frame, now int64) {
	log.Debugf("Got gateway snapshot: %s", f)
	snap, err := f.GatewaySnap()
	if err != nil {
		log.Warnf("Discarding gateway snapshot from %s: %v", f.GatewayUUID, err)
		return
	}
	w.mu.Lock()
	w.networkID = snap.NetworkID
	w.gatewayID = snap.GatewayID
	w.uuid = fmt.Sprintf("%s.%d", snap.NetworkID, snap.GatewayID)
	w.whenBooted = snap.WhenBooted
	w.freeRAM = snap.FreeRAM
	w.lastTimeDrift = now - snap.GatewayTime
	w.logLevel = snap.LogLevel
	w.txPower = snap.TXPower
	w.mu.Unlock()
	w.bufferFrame(f, now)
}

func (w *Worker) bufferFrame(f *gwproto.Frame, now int64) {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	w.seq++
	if len(w.buffer) >= w.rxCap {
		w.buffer = append(w.buffer[:0], w.buffer[1:]...)
	}
	w.buffer = append(w.buffer, BufferedFrame{
		Key:   BufferKey{Epoch: now, Seq: w.seq},
		Frame: f,
	})
}

// BufferedSince returns, in arrival order, every buffered frame with a key
// strictly greater than last. The zero BufferKey reads from the start.
func (w *Worker) BufferedSince(last BufferKey) []BufferedFrame {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	i := sort.Search(len(w.buffer), func(i int) bool { return last.Less(w.buffer[i].Key) })
	if i == len(w.buffer) {
		return nil
	}
	out := make([]BufferedFrame, len(w.buffer)-i)
	copy(out, w.buffer[i:])
	return out
}

func (w *Worker) purgeBuffer(cutoffEpoch int64) {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	i := sort.Search(len(w.buffer), func(i int) bool { return w.buffer[i].Key.Epoch >= cutoffEpoch })
	if i == 0 {
		return
	}
	w.buffer = append([]BufferedFrame(nil), w.buffer[i:]...)
}

// SendSetTime pushes the server clock to the gateway.
func (w *Worker) SendSetTime() {
	w.send(gwproto.TypeSetTime, gwproto.SetTimeMsg(w.clock.Now().Unix()))
}

// RequestGatewaySnapshot asks the gateway for a dump of its state.
func (w *Worker) RequestGatewaySnapshot() {
	w.send(gwproto.TypeGetGatewaySnap, gwproto.GetGatewaySnapMsg())
}

// RequestNodeSnapshot asks for a dump of one node's state; the broadcast
// node id addresses all of them.
func (w *Worker) RequestNodeSnapshot(nodeID int) {
	w.send(gwproto.TypeGetNodeSnap, gwproto.GetNodeSnapMsg(nodeID))
}

// SetNodeGINRRate temporarily raises a node's instruction polling rate, e.g.
// so a pending control message is picked up with minimal delay.
func (w *Worker) SetNodeGINRRate(nodeID, tmpPollRate, tmpPollPeriod int) {
	w.send(gwproto.TypeSetGITR, gwproto.SetGITRMsg(nodeID, tmpPollRate, tmpPollPeriod))
}

// SetNodeMeterValue rebases a node's meter to the value given.
func (w *Worker) SetNodeMeterValue(nodeID int, newMeterValue int64) {
	w.send(gwproto.TypeSetMeterValue, gwproto.SetMeterValueMsg(nodeID, newMeterValue))
}

// SetNodeMeterInterval changes the period in seconds at which a node cuts
// meter entries.
func (w *Worker) SetNodeMeterInterval(nodeID, newMeterInterval int) {
	w.send(gwproto.TypeSetMeterInt, gwproto.SetMeterIntervalMsg(nodeID, newMeterInterval))
}

// SetNodePuckLED changes a node's puck LED blink rate and duration.
func (w *Worker) SetNodePuckLED(nodeID, newPuckLEDRate, newPuckLEDTime int) {
	w.send(gwproto.TypeSetPuckLED, gwproto.SetPuckLEDMsg(nodeID, newPuckLEDRate, newPuckLEDTime))
}

// SendGPMessage broadcasts a free-text message to a node.
func (w *Worker) SendGPMessage(nodeID int, message string) {
	w.send(gwproto.TypeGPMsg, gwproto.GeneralPurposeMsg(nodeID, message))
}

func (w *Worker) send(msgType, msg string) {
	w.txMu.Lock()
	w.txQueue = append(w.txQueue, txMessage{msgType: msgType, wire: gwproto.TxPrefix + msg + "\r\n"})
	w.txMu.Unlock()
}

// writeOne pops and transmits the head of the outbound queue. A failed
// write leaves the frame queued for the next tick.
func (w *Worker) writeOne() {
	w.txMu.Lock()
	if len(w.txQueue) == 0 {
		w.txMu.Unlock()
		return
	}
	head := w.txQueue[0]
	w.txMu.Unlock()

	if _, err := w.conn.Write([]byte(head.wire)); err != nil {
		log.Debugf("Serial write error on gateway %s: %v", w.UUID(), err)
		return
	}

	w.txMu.Lock()
	w.txQueue = w.txQueue[1:]
	w.txMu.Unlock()
	metrics.FramesTx.WithLabelValues(head.msgType).Inc()
	log.Debugf("Wrote serial data: %s", strings.TrimSuffix(head.wire, "\r\n"))
}

// UUID returns the gateway's current address, which a snapshot may rewrite.
func (w *Worker) UUID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uuid
}

// Label returns the operator-assigned name for the link.
func (w *Worker) Label() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.label
}

// Info returns the cached gateway view for reporting surfaces.
func (w *Worker) Info() GatewayInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return GatewayInfo{
		UUID:          w.uuid,
		Label:         w.label,
		State:         w.state.String(),
		LastSeen:      w.lastSeen,
		WhenBooted:    w.whenBooted,
		FreeRAM:       w.freeRAM,
		LastTimeDrift: w.lastTimeDrift,
		LogLevel:      w.logLevel,
		NetworkID:     w.networkID,
		GatewayID:     w.gatewayID,
		TXPower:       w.txPower,
	}
}

func (w *Worker) identity() (string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.networkID, w.gatewayID
}

func headerField(f *gwproto.Frame, name string) string {
	if f.Header == nil {
		return ""
	}
	return f.Header.Values[name]
}
