// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package devices

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/leehonan/meterman-server/pkg/gwproto"
	"github.com/leehonan/meterman-server/pkg/util/log"
)

// SimMeterConfig describes a simulated meter attached to a gateway.
type SimMeterConfig struct {
	NetworkID     string
	GatewayID     int
	NodeID        int
	Interval      int64
	StartValue    int64
	ReadMin       int64
	ReadMax       int64
	MaxMsgEntries int
}

type simMeter struct {
	nodeID          int
	interval        int64
	value           int64
	readMin         int64
	readMax         int64
	maxMsgEntries   int
	currentMsgStart int64
}

// AddSimMeter registers a simulated meter on an already-registered gateway.
func (m *Manager) AddSimMeter(cfg SimMeterConfig) error {
	gatewayUUID := nodeUUIDFor(cfg.NetworkID, cfg.GatewayID)
	nodeUUID := nodeUUIDFor(cfg.NetworkID, cfg.NodeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[gatewayUUID]
	if !ok {
		return fmt.Errorf("no gateway %s for simulated meter %s", gatewayUUID, nodeUUID)
	}
	gw.simMeters[nodeUUID] = &simMeter{
		nodeID:        cfg.NodeID,
		interval:      cfg.Interval,
		value:         cfg.StartValue,
		readMin:       cfg.ReadMin,
		readMax:       cfg.ReadMax,
		maxMsgEntries: cfg.MaxMsgEntries,
	}
	log.Infof("Simulating meter %s on gateway %s", nodeUUID, gatewayUUID)
	return nil
}

// runSimMeters emits a meter update for each simulated meter whose message
// interval has lapsed. The update is rendered on the wire format and decoded
// back so it flows through the same dispatch path as real traffic.
func (m *Manager) runSimMeters(gw *gatewayState) {
	now := m.clock.Now().Unix()
	for nodeUUID, sim := range gw.simMeters {
		msgInterval := int64(sim.maxMsgEntries) * sim.interval
		if sim.currentMsgStart >= now-msgInterval {
			continue
		}
		if sim.currentMsgStart == 0 {
			// first fire, backdate so the message spans one full interval
			sim.currentMsgStart = now - msgInterval
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%s%s;%d,%s,%d,%d", gwproto.RxPrefix, gwproto.TypeMeterUpdate,
			sim.nodeID, gwproto.TypeMeterUpdate, sim.currentMsgStart, sim.value)
		for i := 1; i < sim.maxMsgEntries; i++ {
			read := sim.readMin
			if band := sim.readMax - sim.readMin; band > 0 {
				read += rand.Int63n(band + 1)
			}
			fmt.Fprintf(&b, ";%d,%d", sim.interval, read)
			sim.value += read
		}
		line := b.String()

		info := gw.link.Info()
		frame, err := gwproto.Decode(line, gwproto.GatewayIdentity{
			UUID:      info.UUID,
			GatewayID: info.GatewayID,
			NetworkID: info.NetworkID,
		}, now)
		if err != nil {
			log.Warnf("Discarding simulated meter update for node %s: %v", nodeUUID, err)
			continue
		}
		sim.currentMsgStart = now

		log.Debugf("Generated simulated meter update: %s", line)
		m.dispatchFrame(frame)
	}
}
