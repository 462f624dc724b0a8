// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/leehonan/meterman-server/pkg/config"
	"github.com/leehonan/meterman-server/pkg/gwproto"
)

// maxMsgEntries caps the reads accumulated into one meter update, matching
// the buffering of the node firmware.
const maxMsgEntries = 7

var (
	gwsimCmd = &cobra.Command{
		Use:   "gwsim",
		Short: "Emit simulated gateway traffic on the meterman wire format.",
		Long: `
Gwsim plays a single metering node behind a gateway: it accumulates interval
reads and flushes them as meter update messages to stdout or a serial port,
restating the counter with an occasional rebase. With --events it mixes in
random snapshots, time requests and node events. Run several instances to
simulate several nodes.`,
		RunE: run,
	}

	nodeID     int
	networkID  string
	startValue int64
	interval   int64
	readMin    int64
	readMax    int64
	portName   string
	baud       int
	withEvents bool
	eventRate  int64
)

func init() {
	f := gwsimCmd.Flags()
	f.IntVar(&nodeID, "node-id", 2, "node id to simulate (2 to 254)")
	f.StringVar(&networkID, "network-id", "0.0.1.1", "network id to simulate (octets)")
	f.Int64Var(&startValue, "start-value", 0, "starting meter value in Wh")
	f.Int64Var(&interval, "interval", 15, "seconds per meter read entry")
	f.Int64Var(&readMin, "read-min", 0, "minimum generated read in Wh")
	f.Int64Var(&readMax, "read-max", 10, "maximum generated read in Wh")
	f.StringVar(&portName, "port", "", "serial port to write to instead of stdout")
	f.IntVar(&baud, "baud", config.DefaultSerialBaud, "serial baud rate")
	f.BoolVar(&withEvents, "events", false, "mix in random event and snapshot messages")
	f.Int64Var(&eventRate, "event-rate", 60, "approximate seconds between random events")
}

func run(cmd *cobra.Command, args []string) error {
	if nodeID < 2 || nodeID > 254 {
		return fmt.Errorf("node id %d out of range, must be 2 to 254", nodeID)
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be a positive number of seconds")
	}
	if readMax < readMin {
		return fmt.Errorf("read-max %d is below read-min %d", readMax, readMin)
	}

	var out io.Writer = os.Stdout
	if portName != "" {
		port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
		if err != nil {
			return fmt.Errorf("unable to open %s: %w", portName, err)
		}
		defer port.Close()
		out = port
	}

	sim := newSimulator(out, time.Now().Unix())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-signalCh:
			return nil
		case <-ticker.C:
			if err := sim.tick(time.Now().Unix()); err != nil {
				return err
			}
		}
	}
}

// simulator accumulates interval reads and flushes them as wire messages.
// anchorFinish/anchorValue carry the finish time and cumulative counter of
// the last flushed entry, the point the next message's deltas run from.
type simulator struct {
	out io.Writer

	nodeID    int
	networkID string
	interval  int64
	readMin   int64
	readMax   int64

	meterValue   int64
	anchorFinish int64
	anchorValue  int64

	pending       []gwproto.MeterUpdateEntry
	flushTarget   int
	whenLastEntry int64

	withEvents bool
	eventOdds  int64
}

func newSimulator(out io.Writer, now int64) *simulator {
	odds := eventRate / interval
	if odds < 1 {
		odds = 1
	}
	return &simulator{
		out:          out,
		nodeID:       nodeID,
		networkID:    networkID,
		interval:     interval,
		readMin:      readMin,
		readMax:      readMax,
		meterValue:   startValue,
		anchorFinish: now - interval,
		anchorValue:  startValue,
		flushTarget:  1 + rand.Intn(maxMsgEntries),
		withEvents:   withEvents,
		eventOdds:    odds,
	}
}

// tick generates at most one interval read, flushing the batch once it
// reaches the current random target.
func (s *simulator) tick(now int64) error {
	if now-s.whenLastEntry < s.interval {
		return nil
	}
	s.whenLastEntry = now

	read := s.readMin
	if band := s.readMax - s.readMin; band > 0 {
		read += rand.Int63n(band + 1)
	}
	s.meterValue += read
	s.pending = append(s.pending, gwproto.MeterUpdateEntry{IntervalLength: s.interval, Value: read})

	if len(s.pending) >= s.flushTarget {
		if err := s.flush(now); err != nil {
			return err
		}
	}

	if s.withEvents && rand.Int63n(s.eventOdds+1) == s.eventOdds {
		return s.writeLine(s.randomEventMsg(now))
	}
	return nil
}

func (s *simulator) flush(now int64) error {
	defer func() {
		s.pending = s.pending[:0]
		s.flushTarget = 2 + rand.Intn(maxMsgEntries)
	}()

	// every so often restate the counter instead, as a node does after a
	// restart; the batched reads are absorbed into the rebase
	if rand.Int63n(31) == 15 {
		s.anchorFinish = now
		s.anchorValue = s.meterValue
		return s.writeLine(gwproto.MeterRebaseMsg(s.nodeID, now, s.meterValue))
	}

	msg := gwproto.MeterUpdateMsg(s.nodeID, s.anchorFinish, s.anchorValue, s.pending)
	s.anchorFinish = now
	s.anchorValue = s.meterValue
	return s.writeLine(msg)
}

func (s *simulator) writeLine(msg string) error {
	_, err := fmt.Fprintf(s.out, "%s%s\r\n", gwproto.RxPrefix, msg)
	return err
}

// randomEventMsg picks one of the event and snapshot shapes a live gateway
// interleaves with meter traffic.
func (s *simulator) randomEventMsg(now int64) string {
	switch rand.Intn(5) {
	case 0:
		return gwproto.GetTimeMsg()
	case 1:
		return gwproto.GatewaySnapMsg(1, now-3600, 500, now, "DEBUG", "CHANGE_ME_PLEASE", s.networkID, -10)
	case 2:
		return gwproto.NodeSnapMsg(gwproto.NodeSnap{
			NodeID:               s.nodeID,
			BattVoltage:          4000,
			UpTime:               10000,
			SleepTime:            9000,
			FreeRAM:              700,
			WhenLastSeen:         now - 60,
			LastClockDrift:       5,
			MeterInterval:        15,
			MeterImpulsesPerKWH:  1000,
			LastMeterEntryFinish: now - 120,
			LastMeterValue:       50000,
			PuckLEDRate:          1,
			PuckLEDTime:          0,
			LastRSSIAtGateway:    -60,
		})
	case 3:
		return gwproto.NodeDarkMsg(s.nodeID, now-300)
	default:
		return gwproto.GeneralPurposeMsg(s.nodeID, "HELLO!!!")
	}
}

func main() {
	if err := gwsimCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}
