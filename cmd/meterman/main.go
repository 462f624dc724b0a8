// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/leehonan/meterman-server/pkg/api"
	"github.com/leehonan/meterman-server/pkg/config"
	"github.com/leehonan/meterman-server/pkg/devices"
	"github.com/leehonan/meterman-server/pkg/gwlink"
	"github.com/leehonan/meterman-server/pkg/meterdata"
	"github.com/leehonan/meterman-server/pkg/store"
	"github.com/leehonan/meterman-server/pkg/util/log"
	"github.com/leehonan/meterman-server/pkg/version"
)

// procInterval is the cadence of the device processing loop.
const procInterval = 500 * time.Millisecond

var (
	// metermanCmd is the root command
	metermanCmd = &cobra.Command{
		Use:   "meterman [command]",
		Short: "Meterman mediates electricity metering radio networks.",
		Long: `
Meterman supervises serial-attached gateways, each fronting a radio network
of battery-powered metering nodes. It keeps the gateways' clocks honest,
persists the meter evidence the nodes report, and serves queries and node
control over a REST API.`,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the meterman server",
		Long:  `Runs the meterman server in the foreground`,
		RunE:  start,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meterman %s\n", version.Version)
		},
	}

	confPath string
)

func init() {
	// attach the commands to the root
	metermanCmd.AddCommand(startCmd)
	metermanCmd.AddCommand(versionCmd)

	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "config.txt", "path to the meterman configuration file")
}

func start(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}

	for _, dir := range []string{cfg.App.HomePath, cfg.App.TempPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("unable to create %s: %w", dir, err)
		}
	}

	// Setup logger
	logger, err := log.BuildRollingLogger(cfg.App.LogFile, cfg.App.LogLevel)
	if err != nil {
		return fmt.Errorf("unable to setup logger: %w", err)
	}
	log.SetupLogger(logger, cfg.App.LogLevel)
	defer log.Flush()

	log.Infof("Starting meterman %s...", version.Version)

	st, err := store.Open(cfg.App.DBFile)
	if err != nil {
		return fmt.Errorf("unable to open the store: %w", err)
	}
	defer st.Close()

	var events *meterdata.EventWriter
	if cfg.EventFile.WriteEventFile {
		if events, err = meterdata.NewEventWriter(cfg.EventFile.EventFile, cfg.EventFile.MeterOnly); err != nil {
			return fmt.Errorf("unable to open the event file: %w", err)
		}
		defer events.Close()
	}

	dataMgr := meterdata.NewManager(st, events)
	devMgr := devices.NewManager(dataMgr, clock.New())
	defer devMgr.Stop()

	for _, gw := range cfg.Gateways {
		conn, err := gwlink.Dial(gw.SerialPort, gw.SerialBaud)
		if err != nil {
			return fmt.Errorf("unable to open gateway %s on %s: %w", gw.Name, gw.SerialPort, err)
		}
		devMgr.AddGateway(gwlink.NewWorker(gw.Label, gw.NetworkID, gw.GatewayID, conn, clock.New()))
		log.Infof("Gateway %s attached on %s at %d baud", gw.Name, gw.SerialPort, gw.SerialBaud)
	}

	for _, sim := range cfg.SimMeters {
		err := devMgr.AddSimMeter(devices.SimMeterConfig{
			NetworkID:     sim.NetworkID,
			GatewayID:     sim.GatewayID,
			NodeID:        sim.NodeID,
			Interval:      sim.Interval,
			StartValue:    sim.StartValue,
			ReadMin:       sim.ReadMin,
			ReadMax:       sim.ReadMax,
			MaxMsgEntries: sim.MaxMsgEntries,
		})
		if err != nil {
			return fmt.Errorf("unable to add simulated meter %s: %w", sim.Name, err)
		}
	}

	if cfg.RestAPI.RunRestAPI {
		apiServer := api.NewServer(cfg.RestAPI, dataMgr, devMgr)
		if err := apiServer.Start(); err != nil {
			return err
		}
		defer apiServer.Stop()
	}

	// Setup a channel to catch OS signals
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(procInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signalCh:
			log.Infof("Received signal '%s', shutting down...", sig)
			log.Info("See ya!")
			return nil
		case <-ticker.C:
			devMgr.Tick()
		}
	}
}

func main() {
	if err := metermanCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}
