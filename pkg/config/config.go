// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package config loads the meterman INI configuration file. A missing file
// is replaced with a commented default next to the requested path, then
// loaded, so a fresh install comes up with a usable baseline.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
)

// Serial and HTTP defaults, matching the shipped default configuration.
const (
	DefaultSerialPort = "/dev/ttyAMA0"
	DefaultSerialBaud = 115200
	DefaultAPIPort    = 8000
)

// App is the [App] section. Path options are resolved against home_path.
type App struct {
	HomePath string
	TempPath string
	LogFile  string
	DBFile   string
	LogLevel string
}

// EventFile is the [EventFile] section controlling the evidence log.
type EventFile struct {
	WriteEventFile bool
	EventFile      string
	MeterOnly      bool
}

// RestAPI is the [RestApi] section.
type RestAPI struct {
	RunRestAPI    bool
	Port          int
	User          string
	Password      string
	AccessLANOnly bool
}

// Gateway is one [Gateway<n>] section.
type Gateway struct {
	Name       string
	NetworkID  string
	GatewayID  int
	Label      string
	SerialPort string
	SerialBaud int
}

// SimMeter is one [SimMeter<n>] section.
type SimMeter struct {
	Name          string
	NetworkID     string
	GatewayID     int
	NodeID        int
	Interval      int64
	StartValue    int64
	ReadMin       int64
	ReadMax       int64
	MaxMsgEntries int
}

// Config is the parsed configuration file.
type Config struct {
	App       App
	EventFile EventFile
	RestAPI   RestAPI
	Gateways  []Gateway
	SimMeters []SimMeter
}

// Load reads the configuration at path, writing the default file first when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
			return nil, fmt.Errorf("writing default config %s: %w", path, err)
		}
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	cfg := &Config{}

	app := f.Section("App")
	cfg.App = App{
		HomePath: app.Key("home_path").MustString("meterman_home"),
		TempPath: app.Key("temp_path").MustString("meterman_temp"),
		LogLevel: strings.ToUpper(app.Key("log_level").MustString("INFO")),
	}
	cfg.App.LogFile = filepath.Join(cfg.App.HomePath, app.Key("log_file").MustString("meterman.log"))
	cfg.App.DBFile = filepath.Join(cfg.App.HomePath, app.Key("db_file").MustString("meterman.db"))

	ev := f.Section("EventFile")
	cfg.EventFile = EventFile{
		WriteEventFile: ev.Key("write_event_file").MustBool(false),
		MeterOnly:      ev.Key("meter_only").MustBool(false),
	}
	cfg.EventFile.EventFile = filepath.Join(cfg.App.HomePath, ev.Key("event_file").MustString("meter_events.log"))

	rest := f.Section("RestApi")
	cfg.RestAPI = RestAPI{
		RunRestAPI:    rest.Key("run_rest_api").MustBool(false),
		Port:          rest.Key("flask_port").MustInt(DefaultAPIPort),
		User:          rest.Key("user").String(),
		Password:      rest.Key("password").String(),
		AccessLANOnly: rest.Key("access_lan_only").MustBool(true),
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, "Gateway"):
			gw := Gateway{
				Name:       name,
				NetworkID:  sec.Key("network_id").String(),
				GatewayID:  sec.Key("gateway_id").MustInt(1),
				Label:      sec.Key("label").MustString(name),
				SerialPort: sec.Key("serial_port").MustString(DefaultSerialPort),
				SerialBaud: sec.Key("serial_baud").MustInt(DefaultSerialBaud),
			}
			if gw.NetworkID == "" {
				return nil, fmt.Errorf("%s: network_id is required", name)
			}
			cfg.Gateways = append(cfg.Gateways, gw)

		case strings.HasPrefix(name, "SimMeter"):
			sim := SimMeter{
				Name:          name,
				NetworkID:     sec.Key("network_id").String(),
				GatewayID:     sec.Key("gateway_id").MustInt(1),
				NodeID:        sec.Key("node_id").MustInt(0),
				Interval:      sec.Key("interval").MustInt64(15),
				StartValue:    sec.Key("start_val").MustInt64(0),
				ReadMin:       sec.Key("read_min").MustInt64(0),
				ReadMax:       sec.Key("read_max").MustInt64(5),
				MaxMsgEntries: sec.Key("max_msg_entries").MustInt(4),
			}
			if sim.NetworkID == "" {
				return nil, fmt.Errorf("%s: network_id is required", name)
			}
			if sim.NodeID == 0 {
				return nil, fmt.Errorf("%s: node_id is required", name)
			}
			cfg.SimMeters = append(cfg.SimMeters, sim)
		}
	}

	return cfg, nil
}

const defaultConfig = `# meterman server configuration.
# This file was generated with defaults; edit and restart the server.

[App]
# Working directory for the log, database and event files.
home_path = meterman_home
temp_path = meterman_temp
log_file = meterman.log
db_file = meterman.db
# CRITICAL, ERROR, WARN, INFO or DEBUG.
log_level = INFO

[EventFile]
# Append an audit line per meter update/rebase (and snapshots unless
# meter_only) to the event file.
write_event_file = true
event_file = meter_events.log
meter_only = false

[RestApi]
run_rest_api = true
flask_port = 8000
user = meterman
password = PLEASE_CHANGE_ME
# Only accept requests from loopback or the server's /24.
access_lan_only = true

# One section per attached gateway: Gateway1, Gateway2, ...
[Gateway1]
network_id = 0.0.1.1
gateway_id = 1
label = Gateway 1
serial_port = /dev/ttyAMA0
serial_baud = 115200

# Simulated meters (optional): SimMeter1, SimMeter2, ...
# network_id/gateway_id must name a configured gateway.
# [SimMeter1]
# network_id = 0.0.1.1
# gateway_id = 1
# node_id = 20
# interval = 15
# start_val = 1000000
# read_min = 0
# read_max = 5
# max_msg_entries = 4
`
