// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[App]
home_path = /var/lib/meterman
temp_path = /tmp/meterman
log_file = meterman.log
db_file = meterman.db
log_level = debug

[EventFile]
write_event_file = true
event_file = events.log
meter_only = true

[RestApi]
run_rest_api = true
flask_port = 8080
user = admin
password = hunter2
access_lan_only = false

[Gateway1]
network_id = 0.0.1.1
gateway_id = 1
label = Shed
serial_port = /dev/ttyUSB0
serial_baud = 57600

[Gateway2]
network_id = 0.0.1.2
gateway_id = 2

[SimMeter1]
network_id = 0.0.1.1
gateway_id = 1
node_id = 20
interval = 30
start_val = 1000000
read_min = 1
read_max = 9
max_msg_entries = 6
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, App{
		HomePath: "/var/lib/meterman",
		TempPath: "/tmp/meterman",
		LogFile:  "/var/lib/meterman/meterman.log",
		DBFile:   "/var/lib/meterman/meterman.db",
		LogLevel: "DEBUG",
	}, cfg.App)

	assert.Equal(t, EventFile{
		WriteEventFile: true,
		EventFile:      "/var/lib/meterman/events.log",
		MeterOnly:      true,
	}, cfg.EventFile)

	assert.Equal(t, RestAPI{
		RunRestAPI:    true,
		Port:          8080,
		User:          "admin",
		Password:      "hunter2",
		AccessLANOnly: false,
	}, cfg.RestAPI)

	require.Len(t, cfg.Gateways, 2)
	assert.Equal(t, Gateway{
		Name:       "Gateway1",
		NetworkID:  "0.0.1.1",
		GatewayID:  1,
		Label:      "Shed",
		SerialPort: "/dev/ttyUSB0",
		SerialBaud: 57600,
	}, cfg.Gateways[0])

	// section defaults fill in what Gateway2 leaves out
	assert.Equal(t, Gateway{
		Name:       "Gateway2",
		NetworkID:  "0.0.1.2",
		GatewayID:  2,
		Label:      "Gateway2",
		SerialPort: DefaultSerialPort,
		SerialBaud: DefaultSerialBaud,
	}, cfg.Gateways[1])

	require.Len(t, cfg.SimMeters, 1)
	assert.Equal(t, SimMeter{
		Name:          "SimMeter1",
		NetworkID:     "0.0.1.1",
		GatewayID:     1,
		NodeID:        20,
		Interval:      30,
		StartValue:    1000000,
		ReadMin:       1,
		ReadMax:       9,
		MaxMsgEntries: 6,
	}, cfg.SimMeters[0])
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "[App]\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "meterman_home", cfg.App.HomePath)
	assert.Equal(t, filepath.Join("meterman_home", "meterman.log"), cfg.App.LogFile)
	assert.Equal(t, filepath.Join("meterman_home", "meterman.db"), cfg.App.DBFile)
	assert.Equal(t, "INFO", cfg.App.LogLevel)
	assert.False(t, cfg.EventFile.WriteEventFile)
	assert.False(t, cfg.RestAPI.RunRestAPI)
	assert.Equal(t, DefaultAPIPort, cfg.RestAPI.Port)
	assert.True(t, cfg.RestAPI.AccessLANOnly)
	assert.Empty(t, cfg.Gateways)
	assert.Empty(t, cfg.SimMeters)
}

func TestLoadWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.txt")

	cfg, err := Load(path)
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# meterman server configuration")

	require.Len(t, cfg.Gateways, 1)
	assert.Equal(t, "0.0.1.1", cfg.Gateways[0].NetworkID)
	assert.Equal(t, DefaultSerialPort, cfg.Gateways[0].SerialPort)
	assert.True(t, cfg.RestAPI.RunRestAPI)
	assert.True(t, cfg.EventFile.WriteEventFile)
	assert.Empty(t, cfg.SimMeters)
}

func TestLoadRejectsIncompleteSections(t *testing.T) {
	_, err := Load(writeConfig(t, "[Gateway1]\ngateway_id = 1\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[SimMeter1]\nnetwork_id = 0.0.1.1\n"))
	assert.Error(t, err)
}
