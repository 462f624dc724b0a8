// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package log

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"
)

const logFileMaxSize = 10 * 1000 * 1000
const logFileMaxRolls = 5

// logConfigTemplate rolls by size and mirrors records to the console.
const logConfigTemplate = `
<seelog minlevel="%[1]s">
    <outputs formatid="common">
        <console/>
        <rollingfile type="size" filename="%[2]s" maxsize="%[3]d" maxrolls="%[4]d"/>
    </outputs>
    <formats>
        <format id="common" format="%%Date(2006-01-02 15:04:05 MST) | %%LEVEL | (%%ShortFilePath:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`

// eventConfigTemplate writes bare records to a date-rolled file, one per line.
const eventConfigTemplate = `
<seelog minlevel="info">
    <outputs formatid="raw">
        <rollingfile type="date" filename="%s" datepattern="2006-01-02" maxrolls="30"/>
    </outputs>
    <formats>
        <format id="raw" format="%%Msg%%n"/>
    </formats>
</seelog>`

// BuildRollingLogger returns a size-rolling file logger that also writes
// to the console.
func BuildRollingLogger(filename, level string) (seelog.LoggerInterface, error) {
	lvl := strings.ToLower(level)
	if _, ok := seelog.LogLevelFromString(lvl); !ok {
		lvl = "info"
	}
	cfg := fmt.Sprintf(logConfigTemplate, lvl, filename, logFileMaxSize, logFileMaxRolls)
	return seelog.LoggerFromConfigAsString(cfg)
}

// BuildEventLogger returns a logger for the event file: no decoration,
// date-based rolling.
func BuildEventLogger(filename string) (seelog.LoggerInterface, error) {
	return seelog.LoggerFromConfigAsString(fmt.Sprintf(eventConfigTemplate, filename))
}
