// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package version exposes the version stamped into the meterman binaries.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/leehonan/meterman-server/pkg/version.Version=...".
var Version = "0.1.0"
