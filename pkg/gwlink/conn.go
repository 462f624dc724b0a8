// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

// Package gwlink owns the byte-stream link to a metering gateway: a worker
// per link reads frames off the wire into an ordered receive buffer, drains
// an outbound queue one frame per tick, and keeps a cached view of the
// gateway's last reported state.
package gwlink

import (
	"bytes"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/leehonan/meterman-server/pkg/util/log"
)

// Conn is the byte-stream link a Worker drives. ReadLine is non-blocking:
// ok is false when no complete line is waiting.
type Conn interface {
	ReadLine() (line string, ok bool, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// readTimeout bounds a single blocking read on the port so the pump can
// notice a closed link.
const readTimeout = time.Second

// Dial opens an 8-N-1 serial link to a gateway.
func Dial(port string, baud int) (Conn, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, err
	}
	c := &serialConn{
		port:  p,
		lines: make(chan string, 64),
		quit:  make(chan struct{}),
	}
	go c.pump()
	log.Infof("Opened serial connection on %s at %d baud", port, baud)
	return c, nil
}

// serialConn adapts a serial port to line-at-a-time reads. A pump goroutine
// does the blocking reads and splits lines so ReadLine never stalls the
// worker loop.
type serialConn struct {
	port  serial.Port
	lines chan string

	closeOnce sync.Once
	quit      chan struct{}

	mu  sync.Mutex
	err error
}

func (c *serialConn) ReadLine() (string, bool, error) {
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return "", false, err
		}
		return line, true, nil
	default:
		return "", false, nil
	}
}

func (c *serialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return c.port.Close()
}

func (c *serialConn) pump() {
	defer close(c.lines)
	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		if n == 0 {
			// read timeout, no data waiting
			continue
		}
		pending = append(pending, buf[:n]...)
		for {
			nl := bytes.IndexByte(pending, '\n')
			if nl < 0 {
				break
			}
			raw := bytes.TrimSpace(pending[:nl])
			pending = pending[nl+1:]
			if len(raw) == 0 {
				continue
			}
			select {
			case c.lines <- decodeLatin1(raw):
			case <-c.quit:
				return
			}
		}
	}
}

// decodeLatin1 maps each byte to the rune of the same ordinal. Gateways
// occasionally emit high-bit debug noise that must not break UTF-8 handling
// downstream.
func decodeLatin1(b []byte) string {
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return string(rs)
}
