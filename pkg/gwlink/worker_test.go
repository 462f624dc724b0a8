// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package gwlink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leehonan/meterman-server/pkg/gwproto"
)

// fakeConn scripts inbound lines and records writes so worker ticks run
// without a serial port.
type fakeConn struct {
	mu       sync.Mutex
	lines    []string
	writes   []string
	readErr  error
	writeErr error
	closed   bool
}

func (c *fakeConn) push(lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, lines...)
}

func (c *fakeConn) ReadLine() (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return "", false, c.readErr
	}
	if len(c.lines) == 0 {
		return "", false, nil
	}
	line := c.lines[0]
	c.lines = c.lines[1:]
	return line, true, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, string(p))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func newTestWorker(t *testing.T) (*Worker, *fakeConn, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1757000000, 0))
	conn := &fakeConn{}
	w := NewWorker("Test Gateway", "9.9.9.99", 1, conn, mock)
	return w, conn, mock
}

func TestWorkerBuffersMeterTraffic(t *testing.T) {
	w, conn, _ := newTestWorker(t)

	conn.push(
		"G>S:MUP_;2,MUP_,1496842913428,18829393;15,1;15,5;15,2;16,3;",
		"G>S:MREB;2,MREB,1496842913500,18829500",
		"G>S:NDARK;3,1496842913000",
		"G>S:GMSG;2,GMSG,BOOT v1.0",
		"G>S:NOSNAP;2,3900,86400,600,1024,1496842913000,2,15,1000,1496842913490,18829404,10.2,100,50,-70",
	)
	for i := 0; i < 5; i++ {
		w.tick()
	}

	buffered := w.BufferedSince(BufferKey{})
	require.Len(t, buffered, 5)

	wantTypes := []string{
		gwproto.TypeMeterUpdate, gwproto.TypeMeterRebase, gwproto.TypeNodeDark,
		gwproto.TypeGPMsg, gwproto.TypeNodeSnap,
	}
	for i, bf := range buffered {
		assert.Equal(t, wantTypes[i], bf.Frame.Type)
		if i > 0 {
			assert.True(t, buffered[i-1].Key.Less(bf.Key), "keys out of order at %d", i)
		}
	}

	info := w.Info()
	assert.Equal(t, "UP", info.State)
	assert.Equal(t, int64(1757000000), info.LastSeen)
	assert.Equal(t, "9.9.9.99.1", info.UUID)

	// drain from a mid-buffer high-water mark
	tail := w.BufferedSince(buffered[2].Key)
	require.Len(t, tail, 2)
	assert.Equal(t, gwproto.TypeGPMsg, tail[0].Frame.Type)
	assert.Equal(t, gwproto.TypeNodeSnap, tail[1].Frame.Type)
}

func TestBufferKeyOrderAcrossSeqWidths(t *testing.T) {
	w, conn, _ := newTestWorker(t)
	w.seq = 8

	conn.push(
		"G>S:MREB;2,MREB,1496842913500,100",
		"G>S:MREB;2,MREB,1496842913501,200",
	)
	w.tick()
	w.tick()

	buffered := w.BufferedSince(BufferKey{})
	require.Len(t, buffered, 2)
	assert.Equal(t, "1757000000/9", buffered[0].Key.String())
	assert.Equal(t, "1757000000/10", buffered[1].Key.String())
	assert.True(t, buffered[0].Key.Less(buffered[1].Key))
	assert.False(t, buffered[1].Key.Less(buffered[0].Key))
}

func TestWorkerAnswersTimeRequest(t *testing.T) {
	w, conn, _ := newTestWorker(t)

	conn.push("G>S:GTIME")
	w.tick()

	writes := conn.written()
	require.Len(t, writes, 1)
	assert.Equal(t, "S>G:STIME;1757000000\r\n", writes[0])
	assert.Equal(t, "UP", w.Info().State)
}

func TestWorkerDropsMalformedFrames(t *testing.T) {
	w, conn, _ := newTestWorker(t)

	// non-protocol chatter is ignored entirely
	conn.push("DEBUG: radio init")
	w.tick()
	info := w.Info()
	assert.Equal(t, "INIT", info.State)
	assert.Zero(t, info.LastSeen)

	conn.push("G>S:MREB;2,MREB,1496842913500,18829500")
	w.tick()
	require.Equal(t, "UP", w.Info().State)

	conn.push(
		"G>S:CRAP",
		"G>S:MUP_;2,MUP_,DEBUG:",
		"G>S:MUP_;2,MUP_,1496842913428,18829393;15,1;15,5;15,2;16",
	)
	for i := 0; i < 3; i++ {
		w.tick()
	}
	assert.Equal(t, "UP", w.Info().State)
	require.Len(t, w.BufferedSince(BufferKey{}), 1)

	// a missing trailing separator still frames completely
	conn.push("G>S:MUP_;2,MUP_,1496842913428,18829393;15,1;15,5;15,2;16,3")
	w.tick()
	assert.Equal(t, "UP", w.Info().State)
	buffered := w.BufferedSince(BufferKey{})
	require.Len(t, buffered, 2)
	assert.Equal(t, 4, buffered[1].Frame.DetailCount())
}

func TestWorkerCachesGatewaySnapshot(t *testing.T) {
	w, conn, _ := newTestWorker(t)

	conn.push("G>S:GWSNAP;1,1756990000,4096,1756999990,DEBUG,CHANGE_ME_PLEASE,9.9.9.99,13")
	w.tick()

	info := w.Info()
	assert.Equal(t, "UP", info.State)
	assert.Equal(t, "9.9.9.99.1", info.UUID)
	assert.Equal(t, int64(1756990000), info.WhenBooted)
	assert.Equal(t, int64(4096), info.FreeRAM)
	assert.Equal(t, int64(10), info.LastTimeDrift)
	assert.Equal(t, "DEBUG", info.LogLevel)
	assert.Equal(t, 13, info.TXPower)

	buffered := w.BufferedSince(BufferKey{})
	require.Len(t, buffered, 1)
	assert.Equal(t, gwproto.TypeGatewaySnap, buffered[0].Frame.Type)
}

func TestWorkerWritesOneFramePerTick(t *testing.T) {
	w, conn, _ := newTestWorker(t)

	w.SetNodeMeterValue(2, 18829000)
	w.SetNodeMeterInterval(2, 30)
	w.SetNodePuckLED(2, 2, 100)
	w.SetNodeGINRRate(2, 60, 300)
	w.SendGPMessage(2, "hello")

	w.tick()
	require.Len(t, conn.written(), 1)

	for i := 0; i < 4; i++ {
		w.tick()
	}
	assert.Equal(t, []string{
		"S>G:SMVAL;2,18829000\r\n",
		"S>G:SMINT;2,30\r\n",
		"S>G:SPLED;2,2,100\r\n",
		"S>G:SGITR;2,60,300\r\n",
		"S>G:GMSG;2,GMSG,hello\r\n",
	}, conn.written())
}

func TestWorkerRetainsFrameOnWriteError(t *testing.T) {
	w, conn, _ := newTestWorker(t)

	w.RequestGatewaySnapshot()
	w.RequestNodeSnapshot(gwproto.BroadcastNodeID)

	conn.setWriteErr(errors.New("input/output error"))
	w.tick()
	w.tick()
	require.Empty(t, conn.written())

	conn.setWriteErr(nil)
	w.tick()
	w.tick()
	assert.Equal(t, []string{"S>G:GGWSNAP\r\n", "S>G:GNOSNAP;254\r\n"}, conn.written())
}

func TestWorkerPurgesAgedFrames(t *testing.T) {
	w, conn, mock := newTestWorker(t)

	conn.push(
		"G>S:MREB;2,MREB,1496842913500,100",
		"G>S:MREB;2,MREB,1496842913501,200",
	)
	w.tick()
	w.tick()
	require.Len(t, w.BufferedSince(BufferKey{}), 2)

	mock.Add(601 * time.Second)
	conn.push("G>S:MREB;2,MREB,1496842913502,300")
	w.tick()

	buffered := w.BufferedSince(BufferKey{})
	require.Len(t, buffered, 1)
	assert.Equal(t, int64(1757000601), buffered[0].Key.Epoch)
}

func TestWorkerDropsOldestWhenBufferFull(t *testing.T) {
	w, conn, _ := newTestWorker(t)
	w.rxCap = 3

	conn.push(
		"G>S:MREB;2,MREB,1496842913500,100",
		"G>S:MREB;2,MREB,1496842913501,200",
		"G>S:MREB;2,MREB,1496842913502,300",
		"G>S:MREB;2,MREB,1496842913503,400",
	)
	for i := 0; i < 4; i++ {
		w.tick()
	}

	buffered := w.BufferedSince(BufferKey{})
	require.Len(t, buffered, 3)
	assert.Equal(t, uint64(2), buffered[0].Key.Seq)
	assert.Equal(t, uint64(4), buffered[2].Key.Seq)
}

func TestWorkerReadErrorKeepsTicking(t *testing.T) {
	w, conn, _ := newTestWorker(t)
	conn.readErr = errors.New("port gone")

	w.SendSetTime()
	w.tick()

	require.Len(t, conn.written(), 1)
	assert.Equal(t, "INIT", w.Info().State)
}

func TestWorkerStartStopClosesLink(t *testing.T) {
	w, conn, _ := newTestWorker(t)

	w.Start()
	w.Stop()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}
