package internal

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeControlTarget struct {
	mu        sync.Mutex
	prepared  bool
	sent      [][]byte
	recovered string
	guardian  *GuardianData
	sendErr   error
	stages    *FrameStageRecorder
}

func (f *fakeControlTarget) SetSinkPrepared(prepared bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = prepared
}

func (f *fakeControlTarget) Send(pkt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeControlTarget) Status() SessionStatus {
	return SessionStatus{State: StateConnected.String(), Peer: "10.0.0.2:9944"}
}

func (f *fakeControlTarget) RecoverConnection(address string) error {
	if address == "" {
		return errors.New("empty address")
	}
	f.recovered = address
	return nil
}

func (f *fakeControlTarget) SyncGuardian(data GuardianData) {
	f.guardian = &data
}

func (f *fakeControlTarget) RecordFrameStage(frameIndex uint64, stage string) error {
	return f.stages.Record(frameIndex, stage)
}

func TestControlSocketHandle(t *testing.T) {
	target := &fakeControlTarget{}
	c := NewControlSocket("", target)

	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "sink_prepared", Prepared: true}).Result)
	assert.True(t, target.prepared)

	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "send", Payload: []byte{1, 2}}).Result)
	assert.Equal(t, [][]byte{{1, 2}}, target.sent)

	resp := c.Handle(ControlCommand{Command: "send"})
	assert.Equal(t, "error", resp.Result)
	assert.Equal(t, "empty payload", resp.Error)

	target.sendErr = ErrNotConnected
	resp = c.Handle(ControlCommand{Command: "send", Payload: []byte{1}})
	assert.Equal(t, ErrNotConnected.Error(), resp.Error)

	resp = c.Handle(ControlCommand{Command: "status"})
	require.NotNil(t, resp.Status)
	assert.Equal(t, "10.0.0.2:9944", resp.Status.Peer)

	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "recover", Address: "10.0.0.2:9944"}).Result)
	assert.Equal(t, "10.0.0.2:9944", target.recovered)
	assert.Equal(t, "error", c.Handle(ControlCommand{Command: "recover"}).Result)

	assert.Equal(t, "missing guardian data", c.Handle(ControlCommand{Command: "guardian"}).Error)
	data := GuardianData{Points: guardianPoints(3)}
	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "guardian", Guardian: &data}).Result)
	require.NotNil(t, target.guardian)
	assert.Len(t, target.guardian.Points, 3)

	assert.Equal(t, "unknown command", c.Handle(ControlCommand{Command: "reboot"}).Error)
}

func TestControlSocketFrameStage(t *testing.T) {
	clock := newFakeClock()
	collector := NewLatencyCollector(clock.Now)
	target := &fakeControlTarget{stages: NewFrameStageRecorder(collector)}
	c := NewControlSocket("", target)

	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "frame_stage", Frame: 9, Stage: "tracking"}).Result)
	assert.False(t, target.stages.External())
	clock.Advance(4 * time.Millisecond)
	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "frame_stage", Frame: 9, Stage: "decoder_input"}).Result)
	clock.Advance(2 * time.Millisecond)
	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "frame_stage", Frame: 9, Stage: "decoder_output"}).Result)
	assert.Equal(t, "ok", c.Handle(ControlCommand{Command: "frame_stage", Frame: 9, Stage: "submit"}).Result)
	assert.True(t, target.stages.External())

	resp := c.Handle(ControlCommand{Command: "frame_stage", Frame: 9, Stage: "warp"})
	assert.Equal(t, "error", resp.Result)
	assert.Contains(t, resp.Error, ErrUnknownFrameStage.Error())

	// transport stages come from the session only
	resp = c.Handle(ControlCommand{Command: "frame_stage", Frame: 9, Stage: "received_last"})
	assert.Equal(t, "error", resp.Result)

	clock.Advance(time.Second)
	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.FramesInSecond)
	assert.Equal(t, uint32(6_000), snap.TotalLatency.Average)
	assert.Equal(t, uint32(2_000), snap.DecodeLatency.Average)
}

func TestControlSocketServesJSON(t *testing.T) {
	target := &fakeControlTarget{}
	path := filepath.Join(t.TempDir(), "control.sock")
	c := NewControlSocket(path, target)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Close() })

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	reader := bufio.NewReader(conn)
	roundTrip := func(raw string) ControlResponse {
		_, err := conn.Write([]byte(raw + "\n"))
		require.NoError(t, err)
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp ControlResponse
		require.NoError(t, json.Unmarshal(line, &resp))
		return resp
	}

	// payload is base64 on the wire
	assert.Equal(t, "ok", roundTrip(`{"command":"send","payload":"AQID"}`).Result)
	assert.Equal(t, "ok", roundTrip(`{"command":"status"}`).Result)

	target.mu.Lock()
	assert.Equal(t, [][]byte{{1, 2, 3}}, target.sent)
	target.mu.Unlock()

	resp := roundTrip(`{"command" 1}`)
	assert.Equal(t, "invalid command format", resp.Error)
}

func TestControlSocketCloseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")
	c := NewControlSocket(path, &fakeControlTarget{})
	require.NoError(t, c.Start())
	assert.Equal(t, path, c.Addr().String())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, c.Close())
	assert.NoFileExists(t, path)

	assert.NoError(t, NewControlSocket(path, nil).Close())
}
