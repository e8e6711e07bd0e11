package internal

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/go-logr/logr"
)

// ControlCommand is one request on the control socket. Payload is base64
// in JSON.
type ControlCommand struct {
	Command  string        `json:"command"`
	Prepared bool          `json:"prepared,omitempty"`
	Payload  []byte        `json:"payload,omitempty"`
	Address  string        `json:"address,omitempty"`
	Guardian *GuardianData `json:"guardian,omitempty"`
	Frame    uint64        `json:"frame,omitempty"`
	Stage    string        `json:"stage,omitempty"`
}

// ControlResponse is the reply to a ControlCommand.
type ControlResponse struct {
	Result string         `json:"result"`
	Status *SessionStatus `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ControlTarget is the session surface driven by the media pipeline.
type ControlTarget interface {
	SetSinkPrepared(prepared bool)
	Send(pkt []byte) error
	Status() SessionStatus
	RecoverConnection(address string) error
	SyncGuardian(data GuardianData)
	RecordFrameStage(frameIndex uint64, stage string) error
}

// ControlSocket accepts newline delimited JSON commands on a Unix socket.
type ControlSocket struct {
	socketPath string
	target     ControlTarget
	listener   net.Listener
	logger     logr.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewControlSocket creates a control socket bound to target.
func NewControlSocket(socketPath string, target ControlTarget) *ControlSocket {
	return &ControlSocket{
		socketPath: socketPath,
		target:     target,
		logger:     NewLogger("control"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start removes a stale socket file, listens and serves in the background.
func (c *ControlSocket) Start() error {
	if _, err := os.Stat(c.socketPath); err == nil {
		os.Remove(c.socketPath)
	}

	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return NewError(err, ErrCodeIO, "control", "listen").WithContext(c.socketPath)
	}
	c.listener = listener
	c.logger.Info("control socket listening", "path", c.socketPath)

	c.wg.Add(1)
	go c.acceptLoop()
	return nil
}

// Addr returns the listening address.
func (c *ControlSocket) Addr() net.Addr {
	return c.listener.Addr()
}

func (c *ControlSocket) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Error(err, "error accepting connection")
			continue
		}

		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *ControlSocket) serve(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var cmd ControlCommand
		if err := decoder.Decode(&cmd); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.V(1).Info("failed to parse control command", "error", err.Error())
			encoder.Encode(ControlResponse{Result: "error", Error: "invalid command format"})
			return
		}

		if err := encoder.Encode(c.Handle(cmd)); err != nil {
			c.logger.Error(err, "failed to send control response")
			return
		}
	}
}

// Handle executes one command.
func (c *ControlSocket) Handle(cmd ControlCommand) ControlResponse {
	c.logger.V(1).Info("control command", "command", cmd.Command)

	switch cmd.Command {
	case "sink_prepared":
		c.target.SetSinkPrepared(cmd.Prepared)
	case "send":
		if len(cmd.Payload) == 0 {
			return ControlResponse{Result: "error", Error: "empty payload"}
		}
		if err := c.target.Send(cmd.Payload); err != nil {
			return ControlResponse{Result: "error", Error: err.Error()}
		}
	case "status":
		st := c.target.Status()
		return ControlResponse{Result: "ok", Status: &st}
	case "recover":
		if err := c.target.RecoverConnection(cmd.Address); err != nil {
			return ControlResponse{Result: "error", Error: err.Error()}
		}
	case "guardian":
		if cmd.Guardian == nil {
			return ControlResponse{Result: "error", Error: "missing guardian data"}
		}
		c.target.SyncGuardian(*cmd.Guardian)
	case "frame_stage":
		if err := c.target.RecordFrameStage(cmd.Frame, cmd.Stage); err != nil {
			return ControlResponse{Result: "error", Error: err.Error()}
		}
	default:
		return ControlResponse{Result: "error", Error: "unknown command"}
	}
	return ControlResponse{Result: "ok"}
}

// Close stops accepting, closes open connections and removes the socket.
func (c *ControlSocket) Close() error {
	if c.listener == nil {
		return nil
	}
	err := c.listener.Close()

	c.mu.Lock()
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	os.Remove(c.socketPath)
	return err
}
