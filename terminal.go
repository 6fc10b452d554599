package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/gorilla/websocket"
)

// ── Exec/PTY bridge ─────────────────────────────────────────────────────────

// shellBootstrap prefers bash when the image ships it and falls back to sh.
const shellBootstrap = `if [ -x /bin/bash ]; then exec /bin/bash; else exec /bin/sh; fi`

const (
	termWriteWait  = 10 * time.Second
	termPongWait   = 60 * time.Second
	termPingPeriod = 30 * time.Second
	termReadLimit  = 32 * 1024
)

// attachShell creates and attaches an interactive TTY exec inside the
// container, returning the exec id and the hijacked duplex stream.
func attachShell(ctx context.Context, docker dockerAPI, containerID string) (string, types.HijackedResponse, error) {
	exec, err := docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", shellBootstrap},
	})
	if err != nil {
		return "", types.HijackedResponse{}, err
	}
	hijack, err := docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return "", types.HijackedResponse{}, err
	}
	return exec.ID, hijack, nil
}

// ── Transport multiplexer ───────────────────────────────────────────────────

// termMessage is the structured client→server message. Anything that fails
// to parse as one of these is treated as raw keyboard input; some terminal
// emulator clients send bare keystrokes without wrapping them.
type termMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols uint   `json:"cols"`
	Rows uint   `json:"rows"`
}

// terminalSession owns one WebSocket connection and one exec stream for its
// lifetime; closing either side terminates the other.
type terminalSession struct {
	conn        *websocket.Conn
	hijack      types.HijackedResponse
	docker      dockerAPI
	execID      string
	containerID string
	logger      *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newTerminalSession(conn *websocket.Conn, hijack types.HijackedResponse,
	docker dockerAPI, execID, containerID string, logger *slog.Logger) *terminalSession {
	return &terminalSession{
		conn:        conn,
		hijack:      hijack,
		docker:      docker,
		execID:      execID,
		containerID: containerID,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

func (s *terminalSession) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(termWriteWait))
	return s.conn.WriteMessage(messageType, data)
}

func (s *terminalSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hijack.Close()
		s.conn.Close()
	})
}

// closeWithError sends an abnormal-closure frame carrying the error text
// before tearing the session down.
func (s *terminalSession) closeWithError(msg string) {
	s.writeMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, msg))
	s.close()
}

// run relays bytes in both directions until either side ends. The shell→
// client direction and the keepalive pinger get their own goroutines so a
// stalled write in one direction never blocks reads in the other.
func (s *terminalSession) run() {
	go s.shellToClient()
	go s.pingLoop()
	s.clientToShell()
}

// shellToClient forwards the shell's combined output verbatim; the client
// interprets the terminal control sequences.
func (s *terminalSession) shellToClient() {
	buf := make([]byte, 4096)
	for {
		n, err := s.hijack.Reader.Read(buf)
		if n > 0 {
			if werr := s.writeMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				s.close()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Shell stream ended: close the client connection cleanly.
				s.writeMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				s.close()
			} else {
				s.closeWithError(err.Error())
			}
			return
		}
	}
}

func (s *terminalSession) pingLoop() {
	ticker := time.NewTicker(termPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *terminalSession) clientToShell() {
	defer func() {
		// Client went away: half-close stdin so the shell sees EOF, then
		// release the exec stream.
		s.hijack.CloseWrite()
		s.close()
	}()
	s.conn.SetReadLimit(termReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(termPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(termPongWait))
		return nil
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.handleClientMessage(msg); err != nil {
			s.logger.Warn("terminal stdin write failed",
				"container_id", s.containerID, "error", err)
			s.closeWithError(err.Error())
			return
		}
	}
}

// handleClientMessage applies one inbound message: structured input and
// resize messages are interpreted, anything else goes to stdin byte-for-byte.
func (s *terminalSession) handleClientMessage(msg []byte) error {
	var m termMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		_, werr := s.hijack.Conn.Write(msg)
		return werr
	}
	switch m.Type {
	case "input":
		_, err := s.hijack.Conn.Write([]byte(m.Data))
		return err
	case "resize":
		if m.Cols == 0 || m.Rows == 0 {
			return nil
		}
		s.resize(m.Cols, m.Rows)
		return nil
	default:
		// Well-formed JSON with an unknown type is dropped; only malformed
		// frames fall through to stdin.
		return nil
	}
}

// resize forwards a geometry change to the PTY. Failures are non-fatal: a
// stale geometry only degrades rendering.
func (s *terminalSession) resize(cols, rows uint) {
	err := s.docker.ContainerExecResize(context.Background(), s.execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
	if err != nil {
		s.logger.Warn("terminal resize failed",
			"container_id", s.containerID, "cols", cols, "rows", rows, "error", err)
	}
}
