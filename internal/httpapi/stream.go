package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"call-orchestrator/internal/orchestrator"
	"call-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Tokens travel in the query string, so any origin holding one may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is one server-to-client message on the call stream.
type frame struct {
	Type     string                    `json:"type"`
	Snapshot *orchestrator.Snapshot    `json:"snapshot,omitempty"`
	Error    *orchestrator.ErrorReport `json:"error,omitempty"`
	Notice   string                    `json:"notice,omitempty"`
	Command  string                    `json:"command,omitempty"`
}

// commandFrame is a client-to-server message. Commands mirror the REST endpoints.
type commandFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Reason  string `json:"reason"`
}

var errUnknownCommand = errors.New("unknown command")

const errorNotice = "The call could not be completed."

// Stream upgrades to a websocket and pushes the scope's snapshots until the scope closes or
// the client goes away. Clients may send {"type":"command","command":"accept"} and friends.
func (h Handlers) Stream(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	log := logger.FromGin(c).With("scope_id", m.ScopeID())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("stream: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	snaps, cancel := m.Watch()
	defer cancel()

	replies := make(chan frame, 4)
	gone := make(chan struct{})
	go readCommands(conn, m, log, replies, gone)

	log.Info("stream: client connected")
	defer log.Info("stream: client disconnected")

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var lastErrAt time.Time
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				// Scope closed.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scope closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(conn, frame{Type: "state", Snapshot: &snap}); err != nil {
				return
			}
			if snap.Error != nil && snap.Error.At.After(lastErrAt) {
				lastErrAt = snap.Error.At
				if err := write(conn, frame{Type: "error", Error: snap.Error, Notice: errorNotice}); err != nil {
					return
				}
			}
		case f := <-replies:
			if err := write(conn, f); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func write(conn *websocket.Conn, f frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// readCommands owns the read side of conn. It closes gone when the client disconnects.
func readCommands(conn *websocket.Conn, m *orchestrator.Machine, log *slog.Logger, replies chan<- frame, gone chan<- struct{}) {
	defer close(gone)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req commandFrame
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("stream: unexpected close", "err", err)
			}
			return
		}
		if req.Type != "command" {
			continue
		}
		reply := frame{Type: "ack", Command: req.Command}
		if err := runCommand(m, req); err != nil {
			reply = frame{Type: "rejected", Command: req.Command, Notice: err.Error()}
		}
		select {
		case replies <- reply:
		default:
			log.Debug("stream: reply dropped", "command", req.Command)
		}
	}
}

func runCommand(m *orchestrator.Machine, req commandFrame) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	switch req.Command {
	case "accept":
		return m.AcceptCurrent(ctx)
	case "decline":
		return m.DeclineCurrent(ctx)
	case "end":
		return m.EndCurrent(ctx)
	case "ack":
		return m.AcknowledgeError(ctx)
	case "engine_error":
		return m.ReportEngineError(ctx, req.Reason)
	default:
		return errUnknownCommand
	}
}
